// Command turnframe-server hosts a single game.Definition behind the
// matchmaker/runtime/lobbyhub/gamehub stack, exposed over HTTP and
// websockets.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tkahng/turnframe/gamehub"
	"github.com/tkahng/turnframe/games/sticks"
	"github.com/tkahng/turnframe/lobbyhub"
	"github.com/tkahng/turnframe/matchmaker"
	"github.com/tkahng/turnframe/runtime"
	"github.com/tkahng/turnframe/server"
	"github.com/tkahng/turnframe/store"
)

func main() {
	cfg := &Config{}
	if err := newCmd(cfg).Execute(); err != nil {
		logrus.WithError(err).Fatal("turnframe-server exited")
	}
}

func newIDGen() func() string {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

func newStore(cfg *Config) store.Store {
	if cfg.store == "memory" {
		return store.NewMemoryStore()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	return store.NewRedisStore(client)
}

// Run wires the full stack and serves it until ctx is cancelled, shutting
// down gracefully on SIGINT/SIGTERM.
func Run(ctx context.Context, cfg *Config) error {
	if cfg.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "main")

	s := newStore(cfg)
	def := sticks.Definition{}
	defs := server.NewSingleDefinition(def)

	mm := matchmaker.New(s, newIDGen())
	rt := runtime.New(s, defs)
	lh := lobbyhub.New(s, mm, defs)
	gh := gamehub.New(s, defs, rt)
	srv := server.New(s, lh, gh, def)
	srv.GuestTokenTTL = cfg.tokenTTL

	addr := fmt.Sprintf("%s:%d", cfg.bind, cfg.port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Routes(cfg.origins()),
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
