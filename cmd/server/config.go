package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const releaseVersion = "0.1.0"

// Config holds every flag/env-configurable server setting.
type Config struct {
	bind       string
	port       int
	redisAddr  string
	store      string
	tokenTTL   time.Duration
	originsCSV string
	verbose    bool
}

func (c *Config) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	switch c.store {
	case "memory":
	case "redis":
		if c.redisAddr == "" {
			return fmt.Errorf("--redis-addr is required when --store=redis")
		}
	default:
		return fmt.Errorf("--store must be %q or %q, got %q", "memory", "redis", c.store)
	}
	return nil
}

func (c *Config) origins() []string {
	if c.originsCSV == "" {
		return nil
	}
	return strings.Split(c.originsCSV, ",")
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TURNFRAME")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "turnframe-server",
		Short:         "Hosts a turn-based multiplayer game built on a single game.Definition.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return Run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: TURNFRAME_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: TURNFRAME_PORT)")
	fs.StringVar(&cfg.redisAddr, "redis-addr", "", "redis address for the Store backend, required when --store=redis (env: TURNFRAME_REDIS_ADDR)")
	fs.StringVar(&cfg.store, "store", "memory", `Store backend: "memory" or "redis" (env: TURNFRAME_STORE)`)
	fs.DurationVar(&cfg.tokenTTL, "token-ttl", 30*24*time.Hour, "expiration for freshly issued guest tokens (env: TURNFRAME_TOKEN_TTL)")
	fs.StringVar(&cfg.originsCSV, "allowed-origins", "", "comma-separated websocket origin allow-list, empty allows all (env: TURNFRAME_ALLOWED_ORIGINS)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "enable debug logging (env: TURNFRAME_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("turnframe-server v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
