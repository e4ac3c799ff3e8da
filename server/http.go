package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tkahng/turnframe/gamehub"
	"github.com/tkahng/turnframe/lobbyhub"
	"github.com/tkahng/turnframe/wsconn"
)

// Routes mounts the HTTP surface: RPC-shaped initial-props endpoints and
// the two websocket upgrade endpoints, per spec section 6. A plain
// net/http.ServeMux is used rather than a router library; see
// DESIGN.md for why.
func (s *Server) Routes(origins []string) http.Handler {
	upgrader := wsconn.Upgrader(origins)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /lobby/props", s.handleLobbyProps)
	mux.HandleFunc("GET /games/{gameId}/props", s.handleGameProps)
	mux.HandleFunc("GET /lobby/ws", s.handleLobbyWS(upgrader))
	mux.HandleFunc("GET /games/{gameId}/ws", s.handleGameWS(upgrader))

	return cors(mux)
}

func cors(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleLobbyProps(w http.ResponseWriter, r *http.Request) {
	props, tok, err := s.GetInitialLobbyProps(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"props": props, "token": tok})
}

func (s *Server) handleGameProps(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("gameId")
	props, err := s.GetInitialGameProps(r.Context(), gameID, bearerToken(r))
	if err != nil {
		if err == ErrGameNotFound {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, props)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// lobbySender adapts a *wsconn.Conn to lobbyhub.Sender.
type lobbySender struct{ c *wsconn.Conn }

func (s lobbySender) Send(msgType string, v any) error { return s.c.Send(msgType, v) }

func (s *Server) handleLobbyWS(upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenID := bearerToken(r)
		log := logrus.WithField("endpoint", "lobby")
		wsconn.Serve(w, r, upgrader, log, func(ctx context.Context, conn *wsconn.Conn) (map[string]wsconn.Handler, wsconn.Handler, func()) {
			lc, err := s.ConfigureLobbyConnection(ctx, lobbySender{conn}, tokenID)
			if err != nil {
				conn.Close()
				return nil, nil, nil
			}
			handlers := map[string]wsconn.Handler{
				"Initialize":        func(ctx context.Context, c *wsconn.Conn, data json.RawMessage) { lc.Initialize(ctx, data) },
				"JoinQueue":         func(ctx context.Context, c *wsconn.Conn, data json.RawMessage) { lc.JoinQueue(ctx, data) },
				"CreateAndJoinRoom": func(ctx context.Context, c *wsconn.Conn, data json.RawMessage) { lc.CreateAndJoinRoom(ctx, data) },
				"JoinRoom":          func(ctx context.Context, c *wsconn.Conn, data json.RawMessage) { lc.JoinRoom(ctx, data) },
				"CommitRoom":        func(ctx context.Context, c *wsconn.Conn, data json.RawMessage) { lc.CommitRoom(ctx, data) },
				"LeaveMatchmaking":  func(ctx context.Context, c *wsconn.Conn, data json.RawMessage) { lc.LeaveMatchmaking(ctx, data) },
				"UpdateUsername":    func(ctx context.Context, c *wsconn.Conn, data json.RawMessage) { lc.UpdateUsername(ctx, data) },
			}
			cleanup := func() { s.LobbyHub.Unregister(lc) }
			return handlers, nil, cleanup
		})
	}
}

// gameSender adapts a *wsconn.Conn to gamehub.Sender.
type gameSender struct{ c *wsconn.Conn }

func (s gameSender) Send(msgType string, v any) error { return s.c.Send(msgType, v) }

func (s *Server) handleGameWS(upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID := r.PathValue("gameId")
		tokenID := bearerToken(r)
		log := logrus.WithField("endpoint", "game").WithField("gameId", gameID)
		wsconn.Serve(w, r, upgrader, log, func(ctx context.Context, conn *wsconn.Conn) (map[string]wsconn.Handler, wsconn.Handler, func()) {
			gc, err := s.ConfigureGameConnection(ctx, gameSender{conn}, gameID, tokenID)
			if err != nil {
				conn.Close()
				return nil, nil, nil
			}
			handlers := map[string]wsconn.Handler{
				"Initialize": func(ctx context.Context, c *wsconn.Conn, data json.RawMessage) { gc.Initialize(ctx, data) },
				"Move":       func(ctx context.Context, c *wsconn.Conn, data json.RawMessage) { gc.Move(ctx, data) },
			}
			cleanup := func() { s.GameHub.Unregister(gc) }
			return handlers, nil, cleanup
		})
	}
}

var _ gamehub.Sender = gameSender{}
var _ lobbyhub.Sender = lobbySender{}
