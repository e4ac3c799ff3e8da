// Package gamehub implements per-game connection fan-out, per spec
// section 4.5: one changes-reader per gameId shared by every connection
// registered to that game, projecting player/public state and outcome
// and suppressing unchanged sends.
package gamehub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tkahng/turnframe/game"
	"github.com/tkahng/turnframe/internal/diffutil"
	"github.com/tkahng/turnframe/model"
	"github.com/tkahng/turnframe/runtime"
	"github.com/tkahng/turnframe/store"
)

// Sender delivers an outbound message to the client.
type Sender interface {
	Send(msgType string, v any) error
}

// Definitions resolves a game to its Definition for projection/move
// handling.
type Definitions interface {
	Lookup(gameID string, g model.Game) (game.Definition, error)
}

// conn is the bundle's view of a single connection: an optional seat and
// the last payload sent to it.
type conn struct {
	sender      Sender
	log         *logrus.Entry
	playerID    int // -1 if observer
	lastPlayer  json.RawMessage
	lastPublic  json.RawMessage
	lastOutcome json.RawMessage
	initialized bool
}

// bundle is the per-gameId connection registry plus its single
// changes-reader.
type bundle struct {
	gameID string
	mu     sync.Mutex
	conns  map[*conn]struct{}
	cancel context.CancelFunc
}

// Hub owns every live game's bundle.
type Hub struct {
	Store   store.Store
	Defs    Definitions
	Runtime *runtime.GameRuntime
	log     *logrus.Entry

	mu      sync.Mutex
	bundles map[string]*bundle
}

func New(s store.Store, defs Definitions, rt *runtime.GameRuntime) *Hub {
	return &Hub{
		Store:   s,
		Defs:    defs,
		Runtime: rt,
		log:     logrus.WithField("component", "gamehub"),
		bundles: make(map[string]*bundle),
	}
}

// Conn is the handle a transport layer holds for one registered
// connection.
type Conn struct {
	hub    *Hub
	b      *bundle
	c      *conn
	gameID string
}

// Register attaches sender to gameId's bundle, starting the bundle's
// changes-reader if this is the first connection. playerID is -1 for an
// observer.
func (h *Hub) Register(gameID string, sender Sender, playerID int) *Conn {
	h.mu.Lock()
	b, ok := h.bundles[gameID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		b = &bundle{gameID: gameID, conns: make(map[*conn]struct{}), cancel: cancel}
		h.bundles[gameID] = b
		go h.runChangesReader(ctx, b)
	}
	h.mu.Unlock()

	c := &conn{sender: sender, log: h.log.WithField("gameId", gameID), playerID: playerID}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	return &Conn{hub: h, b: b, c: c, gameID: gameID}
}

// Unregister detaches a connection; when the last connection for a game
// departs, its changes-reader is cancelled and the bundle destroyed.
func (h *Hub) Unregister(rc *Conn) {
	rc.b.mu.Lock()
	delete(rc.b.conns, rc.c)
	empty := len(rc.b.conns) == 0
	rc.b.mu.Unlock()

	if !empty {
		return
	}
	h.mu.Lock()
	if cur, ok := h.bundles[rc.gameID]; ok && cur == rc.b {
		delete(h.bundles, rc.gameID)
		cur.cancel()
	}
	h.mu.Unlock()
}

func (h *Hub) runChangesReader(ctx context.Context, b *bundle) {
	ws, err := h.Store.Watch(ctx, []string{store.GameKey(b.gameID)})
	if err != nil {
		h.log.WithError(err).Error("gamehub: watch game failed")
		return
	}
	defer ws.Close()
	for {
		snap, err := ws.Next(ctx)
		if err != nil {
			return
		}
		if !snap[0].Present {
			continue
		}
		var g model.Game
		if err := json.Unmarshal(snap[0].Value, &g); err != nil {
			h.log.WithError(err).Warn("gamehub: decode game")
			continue
		}
		h.fanOut(b, g)
	}
}

func (h *Hub) fanOut(b *bundle, g model.Game) {
	def, err := h.Defs.Lookup(b.gameID, g)
	if err != nil {
		h.log.WithError(err).Warn("gamehub: resolve definition")
		return
	}
	now := time.Now()
	numPlayers := len(g.Players)

	public, err := def.PublicState(g.State, game.PublicProjectionContext{Config: g.Config, NumPlayers: numPlayers, Timestamp: now})
	if err != nil {
		h.log.WithError(err).Warn("gamehub: public state projection failed")
		return
	}

	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		h.sendIfChanged(c, def, g, public, numPlayers, now)
	}
}

func (h *Hub) sendIfChanged(c *conn, def game.Definition, g model.Game, public json.RawMessage, numPlayers int, now time.Time) {
	var playerState json.RawMessage
	if c.playerID >= 0 {
		ps, err := def.PlayerState(g.State, game.ProjectionContext{Config: g.Config, PlayerID: c.playerID, NumPlayers: numPlayers, Timestamp: now})
		if err != nil {
			h.log.WithError(err).Warn("gamehub: player state projection failed")
			return
		}
		playerState = ps
	}

	if diffutil.Equal(playerState, c.lastPlayer) && diffutil.Equal(public, c.lastPublic) && diffutil.Equal(g.Outcome, c.lastOutcome) {
		return
	}
	c.lastPlayer = playerState
	c.lastPublic = public
	c.lastOutcome = g.Outcome

	payload := map[string]any{"publicState": public}
	if c.playerID >= 0 {
		payload["playerState"] = playerState
	}
	if g.HasOutcome() {
		payload["outcome"] = g.Outcome
	}
	if err := c.sender.Send("UpdateGameState", payload); err != nil {
		c.log.WithError(err).Debug("gamehub: send failed")
	}
}

// Initialize seeds the connection's cache from the client's asserted
// baseline, then forces a single fresh read + diff to correct any
// divergence exactly once.
func (rc *Conn) Initialize(ctx context.Context, data json.RawMessage) {
	var msg struct {
		CurrentPublicState json.RawMessage `json:"currentPublicState"`
		CurrentPlayerState json.RawMessage `json:"currentPlayerState"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		rc.c.log.WithError(err).Debug("gamehub: malformed Initialize")
		return
	}
	rc.b.mu.Lock()
	rc.c.lastPublic = msg.CurrentPublicState
	rc.c.lastPlayer = msg.CurrentPlayerState
	rc.c.initialized = true
	rc.b.mu.Unlock()

	ge, err := rc.hub.Store.Get(ctx, store.GameKey(rc.gameID))
	if err != nil || !ge.Present {
		return
	}
	var g model.Game
	if err := json.Unmarshal(ge.Value, &g); err != nil {
		return
	}
	def, err := rc.hub.Defs.Lookup(rc.gameID, g)
	if err != nil {
		return
	}
	now := time.Now()
	numPlayers := len(g.Players)
	public, err := def.PublicState(g.State, game.PublicProjectionContext{Config: g.Config, NumPlayers: numPlayers, Timestamp: now})
	if err != nil {
		return
	}
	rc.hub.sendIfChanged(rc.c, def, g, public, numPlayers, now)
}

// Move is rejected silently for observer connections; otherwise
// delegated to GameRuntime.
func (rc *Conn) Move(ctx context.Context, data json.RawMessage) {
	if rc.c.playerID < 0 {
		return
	}
	var msg struct {
		Move json.RawMessage `json:"move"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		rc.c.log.WithError(err).Debug("gamehub: malformed Move")
		return
	}
	if err := rc.hub.Runtime.HandleMove(ctx, rc.gameID, rc.c.playerID, msg.Move); err != nil {
		rc.c.log.WithError(err).Debug("gamehub: move rejected")
	}
}
