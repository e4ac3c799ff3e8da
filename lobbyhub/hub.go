// Package lobbyhub implements per-connection lobby state and fan-out, per
// spec section 4.4: a single global watcher for the active-game list and
// one for the available-room list, broadcast as suppressed diffs to every
// registered connection, plus per-connection assignment watchers started
// by matchmaking requests.
package lobbyhub

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tkahng/turnframe/game"
	"github.com/tkahng/turnframe/internal/diffutil"
	"github.com/tkahng/turnframe/matchmaker"
	"github.com/tkahng/turnframe/model"
	"github.com/tkahng/turnframe/store"
)

// entryKind distinguishes a queue entry from a room entry for the purpose
// of leave-on-disconnect cleanup.
type entryKind int

const (
	kindQueue entryKind = iota
	kindRoom
)

type matchmakingEntry struct {
	kind    entryKind
	id      string // queueId or roomId
	entryID string
	cancel  context.CancelFunc
}

// Conn is the hub's view of one lobby connection. Sender is supplied by
// the transport layer (wsconn) so this package stays transport-agnostic.
type Conn struct {
	hub    *Hub
	Sender Sender
	log    *logrus.Entry

	mu      sync.Mutex
	userID  string
	player  model.Player

	lastActiveGames     []model.ActiveGameEntry
	lastAvailableRooms  []model.Room
	lastUserActiveGames []string
	lastPlayer          model.Player
	lastRoomEntries     []string
	lastQueueEntries    []string

	entries map[string]*matchmakingEntry // keyed by entryId

	userWatchCancel context.CancelFunc
	closed          bool
}

// Sender delivers an outbound message to the client. Implemented by the
// websocket transport.
type Sender interface {
	Send(msgType string, v any) error
}

// Definitions exposes the server's single game.Definition and its named
// queues, so the hub can validate loadouts/rooms and run Setup without
// depending on a concrete game package. A deployment hosts one game per
// process, per spec section 1 ("a game author supplies a pure
// state-machine definition").
type Definitions interface {
	Definition() game.Definition
	Queue(queueID string) (game.QueueConfig, bool)
}

// Hub is a process-wide singleton; it owns every registered lobby Conn.
type Hub struct {
	Store       store.Store
	Matchmaker  *matchmaker.Matchmaker
	Defs        Definitions
	IDGen       func() string
	log         *logrus.Entry

	mu    sync.Mutex
	conns map[*Conn]struct{}

	startOnce sync.Once
	hubCtx    context.Context
	hubCancel context.CancelFunc
}

func New(s store.Store, mm *matchmaker.Matchmaker, defs Definitions) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		Store:      s,
		Matchmaker: mm,
		Defs:       defs,
		IDGen:      func() string { return uuid.Must(uuid.NewV7()).String() },
		log:        logrus.WithField("component", "lobbyhub"),
		conns:      make(map[*Conn]struct{}),
		hubCtx:     ctx,
		hubCancel:  cancel,
	}
}

// Register adds a connection for userID and starts the hub's global
// watchers on first use.
func (h *Hub) Register(sender Sender, userID string, player model.Player) *Conn {
	h.startOnce.Do(func() {
		go h.watchActiveGames(h.hubCtx)
		go h.watchAvailableRooms(h.hubCtx)
	})

	c := &Conn{
		hub:     h,
		Sender:  sender,
		log:     h.log.WithField("userId", userID),
		userID:  userID,
		player:  player,
		entries: make(map[string]*matchmakingEntry),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(h.hubCtx)
	c.userWatchCancel = cancel
	go c.watchUser(ctx)

	return c
}

// Unregister implements leave-on-disconnect: cancels every watcher owned
// by c and removes its pending matchmaking entries from the Store.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := make([]*matchmakingEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	userWatchCancel := c.userWatchCancel
	userID := c.userID
	c.mu.Unlock()

	if userWatchCancel != nil {
		userWatchCancel()
	}
	for _, e := range entries {
		e.cancel()
		h.leaveEntry(userID, e)
	}
}

func (h *Hub) leaveEntry(userID string, e *matchmakingEntry) {
	switch e.kind {
	case kindQueue:
		if err := h.Matchmaker.RemoveFromQueue(context.Background(), e.id, e.entryID, userID); err != nil {
			h.log.WithError(err).Warn("lobbyhub: cleanup RemoveFromQueue failed")
		}
	case kindRoom:
		if err := h.Matchmaker.RemoveFromRoom(context.Background(), e.id, e.entryID, userID); err != nil {
			h.log.WithError(err).Warn("lobbyhub: cleanup RemoveFromRoom failed")
		}
	}
}

func (h *Hub) snapshotConns() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// watchActiveGames is the hub's single global subscriber to the
// ActiveGames key; on each change it fans out a diff to every connection.
func (h *Hub) watchActiveGames(ctx context.Context) {
	ws, err := h.Store.Watch(ctx, []string{store.ActiveGamesKey})
	if err != nil {
		h.log.WithError(err).Error("lobbyhub: watch active games failed")
		return
	}
	defer ws.Close()
	for {
		snap, err := ws.Next(ctx)
		if err != nil {
			return
		}
		var games []model.ActiveGameEntry
		if snap[0].Present {
			if err := json.Unmarshal(snap[0].Value, &games); err != nil {
				h.log.WithError(err).Warn("lobbyhub: decode active games")
				continue
			}
		}
		for _, c := range h.snapshotConns() {
			c.pushActiveGames(games)
		}
	}
}

// watchAvailableRooms implements spec section 9(b): watch the trigger key
// and always re-read the full derived listing after every fire, rather
// than trying to diff the trigger's own value.
func (h *Hub) watchAvailableRooms(ctx context.Context) {
	ws, err := h.Store.Watch(ctx, []string{store.RoomListTriggerKey})
	if err != nil {
		h.log.WithError(err).Error("lobbyhub: watch room list trigger failed")
		return
	}
	defer ws.Close()
	for {
		_, err := ws.Next(ctx)
		if err != nil {
			return
		}
		rooms, err := h.availableRooms(ctx)
		if err != nil {
			h.log.WithError(err).Warn("lobbyhub: list available rooms")
			continue
		}
		for _, c := range h.snapshotConns() {
			c.pushAvailableRooms(rooms)
		}
	}
}

func (h *Hub) availableRooms(ctx context.Context) ([]model.Room, error) {
	entries, err := h.Store.ListByPrefix(ctx, store.RoomsPrefix())
	if err != nil {
		return nil, err
	}
	rooms := make([]model.Room, 0, len(entries))
	for _, e := range entries {
		var r model.Room
		if err := json.Unmarshal(e.Value, &r); err != nil {
			return nil, err
		}
		if !r.Private {
			rooms = append(rooms, r)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
	return rooms, nil
}

// watchUser is a per-connection subscriber to this connection's user
// record, feeding the player/roomEntries/queueEntries fields of
// UpdateLobbyProps.
func (c *Conn) watchUser(ctx context.Context) {
	ws, err := c.hub.Store.Watch(ctx, []string{store.UserKey(c.userID)})
	if err != nil {
		c.log.WithError(err).Error("lobbyhub: watch user failed")
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
		var u model.User
		if err := json.Unmarshal(snap[0].Value, &u); err != nil {
			c.log.WithError(err).Warn("lobbyhub: decode user")
			continue
		}
		c.pushUser(u)
	}
}

func (c *Conn) pushActiveGames(games []model.ActiveGameEntry) {
	c.mu.Lock()
	if diffutil.Equal(games, c.lastActiveGames) {
		c.mu.Unlock()
		return
	}
	c.lastActiveGames = games
	c.mu.Unlock()
	c.sendProps(map[string]any{"allActiveGames": games})
}

func (c *Conn) pushAvailableRooms(rooms []model.Room) {
	c.mu.Lock()
	if diffutil.Equal(rooms, c.lastAvailableRooms) {
		c.mu.Unlock()
		return
	}
	c.lastAvailableRooms = rooms
	c.mu.Unlock()
	c.sendProps(map[string]any{"allAvailableRooms": rooms})
}

func (c *Conn) pushUser(u model.User) {
	c.mu.Lock()
	partial := map[string]any{}
	if !diffutil.Equal(u.Player, c.lastPlayer) {
		c.lastPlayer = u.Player
		partial["player"] = u.Player
	}
	if !diffutil.Equal(u.ActiveGames, c.lastUserActiveGames) {
		c.lastUserActiveGames = u.ActiveGames
		partial["userActiveGames"] = u.ActiveGames
	}
	if !diffutil.Equal(u.RoomEntries, c.lastRoomEntries) {
		c.lastRoomEntries = u.RoomEntries
		partial["roomEntries"] = u.RoomEntries
	}
	if !diffutil.Equal(u.QueueEntries, c.lastQueueEntries) {
		c.lastQueueEntries = u.QueueEntries
		partial["queueEntries"] = u.QueueEntries
	}
	c.mu.Unlock()
	if len(partial) > 0 {
		c.sendProps(partial)
	}
}

func (c *Conn) sendProps(partial map[string]any) {
	if err := c.Sender.Send("UpdateLobbyProps", map[string]any{"lobbyProps": partial}); err != nil {
		c.log.WithError(err).Debug("lobbyhub: send failed")
	}
}

func (c *Conn) displayError(message string) {
	if err := c.Sender.Send("DisplayError", map[string]any{"message": message}); err != nil {
		c.log.WithError(err).Debug("lobbyhub: send failed")
	}
}

// watchAssignment starts an assignment watcher for entryId and delivers a
// single GameAssignment once a non-absent value appears, then stops.
func (c *Conn) watchAssignment(ctx context.Context, entryID string) {
	ws, err := c.hub.Store.Watch(ctx, []string{store.AssignmentKey(entryID)})
	if err != nil {
		c.log.WithError(err).Error("lobbyhub: watch assignment failed")
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
		var asg model.Assignment
		if err := json.Unmarshal(snap[0].Value, &asg); err != nil {
			c.log.WithError(err).Warn("lobbyhub: decode assignment")
			return
		}
		c.mu.Lock()
		delete(c.entries, entryID)
		c.mu.Unlock()
		if err := c.Sender.Send("GameAssignment", map[string]any{"gameId": asg.GameID}); err != nil {
			c.log.WithError(err).Debug("lobbyhub: send failed")
		}
		return
	}
}
