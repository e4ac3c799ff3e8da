package gamehub_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkahng/turnframe/game"
	"github.com/tkahng/turnframe/gamehub"
	"github.com/tkahng/turnframe/model"
	"github.com/tkahng/turnframe/runtime"
	"github.com/tkahng/turnframe/store"
)

type fakeSender struct {
	mu  sync.Mutex
	msg []map[string]any
}

func (f *fakeSender) Send(msgType string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := json.Marshal(v)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	f.msg = append(f.msg, m)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msg)
}

func (f *fakeSender) last() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msg) == 0 {
		return nil
	}
	return f.msg[len(f.msg)-1]
}

func (f *fakeSender) waitCount(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d messages, got %d", n, f.count())
}

// counterDef: state is an int; a move with "amount" adds to it; outcome
// is set once the counter reaches 5.
type counterDef struct{}

func (counterDef) Queues() map[string]game.QueueConfig { return nil }
func (counterDef) Setup(config json.RawMessage, numPlayers int, loadouts []json.RawMessage, timestamp time.Time) (json.RawMessage, error) {
	return json.Marshal(0)
}
func (counterDef) IsValidMove(state json.RawMessage, ctx game.MoveContext) bool { return true }
func (counterDef) ProcessMove(state json.RawMessage, ctx game.MoveContext) (json.RawMessage, error) {
	var n int
	_ = json.Unmarshal(state, &n)
	var msg struct {
		Amount int `json:"amount"`
	}
	_ = json.Unmarshal(ctx.Move, &msg)
	return json.Marshal(n + msg.Amount)
}
func (counterDef) Outcome(state json.RawMessage, ctx game.OutcomeContext) (json.RawMessage, bool) {
	var n int
	_ = json.Unmarshal(state, &n)
	if n >= 5 {
		out, _ := json.Marshal(map[string]int{"final": n})
		return out, true
	}
	return nil, false
}
func (counterDef) PlayerState(state json.RawMessage, ctx game.ProjectionContext) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"seat": ctx.PlayerID, "value": json.RawMessage(state)})
}
func (counterDef) PublicState(state json.RawMessage, ctx game.PublicProjectionContext) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"value": json.RawMessage(state)})
}

type staticDefs struct{ def game.Definition }

func (s staticDefs) Lookup(gameID string, g model.Game) (game.Definition, error) { return s.def, nil }

func seedGame(t *testing.T, s store.Store, gameID string, state int) {
	t.Helper()
	stateBytes, _ := json.Marshal(state)
	g := model.Game{GameID: gameID, State: stateBytes, Players: []model.Player{{Username: "a"}, {Username: "b"}}}
	b, err := json.Marshal(g)
	require.NoError(t, err)
	require.NoError(t, s.AtomicCommit(context.Background(), store.Commit{
		Preconditions: []store.Precondition{{Key: store.GameKey(gameID), MustBeAbsent: true}},
		Writes:        []store.Write{{Key: store.GameKey(gameID), Value: b}},
	}))
}

func TestGameHub_FanOutToPlayerAndObserver(t *testing.T) {
	s := store.NewMemoryStore()
	rt := runtime.New(s, staticDefs{counterDef{}})
	hub := gamehub.New(s, staticDefs{counterDef{}}, rt)

	seedGame(t, s, "g1", 0)

	playerSender := &fakeSender{}
	observerSender := &fakeSender{}
	playerConn := hub.Register("g1", playerSender, 0)
	observerConn := hub.Register("g1", observerSender, -1)
	defer hub.Unregister(playerConn)
	defer hub.Unregister(observerConn)

	playerConn.Initialize(context.Background(), json.RawMessage(`{}`))
	observerConn.Initialize(context.Background(), json.RawMessage(`{}`))
	playerSender.waitCount(t, 1, time.Second)
	observerSender.waitCount(t, 1, time.Second)

	move, _ := json.Marshal(map[string]int{"amount": 2})
	playerConn.Move(context.Background(), json.RawMessage(`{"move":`+string(move)+`}`))

	playerSender.waitCount(t, 2, time.Second)
	observerSender.waitCount(t, 2, time.Second)

	lastPlayer := playerSender.last()
	assert.Contains(t, lastPlayer, "playerState")

	lastObserver := observerSender.last()
	assert.NotContains(t, lastObserver, "playerState")
}

func TestGameHub_MoveFromObserverIsIgnored(t *testing.T) {
	s := store.NewMemoryStore()
	rt := runtime.New(s, staticDefs{counterDef{}})
	hub := gamehub.New(s, staticDefs{counterDef{}}, rt)
	seedGame(t, s, "g1", 0)

	sender := &fakeSender{}
	conn := hub.Register("g1", sender, -1)
	defer hub.Unregister(conn)

	move, _ := json.Marshal(map[string]int{"amount": 2})
	conn.Move(context.Background(), json.RawMessage(`{"move":`+string(move)+`}`))

	ge, err := s.Get(context.Background(), store.GameKey("g1"))
	require.NoError(t, err)
	var g model.Game
	require.NoError(t, json.Unmarshal(ge.Value, &g))
	assert.Equal(t, "0", string(g.State))
}

func TestGameHub_OutcomeIncludedOnceReached(t *testing.T) {
	s := store.NewMemoryStore()
	rt := runtime.New(s, staticDefs{counterDef{}})
	hub := gamehub.New(s, staticDefs{counterDef{}}, rt)
	seedGame(t, s, "g1", 3)

	sender := &fakeSender{}
	conn := hub.Register("g1", sender, 0)
	defer hub.Unregister(conn)

	conn.Initialize(context.Background(), json.RawMessage(`{}`))
	sender.waitCount(t, 1, time.Second)

	move, _ := json.Marshal(map[string]int{"amount": 3})
	conn.Move(context.Background(), json.RawMessage(`{"move":`+string(move)+`}`))

	sender.waitCount(t, 2, time.Second)
	last := sender.last()
	assert.Contains(t, last, "outcome")
}
