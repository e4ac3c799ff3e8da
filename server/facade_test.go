package server_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkahng/turnframe/game"
	"github.com/tkahng/turnframe/gamehub"
	"github.com/tkahng/turnframe/lobbyhub"
	"github.com/tkahng/turnframe/matchmaker"
	"github.com/tkahng/turnframe/model"
	"github.com/tkahng/turnframe/runtime"
	"github.com/tkahng/turnframe/server"
	"github.com/tkahng/turnframe/store"
)

type noopGame struct{}

func (noopGame) Queues() map[string]game.QueueConfig {
	return map[string]game.QueueConfig{"duel": {NumPlayers: 2}}
}
func (noopGame) Setup(config json.RawMessage, numPlayers int, loadouts []json.RawMessage, timestamp time.Time) (json.RawMessage, error) {
	return json.Marshal(map[string]int{"numPlayers": numPlayers})
}
func (noopGame) IsValidMove(state json.RawMessage, ctx game.MoveContext) bool { return true }
func (noopGame) ProcessMove(state json.RawMessage, ctx game.MoveContext) (json.RawMessage, error) {
	return state, nil
}
func (noopGame) Outcome(state json.RawMessage, ctx game.OutcomeContext) (json.RawMessage, bool) {
	return nil, false
}
func (noopGame) PlayerState(state json.RawMessage, ctx game.ProjectionContext) (json.RawMessage, error) {
	return state, nil
}
func (noopGame) PublicState(state json.RawMessage, ctx game.PublicProjectionContext) (json.RawMessage, error) {
	return state, nil
}

// fakeSender satisfies both lobbyhub.Sender and gamehub.Sender.
type fakeSender struct{}

func (fakeSender) Send(msgType string, v any) error { return nil }

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	s := store.NewMemoryStore()
	def := noopGame{}
	defs := server.NewSingleDefinition(def)
	n := 0
	mm := matchmaker.New(s, func() string {
		n++
		return "game" + string(rune('0'+n))
	})
	lh := lobbyhub.New(s, mm, defs)
	rt := runtime.New(s, defs)
	gh := gamehub.New(s, defs, rt)
	return server.New(s, lh, gh, def)
}

func TestGetInitialLobbyProps_IssuesGuestOnEmptyToken(t *testing.T) {
	srv := newTestServer(t)
	props, tok, err := srv.GetInitialLobbyProps(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.True(t, props.User.Player.IsGuest)
	assert.Contains(t, props.User.Player.Username, "guest-")
}

func TestGetInitialLobbyProps_ReusesValidToken(t *testing.T) {
	srv := newTestServer(t)
	_, tok, err := srv.GetInitialLobbyProps(context.Background(), "")
	require.NoError(t, err)

	props2, tok2, err := srv.GetInitialLobbyProps(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, tok, tok2)
	assert.NotEmpty(t, props2.User.UserID)
}

func TestGetInitialLobbyProps_ExpiredTokenIssuesNewGuest(t *testing.T) {
	srv := newTestServer(t)
	_, tok, err := srv.GetInitialLobbyProps(context.Background(), "")
	require.NoError(t, err)

	te, err := srv.Store.Get(context.Background(), store.TokenKey(tok))
	require.NoError(t, err)
	var oldTok model.Token
	require.NoError(t, json.Unmarshal(te.Value, &oldTok))
	oldTok.Expiration = time.Now().Add(-time.Hour)
	b, err := json.Marshal(oldTok)
	require.NoError(t, err)
	require.NoError(t, srv.Store.AtomicCommit(context.Background(), store.Commit{
		Preconditions: []store.Precondition{{Key: store.TokenKey(tok), Version: te.Version}},
		Writes:        []store.Write{{Key: store.TokenKey(tok), Value: b}},
	}))

	_, newTok, err := srv.GetInitialLobbyProps(context.Background(), tok)
	require.NoError(t, err)
	assert.NotEqual(t, tok, newTok)
}

func TestGetInitialGameProps_ObserverHasNoPlayerState(t *testing.T) {
	srv := newTestServer(t)
	state, _ := json.Marshal(map[string]int{"v": 1})
	g := model.Game{GameID: "g1", State: state, Players: []model.Player{{Username: "a"}, {Username: "b"}}}
	b, err := json.Marshal(g)
	require.NoError(t, err)
	require.NoError(t, srv.Store.AtomicCommit(context.Background(), store.Commit{
		Preconditions: []store.Precondition{{Key: store.GameKey("g1"), MustBeAbsent: true}},
		Writes:        []store.Write{{Key: store.GameKey("g1"), Value: b}},
	}))

	props, err := srv.GetInitialGameProps(context.Background(), "g1", "")
	require.NoError(t, err)
	assert.Nil(t, props.PlayerID)
	assert.Nil(t, props.PlayerState)
	assert.NotNil(t, props.PublicState)
}

func TestGetInitialGameProps_UnknownGameErrors(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.GetInitialGameProps(context.Background(), "nonexistent", "")
	assert.ErrorIs(t, err, server.ErrGameNotFound)
}

// expireToken issues a fresh guest via GetInitialLobbyProps, then
// rewrites its token to be already-expired, returning the token id.
func expireToken(t *testing.T, srv *server.Server) string {
	t.Helper()
	_, tok, err := srv.GetInitialLobbyProps(context.Background(), "")
	require.NoError(t, err)

	te, err := srv.Store.Get(context.Background(), store.TokenKey(tok))
	require.NoError(t, err)
	var oldTok model.Token
	require.NoError(t, json.Unmarshal(te.Value, &oldTok))
	oldTok.Expiration = time.Now().Add(-time.Hour)
	b, err := json.Marshal(oldTok)
	require.NoError(t, err)
	require.NoError(t, srv.Store.AtomicCommit(context.Background(), store.Commit{
		Preconditions: []store.Precondition{{Key: store.TokenKey(tok), Version: te.Version}},
		Writes:        []store.Write{{Key: store.TokenKey(tok), Value: b}},
	}))
	return tok
}

// TestConfigureLobbyConnection_FailsOnExpiredToken covers spec section 8
// scenario 5: a lobby connection presenting an expired token fails
// setup, while GetInitialLobbyProps with the same token still issues a
// fresh guest.
func TestConfigureLobbyConnection_FailsOnExpiredToken(t *testing.T) {
	srv := newTestServer(t)
	tok := expireToken(t, srv)

	_, err := srv.ConfigureLobbyConnection(context.Background(), fakeSender{}, tok)
	assert.ErrorIs(t, err, server.ErrInvalidToken)

	_, newTok, err := srv.GetInitialLobbyProps(context.Background(), tok)
	require.NoError(t, err)
	assert.NotEqual(t, tok, newTok)
}

func TestConfigureLobbyConnection_FailsOnUnknownToken(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.ConfigureLobbyConnection(context.Background(), fakeSender{}, "nonexistent-token")
	assert.ErrorIs(t, err, server.ErrInvalidToken)
}

// TestConfigureGameConnection_FailsOnExpiredToken mirrors scenario 5 for
// game connections: an expired token fails setup outright rather than
// silently falling back to an observer.
func TestConfigureGameConnection_FailsOnExpiredToken(t *testing.T) {
	srv := newTestServer(t)
	tok := expireToken(t, srv)

	state, _ := json.Marshal(map[string]int{"v": 1})
	g := model.Game{GameID: "g1", State: state, Players: []model.Player{{Username: "a"}, {Username: "b"}}}
	b, err := json.Marshal(g)
	require.NoError(t, err)
	require.NoError(t, srv.Store.AtomicCommit(context.Background(), store.Commit{
		Preconditions: []store.Precondition{{Key: store.GameKey("g1"), MustBeAbsent: true}},
		Writes:        []store.Write{{Key: store.GameKey("g1"), Value: b}},
	}))

	_, err = srv.ConfigureGameConnection(context.Background(), fakeSender{}, "g1", tok)
	assert.ErrorIs(t, err, server.ErrInvalidToken)
}

// TestConfigureGameConnection_EmptyTokenRegistersObserver confirms an
// absent (not merely invalid) token is a legitimate observer connection,
// since spec section 4.6 marks the game connection's token optional.
func TestConfigureGameConnection_EmptyTokenRegistersObserver(t *testing.T) {
	srv := newTestServer(t)
	state, _ := json.Marshal(map[string]int{"v": 1})
	g := model.Game{GameID: "g1", State: state, Players: []model.Player{{Username: "a"}, {Username: "b"}}}
	b, err := json.Marshal(g)
	require.NoError(t, err)
	require.NoError(t, srv.Store.AtomicCommit(context.Background(), store.Commit{
		Preconditions: []store.Precondition{{Key: store.GameKey("g1"), MustBeAbsent: true}},
		Writes:        []store.Write{{Key: store.GameKey("g1"), Value: b}},
	}))

	conn, err := srv.ConfigureGameConnection(context.Background(), fakeSender{}, "g1", "")
	require.NoError(t, err)
	require.NotNil(t, conn)
}

// TestConfigureLobbyConnection_NeverMintsGuestOnBadToken guards against
// the bug where a bad token used to silently mint and persist an
// orphaned guest user as a side effect of connection setup.
func TestConfigureLobbyConnection_NeverMintsGuestOnBadToken(t *testing.T) {
	srv := newTestServer(t)
	before, err := srv.Store.ListByPrefix(context.Background(), "users/")
	require.NoError(t, err)

	_, err = srv.ConfigureLobbyConnection(context.Background(), fakeSender{}, "garbage-token")
	assert.ErrorIs(t, err, server.ErrInvalidToken)

	after, err := srv.Store.ListByPrefix(context.Background(), "users/")
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}
