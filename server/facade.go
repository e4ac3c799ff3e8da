// Package server is the facade described in spec section 4.6: token
// issuance, initial-props RPCs, and connection setup wiring LobbyHub and
// GameHub to the transport layer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tkahng/turnframe/game"
	"github.com/tkahng/turnframe/gamehub"
	"github.com/tkahng/turnframe/lobbyhub"
	"github.com/tkahng/turnframe/model"
	"github.com/tkahng/turnframe/store"
)

const defaultGuestTokenTTL = 30 * 24 * time.Hour

var ErrGameNotFound = errors.New("server: game not found")

// ErrInvalidToken reports a missing, unknown, or expired token. Per spec
// section 7, a bad token fails connection setup; only GetInitialLobbyProps
// is allowed to fall through to minting a fresh guest.
var ErrInvalidToken = errors.New("server: invalid or expired token")

// LobbyProps is the payload returned by GetInitialLobbyProps.
type LobbyProps struct {
	ActiveGames    []model.ActiveGameEntry `json:"activeGames"`
	AvailableRooms []model.Room            `json:"availableRooms"`
	User           model.User              `json:"user"`
}

// GameProps is the payload returned by GetInitialGameProps.
type GameProps struct {
	Players     []model.Player  `json:"players"`
	PublicState json.RawMessage `json:"publicState"`
	PlayerID    *int            `json:"playerId,omitempty"`
	PlayerState json.RawMessage `json:"playerState,omitempty"`
	Outcome     json.RawMessage `json:"outcome,omitempty"`
}

// Server wires the Store-backed facade operations onto LobbyHub, GameHub,
// and a single game.Definition.
type Server struct {
	Store         store.Store
	LobbyHub      *lobbyhub.Hub
	GameHub       *gamehub.Hub
	Definition    game.Definition
	GuestTokenTTL time.Duration
	log           *logrus.Entry
}

func New(s store.Store, lh *lobbyhub.Hub, gh *gamehub.Hub, def game.Definition) *Server {
	return &Server{Store: s, LobbyHub: lh, GameHub: gh, Definition: def, GuestTokenTTL: defaultGuestTokenTTL, log: logrus.WithField("component", "server")}
}

// validateToken resolves the user behind tokenID, failing with
// ErrInvalidToken if the token is missing, unknown, or expired. It never
// mints a guest — callers that must not fail on a bad token (an optional
// `token?` per spec section 4.6) decide for themselves what to do with
// ErrInvalidToken.
func (s *Server) validateToken(ctx context.Context, tokenID string) (model.User, error) {
	if tokenID == "" {
		return model.User{}, ErrInvalidToken
	}
	te, err := s.Store.Get(ctx, store.TokenKey(tokenID))
	if err != nil {
		return model.User{}, err
	}
	if !te.Present {
		return model.User{}, ErrInvalidToken
	}
	var tok model.Token
	if err := json.Unmarshal(te.Value, &tok); err != nil {
		return model.User{}, err
	}
	if tok.Expired(time.Now()) {
		return model.User{}, ErrInvalidToken
	}
	ue, err := s.Store.Get(ctx, store.UserKey(tok.UserID))
	if err != nil {
		return model.User{}, err
	}
	if !ue.Present {
		return model.User{}, ErrInvalidToken
	}
	var u model.User
	if err := json.Unmarshal(ue.Value, &u); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// resolveUser validates tokenID or mints a fresh guest user + token, per
// spec section 4.6 and the token-expiration scenario in section 8. Only
// GetInitialLobbyProps may call this; every other caller must fail on a
// bad token rather than silently mint an orphaned guest.
func (s *Server) resolveUser(ctx context.Context, tokenID string) (model.User, string, error) {
	u, err := s.validateToken(ctx, tokenID)
	if err == nil {
		return u, tokenID, nil
	}
	if err != ErrInvalidToken {
		return model.User{}, "", err
	}
	return s.createGuest(ctx)
}

// createGuest mints a userId, a unique "guest-NNNN" username, and a fresh
// token, retrying the username pick on collision via store.ErrRetry.
func (s *Server) createGuest(ctx context.Context) (model.User, string, error) {
	userID := uuid.Must(uuid.NewV7()).String()
	newTokenID := uuid.Must(uuid.NewV7()).String()
	var created model.User

	err := store.RunTransaction(ctx, s.Store, func(ctx context.Context) (store.Commit, error) {
		username := fmt.Sprintf("guest-%04d", guestSuffix())
		idx, err := s.Store.Get(ctx, store.UsernameIndexKey(username))
		if err != nil {
			return store.Commit{}, err
		}
		if idx.Present {
			return store.Commit{}, store.ErrRetry
		}

		u := model.User{UserID: userID, Player: model.Player{Username: username, IsGuest: true}}
		ub, err := json.Marshal(u)
		if err != nil {
			return store.Commit{}, err
		}
		tok := model.Token{TokenID: newTokenID, UserID: userID, Expiration: time.Now().Add(s.GuestTokenTTL)}
		tb, err := json.Marshal(tok)
		if err != nil {
			return store.Commit{}, err
		}

		created = u
		return store.Commit{
			Preconditions: []store.Precondition{
				{Key: store.UserKey(userID), MustBeAbsent: true},
				{Key: store.UsernameIndexKey(username), MustBeAbsent: true},
				{Key: store.TokenKey(newTokenID), MustBeAbsent: true},
			},
			Writes: []store.Write{
				{Key: store.UserKey(userID), Value: ub},
				{Key: store.UsernameIndexKey(username), Value: []byte(userID)},
				{Key: store.TokenKey(newTokenID), Value: tb},
			},
		}, nil
	})
	if err != nil {
		return model.User{}, "", err
	}
	return created, newTokenID, nil
}

// guestSuffix picks a 4-digit candidate suffix from the clock; uniqueness
// comes from createGuest's username-index collision retry, not from this
// value by itself.
var guestSuffix = func() int { return int(time.Now().UnixNano() % 10000) }

// GetInitialLobbyProps resolves or creates a user and returns the current
// lobby snapshot alongside the (possibly freshly issued) token.
func (s *Server) GetInitialLobbyProps(ctx context.Context, tokenID string) (LobbyProps, string, error) {
	u, tok, err := s.resolveUser(ctx, tokenID)
	if err != nil {
		return LobbyProps{}, "", err
	}

	activeGames, err := s.activeGames(ctx)
	if err != nil {
		return LobbyProps{}, "", err
	}
	rooms, err := s.availableRooms(ctx)
	if err != nil {
		return LobbyProps{}, "", err
	}

	return LobbyProps{ActiveGames: activeGames, AvailableRooms: rooms, User: u}, tok, nil
}

func (s *Server) activeGames(ctx context.Context) ([]model.ActiveGameEntry, error) {
	e, err := s.Store.Get(ctx, store.ActiveGamesKey)
	if err != nil {
		return nil, err
	}
	if !e.Present {
		return []model.ActiveGameEntry{}, nil
	}
	var games []model.ActiveGameEntry
	if err := json.Unmarshal(e.Value, &games); err != nil {
		return nil, err
	}
	return games, nil
}

func (s *Server) availableRooms(ctx context.Context) ([]model.Room, error) {
	entries, err := s.Store.ListByPrefix(ctx, store.RoomsPrefix())
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

// GetInitialGameProps returns the snapshot a freshly opened game
// connection should render, resolving playerId if tokenID's user is a
// seat of this game.
func (s *Server) GetInitialGameProps(ctx context.Context, gameID, tokenID string) (GameProps, error) {
	ge, err := s.Store.Get(ctx, store.GameKey(gameID))
	if err != nil {
		return GameProps{}, err
	}
	if !ge.Present {
		return GameProps{}, ErrGameNotFound
	}
	var g model.Game
	if err := json.Unmarshal(ge.Value, &g); err != nil {
		return GameProps{}, err
	}

	now := time.Now()
	numPlayers := len(g.Players)
	public, err := s.Definition.PublicState(g.State, game.PublicProjectionContext{Config: g.Config, NumPlayers: numPlayers, Timestamp: now})
	if err != nil {
		return GameProps{}, err
	}

	props := GameProps{Players: g.Players, PublicState: public}
	if g.HasOutcome() {
		props.Outcome = g.Outcome
	}

	if tokenID == "" {
		return props, nil
	}
	u, err := s.validateToken(ctx, tokenID)
	if err != nil {
		return props, nil
	}
	seat := g.SeatOf(u.UserID)
	if seat < 0 {
		return props, nil
	}
	ps, err := s.Definition.PlayerState(g.State, game.ProjectionContext{Config: g.Config, PlayerID: seat, NumPlayers: numPlayers, Timestamp: now})
	if err != nil {
		return props, nil
	}
	props.PlayerID = &seat
	props.PlayerState = ps
	return props, nil
}

// ConfigureLobbyConnection validates the token and registers a
// lobbyhub.Conn for its user. Per spec section 4.6, a lobby connection's
// token is not optional: a missing, unknown, or expired token fails
// setup with ErrInvalidToken rather than silently minting a guest.
func (s *Server) ConfigureLobbyConnection(ctx context.Context, sender lobbyhub.Sender, tokenID string) (*lobbyhub.Conn, error) {
	u, err := s.validateToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return s.LobbyHub.Register(sender, u.UserID, u.Player), nil
}

// ConfigureGameConnection resolves playerId (if the token's user is a
// seat of gameId) and registers a gamehub.Conn. Per spec section 4.6 the
// token is optional here (`token?`): an absent token registers an
// observer, but a present-and-invalid one fails setup with
// ErrInvalidToken rather than silently falling back to observer.
func (s *Server) ConfigureGameConnection(ctx context.Context, sender gamehub.Sender, gameID, tokenID string) (*gamehub.Conn, error) {
	ge, err := s.Store.Get(ctx, store.GameKey(gameID))
	if err != nil {
		return nil, err
	}
	if !ge.Present {
		return nil, ErrGameNotFound
	}
	var g model.Game
	if err := json.Unmarshal(ge.Value, &g); err != nil {
		return nil, err
	}

	playerID := -1
	if tokenID != "" {
		u, err := s.validateToken(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		playerID = g.SeatOf(u.UserID)
	}

	return s.GameHub.Register(gameID, sender, playerID), nil
}
