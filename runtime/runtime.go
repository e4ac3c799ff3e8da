// Package runtime implements move application against a live game, per
// spec section 4.3: validate, process, re-check the outcome, and persist,
// all as a single retried transaction against the store.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tkahng/turnframe/game"
	"github.com/tkahng/turnframe/model"
	"github.com/tkahng/turnframe/store"
)

var (
	ErrGameNotFound = errors.New("runtime: game not found")
	ErrGameOver     = errors.New("runtime: game already has an outcome")
	ErrInvalidMove  = errors.New("runtime: move is not valid for the current state")
)

// Definitions resolves a game to the author Definition responsible for it.
// The server's SingleDefinition returns the same Definition for every game.
type Definitions interface {
	Lookup(gameID string, g model.Game) (game.Definition, error)
}

// GameRuntime applies moves against games stored in Store.
type GameRuntime struct {
	Store store.Store
	Defs  Definitions
	log   *logrus.Entry
}

func New(s store.Store, defs Definitions) *GameRuntime {
	return &GameRuntime{Store: s, Defs: defs, log: logrus.WithField("component", "runtime")}
}

// HandleMove validates and applies a single move from playerID (a seat
// index, per game.MoveContext) against gameID's current state. It is a
// silent no-op (no error) if the game is absent or already has an
// outcome — late or duplicate moves after a game concludes are expected
// under fan-out retry and must not surface as errors to the caller.
func (r *GameRuntime) HandleMove(ctx context.Context, gameID string, playerID int, move json.RawMessage) error {
	return store.RunTransaction(ctx, r.Store, func(ctx context.Context) (store.Commit, error) {
		ge, err := r.Store.Get(ctx, store.GameKey(gameID))
		if err != nil {
			return store.Commit{}, err
		}
		if !ge.Present {
			return store.Commit{}, nil
		}
		var g model.Game
		if err := json.Unmarshal(ge.Value, &g); err != nil {
			return store.Commit{}, err
		}
		if g.HasOutcome() {
			return store.Commit{}, nil
		}

		def, err := r.Defs.Lookup(gameID, g)
		if err != nil {
			return store.Commit{}, err
		}

		now := time.Now()
		numPlayers := len(g.Players)
		moveCtx := game.MoveContext{Config: g.Config, NumPlayers: numPlayers, PlayerID: playerID, Timestamp: now, Move: move}

		if !def.IsValidMove(g.State, moveCtx) {
			return store.Commit{}, ErrInvalidMove
		}

		newState, err := def.ProcessMove(g.State, moveCtx)
		if err != nil {
			return store.Commit{}, err
		}
		g.State = newState

		outcome, done := def.Outcome(g.State, game.OutcomeContext{Config: g.Config, NumPlayers: numPlayers, Timestamp: now})
		if done {
			g.Outcome = outcome
		}

		gameBytes, err := json.Marshal(g)
		if err != nil {
			return store.Commit{}, err
		}

		commit := store.Commit{
			Preconditions: []store.Precondition{{Key: store.GameKey(gameID), Version: ge.Version}},
			Writes:        []store.Write{{Key: store.GameKey(gameID), Value: gameBytes}},
		}

		if done {
			if err := r.removeFromActiveGames(ctx, gameID, &commit); err != nil {
				return store.Commit{}, err
			}
		}

		return commit, nil
	})
}

// removeFromActiveGames appends the preconditions/writes needed to drop
// gameID from the ActiveGames singleton list, so completed games stop
// being offered to observers browsing the lobby.
func (r *GameRuntime) removeFromActiveGames(ctx context.Context, gameID string, commit *store.Commit) error {
	agEntry, err := r.Store.Get(ctx, store.ActiveGamesKey)
	if err != nil {
		return err
	}
	if !agEntry.Present {
		return nil
	}
	var activeGames []model.ActiveGameEntry
	if err := json.Unmarshal(agEntry.Value, &activeGames); err != nil {
		return err
	}

	kept := activeGames[:0]
	for _, ag := range activeGames {
		if ag.GameID != gameID {
			kept = append(kept, ag)
		}
	}
	if len(kept) == len(activeGames) {
		return nil
	}

	agBytes, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	commit.Preconditions = append(commit.Preconditions, store.Precondition{Key: store.ActiveGamesKey, Version: agEntry.Version})
	commit.Writes = append(commit.Writes, store.Write{Key: store.ActiveGamesKey, Value: agBytes})
	return nil
}
