// Package game defines the contract between the framework and a game
// author's pure state-machine implementation, per spec section 4.3 and
// the GLOSSARY. The core never inspects config/state/move/loadout/outcome
// payloads; it only ever passes them through json.RawMessage.
package game

import (
	"encoding/json"
	"time"
)

// MoveContext is passed to IsValidMove and ProcessMove.
type MoveContext struct {
	Config     json.RawMessage
	NumPlayers int
	PlayerID   int
	Timestamp  time.Time
	Move       json.RawMessage
}

// OutcomeContext is passed to Outcome.
type OutcomeContext struct {
	Config     json.RawMessage
	NumPlayers int
	Timestamp  time.Time
}

// ProjectionContext is passed to PlayerState, projecting state for a
// single seat.
type ProjectionContext struct {
	Config     json.RawMessage
	PlayerID   int
	NumPlayers int
	Timestamp  time.Time
}

// PublicProjectionContext is passed to PublicState, projecting state for
// observers and for the public half of every player's view.
type PublicProjectionContext struct {
	Config     json.RawMessage
	NumPlayers int
	Timestamp  time.Time
}

// QueueConfig describes one of a Definition's named queues.
type QueueConfig struct {
	NumPlayers int
	Config     json.RawMessage
}

// Definition is the pure state-machine a game author supplies. Every
// method must be pure and deterministic: the core may call Setup,
// IsValidMove, ProcessMove, and Outcome more than once for the same
// logical event across retries and fan-out (spec section 9).
type Definition interface {
	// Queues lists the named queues this game offers, keyed by queueId.
	Queues() map[string]QueueConfig

	// Setup produces the initial game state for a freshly graduated
	// game, given the ordered per-seat loadouts.
	Setup(config json.RawMessage, numPlayers int, loadouts []json.RawMessage, timestamp time.Time) (json.RawMessage, error)

	// IsValidMove reports whether move may be applied to state.
	IsValidMove(state json.RawMessage, ctx MoveContext) bool

	// ProcessMove applies a move IsValidMove has already accepted and
	// returns the resulting state.
	ProcessMove(state json.RawMessage, ctx MoveContext) (json.RawMessage, error)

	// Outcome reports the terminal value for state, if any. The second
	// return is false while the game is still in progress.
	Outcome(state json.RawMessage, ctx OutcomeContext) (outcome json.RawMessage, done bool)

	// PlayerState projects state into the view a single seat should see.
	PlayerState(state json.RawMessage, ctx ProjectionContext) (json.RawMessage, error)

	// PublicState projects state into the view every connection
	// (players and observers alike) should see.
	PublicState(state json.RawMessage, ctx PublicProjectionContext) (json.RawMessage, error)
}

// LoadoutValidator is an optional capability a Definition may implement
// to reject a loadout at matchmaking request time. Per spec section 9(a),
// the request is rejected when IsValidLoadout returns false.
type LoadoutValidator interface {
	IsValidLoadout(loadout json.RawMessage) bool
}

// RoomValidator is an optional capability a Definition may implement to
// reject a room creation request.
type RoomValidator interface {
	IsValidRoom(config json.RawMessage, numPlayers int, private bool) bool
}

// ValidateLoadout applies def's optional LoadoutValidator, if any.
// Definitions that don't implement LoadoutValidator accept every loadout.
func ValidateLoadout(def Definition, loadout json.RawMessage) bool {
	if lv, ok := def.(LoadoutValidator); ok {
		return lv.IsValidLoadout(loadout)
	}
	return true
}

// ValidateRoom applies def's optional RoomValidator, if any.
func ValidateRoom(def Definition, config json.RawMessage, numPlayers int, private bool) bool {
	if rv, ok := def.(RoomValidator); ok {
		return rv.IsValidRoom(config, numPlayers, private)
	}
	return true
}
