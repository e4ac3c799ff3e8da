// Package sticks is a sample two-player chopsticks game.Definition,
// adapted from the finger-counting hand mechanic: each player has a left
// and right hand holding 1-4 fingers; attacking adds the attacker's
// fingers to the target hand; a hand with 5 or more fingers is dead; a
// player loses once both hands are dead. Split, the other classic
// chopsticks move, redistributes a player's own fingers between their
// two hands.
package sticks

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tkahng/turnframe/game"
)

const startingFingers = 1
const deadAt = 5

// Hand holds a finger count; a hand with deadAt or more fingers is dead.
type Hand struct {
	Fingers int `json:"fingers"`
}

func (h Hand) Alive() bool { return h.Fingers < deadAt }

// Attack adds h's fingers to opp. opp must be alive.
func (h Hand) Attack(opp Hand) (Hand, error) {
	if !opp.Alive() {
		return opp, errors.New("sticks: target hand is already dead")
	}
	opp.Fingers += h.Fingers
	return opp, nil
}

type playerState struct {
	Left  Hand `json:"left"`
	Right Hand `json:"right"`
}

func (p playerState) Alive() bool { return p.Left.Alive() || p.Right.Alive() }

func (p playerState) Hand(isLeft bool) Hand {
	if isLeft {
		return p.Left
	}
	return p.Right
}

func (p *playerState) SetHand(isLeft bool, h Hand) {
	if isLeft {
		p.Left = h
	} else {
		p.Right = h
	}
}

// State is the persisted game state: two players and whose turn it is.
type State struct {
	Players [2]playerState `json:"players"`
	Turn    int            `json:"turn"`
}

// Move is the single move shape this game accepts: attack moves a hand's
// fingers onto an opponent hand; split moves fingers between the mover's
// own two hands.
type Move struct {
	Kind       string `json:"kind"` // "attack" or "split"
	FromIsLeft bool   `json:"fromIsLeft"`
	ToIsLeft   bool   `json:"toIsLeft"`
	SplitLeft  int    `json:"splitLeft"` // only meaningful for "split"
	SplitRight int    `json:"splitRight"`
}

// Definition implements game.Definition for two-player chopsticks.
type Definition struct{}

func (Definition) Queues() map[string]game.QueueConfig {
	return map[string]game.QueueConfig{
		"sticks": {NumPlayers: 2, Config: json.RawMessage("{}")},
	}
}

func (Definition) Setup(config json.RawMessage, numPlayers int, loadouts []json.RawMessage, timestamp time.Time) (json.RawMessage, error) {
	if numPlayers != 2 {
		return nil, errors.New("sticks: requires exactly 2 players")
	}
	start := playerState{Left: Hand{Fingers: startingFingers}, Right: Hand{Fingers: startingFingers}}
	return json.Marshal(State{Players: [2]playerState{start, start}, Turn: 0})
}

func (Definition) IsValidMove(stateJSON json.RawMessage, ctx game.MoveContext) bool {
	var s State
	if err := json.Unmarshal(stateJSON, &s); err != nil {
		return false
	}
	if ctx.PlayerID != s.Turn {
		return false
	}
	var m Move
	if err := json.Unmarshal(ctx.Move, &m); err != nil {
		return false
	}
	mover := s.Players[ctx.PlayerID]

	switch m.Kind {
	case "attack":
		from := mover.Hand(m.FromIsLeft)
		if !from.Alive() || from.Fingers == 0 {
			return false
		}
		opponent := 1 - ctx.PlayerID
		target := s.Players[opponent].Hand(m.ToIsLeft)
		return target.Alive()
	case "split":
		if m.SplitLeft < 0 || m.SplitRight < 0 {
			return false
		}
		total := mover.Left.Fingers + mover.Right.Fingers
		if m.SplitLeft+m.SplitRight != total {
			return false
		}
		if m.SplitLeft >= deadAt || m.SplitRight >= deadAt {
			return false
		}
		return m.SplitLeft != mover.Left.Fingers
	default:
		return false
	}
}

func (Definition) ProcessMove(stateJSON json.RawMessage, ctx game.MoveContext) (json.RawMessage, error) {
	var s State
	if err := json.Unmarshal(stateJSON, &s); err != nil {
		return nil, err
	}
	var m Move
	if err := json.Unmarshal(ctx.Move, &m); err != nil {
		return nil, err
	}

	switch m.Kind {
	case "attack":
		from := s.Players[ctx.PlayerID].Hand(m.FromIsLeft)
		opponent := 1 - ctx.PlayerID
		target := s.Players[opponent].Hand(m.ToIsLeft)
		newTarget, err := from.Attack(target)
		if err != nil {
			return nil, err
		}
		s.Players[opponent].SetHand(m.ToIsLeft, newTarget)
	case "split":
		s.Players[ctx.PlayerID].SetHand(true, Hand{Fingers: m.SplitLeft})
		s.Players[ctx.PlayerID].SetHand(false, Hand{Fingers: m.SplitRight})
	}

	s.Turn = 1 - s.Turn
	return json.Marshal(s)
}

func (Definition) Outcome(stateJSON json.RawMessage, ctx game.OutcomeContext) (json.RawMessage, bool) {
	var s State
	if err := json.Unmarshal(stateJSON, &s); err != nil {
		return nil, false
	}
	for i, p := range s.Players {
		if !p.Alive() {
			winner := 1 - i
			out, _ := json.Marshal(map[string]int{"winner": winner})
			return out, true
		}
	}
	return nil, false
}

func (Definition) PlayerState(stateJSON json.RawMessage, ctx game.ProjectionContext) (json.RawMessage, error) {
	return stateJSON, nil
}

func (Definition) PublicState(stateJSON json.RawMessage, ctx game.PublicProjectionContext) (json.RawMessage, error) {
	return stateJSON, nil
}

// IsValidLoadout implements game.LoadoutValidator: this game has no
// per-player loadout, so only an empty/absent payload is accepted.
func (Definition) IsValidLoadout(loadout json.RawMessage) bool {
	return len(loadout) == 0 || string(loadout) == "null" || string(loadout) == "{}"
}

var _ game.Definition = Definition{}
var _ game.LoadoutValidator = Definition{}
