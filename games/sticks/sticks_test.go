package sticks

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkahng/turnframe/game"
)

func TestHand_Attack(t *testing.T) {
	tests := []struct {
		name    string
		h       Hand
		opp     Hand
		wantErr bool
	}{
		{name: "attack hand with 0 fingers", h: Hand{Fingers: 4}, opp: Hand{Fingers: 0}, wantErr: false},
		{name: "attack hand with 5 fingers", h: Hand{Fingers: 4}, opp: Hand{Fingers: 5}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.h.Attack(tt.opp)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefinition_SetupGivesOneFingerPerHand(t *testing.T) {
	def := Definition{}
	stateJSON, err := def.Setup(nil, 2, nil, time.Now())
	require.NoError(t, err)

	var s State
	require.NoError(t, json.Unmarshal(stateJSON, &s))
	for _, p := range s.Players {
		assert.Equal(t, 1, p.Left.Fingers)
		assert.Equal(t, 1, p.Right.Fingers)
	}
	assert.Equal(t, 0, s.Turn)
}

func TestDefinition_RejectsMoveOutOfTurn(t *testing.T) {
	def := Definition{}
	stateJSON, err := def.Setup(nil, 2, nil, time.Now())
	require.NoError(t, err)

	move, _ := json.Marshal(Move{Kind: "attack", FromIsLeft: true, ToIsLeft: true})
	ok := def.IsValidMove(stateJSON, game.MoveContext{PlayerID: 1, Move: move})
	assert.False(t, ok)
}

func TestDefinition_AttackAddsFingers(t *testing.T) {
	def := Definition{}
	stateJSON, err := def.Setup(nil, 2, nil, time.Now())
	require.NoError(t, err)

	move, _ := json.Marshal(Move{Kind: "attack", FromIsLeft: true, ToIsLeft: true})
	ctx := game.MoveContext{PlayerID: 0, Move: move}
	require.True(t, def.IsValidMove(stateJSON, ctx))

	newState, err := def.ProcessMove(stateJSON, ctx)
	require.NoError(t, err)

	var s State
	require.NoError(t, json.Unmarshal(newState, &s))
	assert.Equal(t, 2, s.Players[1].Left.Fingers)
	assert.Equal(t, 1, s.Turn)
}

func TestDefinition_OutcomeWhenBothHandsDead(t *testing.T) {
	def := Definition{}
	s := State{
		Players: [2]playerState{
			{Left: Hand{Fingers: 5}, Right: Hand{Fingers: 5}},
			{Left: Hand{Fingers: 2}, Right: Hand{Fingers: 3}},
		},
		Turn: 1,
	}
	stateJSON, err := json.Marshal(s)
	require.NoError(t, err)

	outcome, done := def.Outcome(stateJSON, game.OutcomeContext{})
	require.True(t, done)
	var result map[string]int
	require.NoError(t, json.Unmarshal(outcome, &result))
	assert.Equal(t, 1, result["winner"])
}

func TestDefinition_SplitRedistributesFingers(t *testing.T) {
	def := Definition{}
	s := State{Players: [2]playerState{
		{Left: Hand{Fingers: 3}, Right: Hand{Fingers: 1}},
		{Left: Hand{Fingers: 1}, Right: Hand{Fingers: 1}},
	}}
	stateJSON, err := json.Marshal(s)
	require.NoError(t, err)

	move, _ := json.Marshal(Move{Kind: "split", SplitLeft: 2, SplitRight: 2})
	ctx := game.MoveContext{PlayerID: 0, Move: move}
	require.True(t, def.IsValidMove(stateJSON, ctx))

	newState, err := def.ProcessMove(stateJSON, ctx)
	require.NoError(t, err)
	var result State
	require.NoError(t, json.Unmarshal(newState, &result))
	assert.Equal(t, 2, result.Players[0].Left.Fingers)
	assert.Equal(t, 2, result.Players[0].Right.Fingers)
}

func TestDefinition_RejectsSplitThatDoesNotConserveFingers(t *testing.T) {
	def := Definition{}
	s := State{Players: [2]playerState{
		{Left: Hand{Fingers: 3}, Right: Hand{Fingers: 1}},
		{Left: Hand{Fingers: 1}, Right: Hand{Fingers: 1}},
	}}
	stateJSON, err := json.Marshal(s)
	require.NoError(t, err)

	move, _ := json.Marshal(Move{Kind: "split", SplitLeft: 3, SplitRight: 2})
	ok := def.IsValidMove(stateJSON, game.MoveContext{PlayerID: 0, Move: move})
	assert.False(t, ok)
}

func TestDefinition_IsValidLoadoutAcceptsEmptyOnly(t *testing.T) {
	def := Definition{}
	assert.True(t, def.IsValidLoadout(nil))
	assert.True(t, def.IsValidLoadout(json.RawMessage("{}")))
	assert.False(t, def.IsValidLoadout(json.RawMessage(`{"weapon":"sword"}`)))
}
