package server

import (
	"github.com/tkahng/turnframe/game"
	"github.com/tkahng/turnframe/model"
)

// SingleDefinition adapts one game.Definition to the lobbyhub.Definitions
// and gamehub.Definitions seams. A deployment hosts exactly one game per
// process; Lookup ignores the gameId/state and always returns it.
type SingleDefinition struct {
	def    game.Definition
	queues map[string]game.QueueConfig
}

// NewSingleDefinition builds the Definitions adapter both hubs need from
// one game.Definition.
func NewSingleDefinition(def game.Definition) *SingleDefinition {
	return &SingleDefinition{def: def, queues: def.Queues()}
}

func (d *SingleDefinition) Definition() game.Definition { return d.def }

func (d *SingleDefinition) Queue(queueID string) (game.QueueConfig, bool) {
	qc, ok := d.queues[queueID]
	return qc, ok
}

func (d *SingleDefinition) Lookup(gameID string, g model.Game) (game.Definition, error) {
	return d.def, nil
}
