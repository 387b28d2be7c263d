package server

import (
	"github.com/memento-ai/memento-core/internal/embeddings"
	"github.com/memento-ai/memento-core/internal/websocket"
)

// ModelStateListener forwards engine state transitions to the hub. It runs
// under the engine's state lock, so it only queues the event.
func ModelStateListener(hub *websocket.Hub, model embeddings.ModelConfig) embeddings.StateListener {
	return func(change embeddings.StateChange) {
		if hub == nil {
			return
		}
		event := websocket.ModelStateEvent{
			State:     change.State.String(),
			Model:     model.ModelName,
			Backend:   string(model.Backend),
			ModelPath: change.ModelPath,
		}
		if change.Err != nil {
			event.Error = change.Err.Error()
		}
		hub.BroadcastModelState(event)
	}
}
