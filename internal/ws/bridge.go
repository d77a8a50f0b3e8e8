package ws

import (
	"go.uber.org/zap"

	"metersim/internal/simulation"
)

// Bridge implements simulation.Broadcaster and relays tick snapshots to the
// WebSocket hub.
type Bridge struct {
	hub    *Hub
	logger *zap.Logger
}

func NewBridge(hub *Hub, logger *zap.Logger) *Bridge {
	return &Bridge{hub: hub, logger: logger}
}

func (b *Bridge) BroadcastSnapshot(snap simulation.Snapshot) {
	msg, err := NewEnvelope(TypeMeterSnapshot, SnapshotFromSimulation(snap))
	if err != nil {
		b.logger.Error("failed to marshal snapshot", zap.Error(err))
		return
	}
	b.hub.Broadcast(msg)
}
