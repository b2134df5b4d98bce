package presence

import (
	"context"

	"go.uber.org/zap"
)

// Sessions ends the presence of a single connection. It is shared by the
// socket close path and the explicit logout events.
type Sessions struct {
	registry *Registry
	notifier *Notifier
}

func NewSessions(registry *Registry, notifier *Notifier) *Sessions {
	return &Sessions{registry: registry, notifier: notifier}
}

// End leaves every room, releases the device key bound to connID and
// announces the change. Calling it twice for one connection is harmless.
func (s *Sessions) End(ctx context.Context, connID string) {
	s.notifier.dispatcher.LeaveAll(connID)

	rel, ok, err := s.registry.Release(ctx, connID)
	if err != nil {
		s.notifier.log.Warn("release presence", zap.String("conn_id", connID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	s.notifier.Disconnected(ctx, rel)
}
