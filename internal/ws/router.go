package ws

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"relay/internal/apperr"
	"relay/internal/protocol"
)

// Router maps event names to handlers.
type Router struct {
	handlers map[string]protocol.HandlerFunc
	log      *zap.Logger
}

func NewRouter(log *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]protocol.HandlerFunc),
		log:      log.Named("router"),
	}
}

// Handle registers h for event. Registering an event twice is a programming
// error.
func (r *Router) Handle(event string, h protocol.HandlerFunc) {
	if _, ok := r.handlers[event]; ok {
		panic("ws: duplicate handler for " + event)
	}
	r.handlers[event] = h
}

// Events lists the registered event names.
func (r *Router) Events() []string {
	out := make([]string, 0, len(r.handlers))
	for event := range r.handlers {
		out = append(out, event)
	}
	return out
}

// Dispatch runs the handler for frame and always produces exactly one
// envelope.
func (r *Router) Dispatch(ctx context.Context, connID string, frame protocol.Frame) (env protocol.Envelope) {
	log := r.log.With(zap.String("conn_id", connID), zap.String("event", frame.Event))

	h, ok := r.handlers[frame.Event]
	if !ok {
		return protocol.NewEnvelope(frame.Event, nil, apperr.ErrInvalidData)
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error("handler panic", zap.Any("panic", p), zap.Stack("stack"))
			env = protocol.NewEnvelope(frame.Event, nil, fmt.Errorf("panic: %v", p))
		}
	}()

	out, err := h(ctx, &protocol.Request{ConnID: connID, Event: frame.Event, Payload: frame.Payload})
	if protocol.IsInternal(err) {
		log.Error("handler failed", zap.Error(err))
	}
	return protocol.NewEnvelope(frame.Event, out, err)
}
