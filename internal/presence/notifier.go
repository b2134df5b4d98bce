package presence

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relay/internal/protocol"
)

// RelationSource lists the users that should hear about a user's presence:
// the other participants of the user's visible private chats.
type RelationSource interface {
	RelatedUserIDs(ctx context.Context, userID int64) ([]int64, error)
}

// DeviceDirectory resolves a device id to the name given at sign-in.
type DeviceDirectory interface {
	DeviceName(ctx context.Context, userID int64, deviceID string) (string, error)
}

// DeviceEvent is the payload of device-connected / device-disconnected.
type DeviceEvent struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	UserID     int64  `json:"userId"`
}

// UserEvent is the payload of user-connected / user-disconnected.
type UserEvent struct {
	UserID int64 `json:"userId"`
}

// Notifier runs the best-effort side effects of presence changes. Nothing it
// does is reported back to the request that triggered it.
type Notifier struct {
	registry   *Registry
	relations  RelationSource
	devices    DeviceDirectory
	dispatcher protocol.Dispatcher
	log        *zap.Logger
}

func NewNotifier(registry *Registry, relations RelationSource, devices DeviceDirectory, dispatcher protocol.Dispatcher, log *zap.Logger) *Notifier {
	return &Notifier{
		registry:   registry,
		relations:  relations,
		devices:    devices,
		dispatcher: dispatcher,
		log:        log.Named("presence"),
	}
}

// Connected announces a first contact: the user's other devices learn about
// the new device and related users learn the user is online.
func (n *Notifier) Connected(ctx context.Context, userID int64, deviceID, connID string) {
	own, err := n.registry.LookupConnections(ctx, userID)
	if err != nil {
		n.log.Warn("lookup own devices", zap.Int64("user_id", userID), zap.Error(err))
	}

	others := make([]Connection, 0, len(own))
	for _, c := range own {
		if c.ConnID != connID {
			others = append(others, c)
		}
	}
	if len(others) > 0 {
		ev := DeviceEvent{DeviceID: deviceID, DeviceName: n.deviceName(ctx, userID, deviceID), UserID: userID}
		for _, c := range others {
			n.dispatcher.EmitTo(c.ConnID, protocol.EventDeviceConnected, ev)
		}
	}

	n.notifyRelated(ctx, userID, protocol.EventUserConnected)
}

// Disconnected announces a release. A superseded device stays online and
// nothing is sent.
func (n *Notifier) Disconnected(ctx context.Context, rel Released) {
	if rel.Superseded {
		return
	}
	if !rel.LastDevice() {
		ev := DeviceEvent{DeviceID: rel.DeviceID, DeviceName: n.deviceName(ctx, rel.UserID, rel.DeviceID), UserID: rel.UserID}
		for _, c := range rel.Remaining {
			n.dispatcher.EmitTo(c.ConnID, protocol.EventDeviceDisconnected, ev)
		}
		return
	}
	n.notifyRelated(ctx, rel.UserID, protocol.EventUserDisconnected)
}

func (n *Notifier) notifyRelated(ctx context.Context, userID int64, event string) {
	related, err := n.relations.RelatedUserIDs(ctx, userID)
	if err != nil {
		n.log.Warn("lookup related users", zap.Int64("user_id", userID), zap.Error(err))
		return
	}

	var (
		mu      sync.Mutex
		targets []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, otherID := range related {
		g.Go(func() error {
			conns, err := n.registry.LookupConnections(gctx, otherID)
			if err != nil {
				n.log.Warn("lookup related connections", zap.Int64("user_id", otherID), zap.Error(err))
				return nil
			}
			mu.Lock()
			for _, c := range conns {
				targets = append(targets, c.ConnID)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	ev := UserEvent{UserID: userID}
	for _, connID := range targets {
		n.dispatcher.EmitTo(connID, event, ev)
	}
}

func (n *Notifier) deviceName(ctx context.Context, userID int64, deviceID string) string {
	name, err := n.devices.DeviceName(ctx, userID, deviceID)
	if err != nil || name == "" {
		return deviceID
	}
	return name
}
