// Package presence tracks which connection currently speaks for each
// (user, device) pair and tells related users when devices come and go.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relay/internal/cache"
)

const (
	deviceKeyPrefix = "user-device-"
	connKeyPrefix   = "connection-"
	indexKeyPrefix  = "user-devices-"
)

// ErrNotRegistered is returned by Heartbeat for an unknown connection.
var ErrNotRegistered = errors.New("presence: connection not registered")

// Connection is one live device of a user.
type Connection struct {
	DeviceID string
	ConnID   string
}

// Released describes the identity freed by Release.
type Released struct {
	UserID   int64
	DeviceID string
	// Superseded is set when the device had already reconnected on another
	// connection, so it never went offline.
	Superseded bool
	// Remaining are the user's other live connections after the release.
	Remaining []Connection
}

// LastDevice reports whether the user has no live connection left.
func (r Released) LastDevice() bool {
	return !r.Superseded && len(r.Remaining) == 0
}

// Registry keeps three kinds of keys in the backend:
//
//	user-device-{userId}-{deviceId} -> connection id
//	connection-{connId}             -> device key
//	user-devices-{userId}           -> set of device ids (secondary index)
//
// Every mutation of a device key is a single atomic backend operation, so
// two devices of one user never interfere and one device key is linearizable.
type Registry struct {
	backend cache.Backend
	ttl     time.Duration
}

func NewRegistry(backend cache.Backend, ttl time.Duration) *Registry {
	return &Registry{backend: backend, ttl: ttl}
}

func DeviceKey(userID int64, deviceID string) string {
	return fmt.Sprintf("%s%d-%s", deviceKeyPrefix, userID, deviceID)
}

func connKey(connID string) string {
	return connKeyPrefix + connID
}

func indexKey(userID int64) string {
	return indexKeyPrefix + strconv.FormatInt(userID, 10)
}

func parseDeviceKey(key string) (int64, string, bool) {
	rest, ok := strings.CutPrefix(key, deviceKeyPrefix)
	if !ok {
		return 0, "", false
	}
	rawID, deviceID, ok := strings.Cut(rest, "-")
	if !ok || deviceID == "" {
		return 0, "", false
	}
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return userID, deviceID, true
}

// RegisterFirstContact binds the device to connID. It returns true when the
// device was unbound or bound to a different connection; a repeat from the
// same connection only extends the ttl.
func (r *Registry) RegisterFirstContact(ctx context.Context, userID int64, deviceID, connID string) (bool, error) {
	dk := DeviceKey(userID, deviceID)

	previous, err := r.backend.Swap(ctx, dk, connID, r.ttl)
	switch {
	case err == nil && previous == connID:
		return false, r.Heartbeat(ctx, connID)
	case err == nil:
		// The old connection may still be open; it no longer speaks for this device.
		if _, err := r.backend.CompareAndDelete(ctx, connKey(previous), dk); err != nil {
			return false, err
		}
	case errors.Is(err, cache.ErrMiss):
	default:
		return false, err
	}

	if err := r.backend.Set(ctx, connKey(connID), dk, r.ttl); err != nil {
		return false, err
	}
	if err := r.backend.AddToSet(ctx, indexKey(userID), deviceID); err != nil {
		return false, err
	}
	if _, err := r.backend.Expire(ctx, indexKey(userID), r.ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Heartbeat extends the ttl of a registered connection without any
// first-contact side effects.
func (r *Registry) Heartbeat(ctx context.Context, connID string) error {
	dk, err := r.backend.Get(ctx, connKey(connID))
	if errors.Is(err, cache.ErrMiss) {
		return ErrNotRegistered
	}
	if err != nil {
		return err
	}

	current, err := r.backend.Get(ctx, dk)
	if errors.Is(err, cache.ErrMiss) || (err == nil && current != connID) {
		return ErrNotRegistered
	}
	if err != nil {
		return err
	}

	userID, _, _ := parseDeviceKey(dk)
	for _, k := range []string{connKey(connID), dk, indexKey(userID)} {
		if _, err := r.backend.Expire(ctx, k, r.ttl); err != nil {
			return err
		}
	}
	return nil
}

// LookupConnections returns the live connections of every device of a user.
// Index entries whose device key expired are pruned on the way.
func (r *Registry) LookupConnections(ctx context.Context, userID int64) ([]Connection, error) {
	deviceIDs, err := r.backend.SetMembers(ctx, indexKey(userID))
	if err != nil {
		return nil, err
	}

	var (
		live  []Connection
		stale []string
	)
	for _, deviceID := range deviceIDs {
		connID, err := r.backend.Get(ctx, DeviceKey(userID, deviceID))
		if errors.Is(err, cache.ErrMiss) {
			stale = append(stale, deviceID)
			continue
		}
		if err != nil {
			return nil, err
		}
		live = append(live, Connection{DeviceID: deviceID, ConnID: connID})
	}

	if len(stale) > 0 {
		if err := r.prune(ctx, userID, stale); err != nil {
			return nil, err
		}
	}
	return live, nil
}

// prune drops expired devices from the index, putting back any device that
// registered again between the read and the removal.
func (r *Registry) prune(ctx context.Context, userID int64, deviceIDs []string) error {
	if err := r.backend.RemoveFromSet(ctx, indexKey(userID), deviceIDs...); err != nil {
		return err
	}
	for _, deviceID := range deviceIDs {
		_, err := r.backend.Get(ctx, DeviceKey(userID, deviceID))
		if errors.Is(err, cache.ErrMiss) {
			continue
		}
		if err != nil {
			return err
		}
		if err := r.backend.AddToSet(ctx, indexKey(userID), deviceID); err != nil {
			return err
		}
	}
	return nil
}

// Release forgets connID. ok is false when the connection was never
// registered or already expired.
func (r *Registry) Release(ctx context.Context, connID string) (rel Released, ok bool, err error) {
	dk, err := r.backend.Get(ctx, connKey(connID))
	if errors.Is(err, cache.ErrMiss) {
		return Released{}, false, nil
	}
	if err != nil {
		return Released{}, false, err
	}

	userID, deviceID, valid := parseDeviceKey(dk)
	if err := r.backend.Del(ctx, connKey(connID)); err != nil {
		return Released{}, false, err
	}
	if !valid {
		return Released{}, false, nil
	}

	deleted, err := r.backend.CompareAndDelete(ctx, dk, connID)
	if err != nil {
		return Released{}, false, err
	}
	rel = Released{UserID: userID, DeviceID: deviceID, Superseded: !deleted}

	if deleted {
		if err := r.prune(ctx, userID, []string{deviceID}); err != nil {
			return Released{}, false, err
		}
	}

	remaining, err := r.LookupConnections(ctx, userID)
	if err != nil {
		return Released{}, false, err
	}
	for _, c := range remaining {
		if c.ConnID != connID {
			rel.Remaining = append(rel.Remaining, c)
		}
	}
	return rel, true, nil
}

// Reset drops every presence key. It is meant for a single-instance start up
// where entries left by a crashed process would report ghosts as online.
func (r *Registry) Reset(ctx context.Context) (int, error) {
	total := 0
	for _, prefix := range []string{deviceKeyPrefix, connKeyPrefix, indexKeyPrefix} {
		keys, err := r.backend.Keys(ctx, prefix+"*")
		if err != nil {
			return total, err
		}
		if err := r.backend.Del(ctx, keys...); err != nil {
			return total, err
		}
		total += len(keys)
	}
	return total, nil
}
