// Package protocol defines the event names, the response envelope and the
// handler contract shared by the connection dispatcher and the feature packages.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"relay/internal/apperr"
)

// Client-initiated events.
const (
	EventSignIn              = "sign-in"
	EventSignUp              = "sign-up"
	EventLogout              = "logout"
	EventCompleteLogout      = "complete-logout"
	EventRecoveryInitial     = "recovery-initial-stage"
	EventRecoveryFinal       = "recovery-final-stage"
	EventUpdatePassword      = "update-password"
	EventUpdateRecoveryData  = "update-recovery-data"
	EventDeleteAccount       = "delete-account"
	EventUnlockAccount       = "unlock-account"
	EventFindUsers           = "find-users"
	EventCreateChat          = "create-chat"
	EventGetChat             = "get-chat"
	EventGetChats            = "get-chats"
	EventGetChatMessages     = "get-chat-messages"
	EventSendMessage         = "send-message"
	EventUpdateMessage       = "update-message"
	EventDeleteMessage       = "delete-message"
	EventHideChat            = "hide-chat"
	EventLeaveRoom           = "leave-room"
	EventGetConnectedDevices = "get-connected-devices"
)

// Server-initiated events.
const (
	EventDeviceConnected     = "device-connected"
	EventDeviceDisconnected  = "device-disconnected"
	EventUserConnected       = "user-connected"
	EventUserDisconnected    = "user-disconnected"
	EventIncomingChatMessage = "incoming-chat-message"
	EventIncomingLatestMsg   = "incoming-latest-message"
	EventIncomingShowHidden  = "incoming-show-hidden-chat"
	EventIncomingNewChat     = "incoming-new-chat"
	EventRoomDeleteMessage   = "room-delete-message"
	EventRoomUpdateMessage   = "room-update-message"
)

// Frame is what a client sends over the socket.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope is the uniform response shape. Datetime is unix milliseconds.
type Envelope struct {
	Event    string `json:"event"`
	Info     string `json:"info"`
	Status   int    `json:"status"`
	Payload  any    `json:"payload,omitempty"`
	Details  string `json:"details,omitempty"`
	Datetime int64  `json:"datetime"`
}

// NewEnvelope builds the response for one handled request. Errors that are not
// *apperr.Error collapse into a generic internal error without details.
func NewEnvelope(event string, payload any, err error) Envelope {
	env := Envelope{
		Event:    event,
		Info:     apperr.InfoOK,
		Status:   http.StatusOK,
		Datetime: time.Now().UnixMilli(),
	}
	if err == nil {
		env.Payload = payload
		return env
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		env.Info = appErr.Info
		env.Status = appErr.Status
		env.Details = appErr.Details
		return env
	}

	env.Info = apperr.InfoInternalServerError
	env.Status = http.StatusInternalServerError
	return env
}

// IsInternal reports whether err would be surfaced as an internal error.
func IsInternal(err error) bool {
	if err == nil {
		return false
	}
	var appErr *apperr.Error
	return !errors.As(err, &appErr)
}

// Request is one inbound event after authorization.
type Request struct {
	ConnID   string
	Event    string
	UserID   int64
	DeviceID string
	Payload  json.RawMessage
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (r *Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return apperr.Validation(err.Error())
	}
	return nil
}

// HandlerFunc handles one event and returns the response payload.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Dispatcher is the connection layer as seen by the core: logical rooms and
// targeted emits. Emitting to a connection that is gone is a no-op.
type Dispatcher interface {
	Join(connID, room string)
	Leave(connID, room string)
	LeaveAll(connID string)
	InRoom(connID, room string) bool
	EmitTo(connID, event string, payload any)
	EmitRoom(room, event string, payload any)
}

// UserRoom is the room every authorized connection of a user is joined to.
func UserRoom(userID int64) string {
	return fmt.Sprintf("user-%d", userID)
}

// ChatRoom is the room of connections that currently have the chat open.
func ChatRoom(chatID int64) string {
	return fmt.Sprintf("chat-%d", chatID)
}
