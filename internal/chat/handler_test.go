package chat

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/apperr"
	"relay/internal/protocol"
)

func request(t *testing.T, userID int64, connID string, payload any) *protocol.Request {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &protocol.Request{UserID: userID, ConnID: connID, Payload: raw}
}

func TestHandler_SendMessage(t *testing.T) {
	svc, store, d, _ := newTestService(t)
	h := NewHandler(svc)
	chatID := store.newChat(alice, "", TypePrivate, alice, bob)

	out, err := h.SendMessage(context.Background(), request(t, alice, "a1", map[string]any{"chatId": chatID, "text": "hi"}))
	require.NoError(t, err)
	assert.Equal(t, "hi", out.(*Message).Text)
	assert.Equal(t, 1, d.count(protocol.ChatRoom(chatID), protocol.EventIncomingChatMessage))
}

func TestHandler_LeaveRoom(t *testing.T) {
	svc, store, d, _ := newTestService(t)
	h := NewHandler(svc)
	chatID := store.newChat(alice, "", TypePrivate, alice, bob)

	_, err := h.GetChat(context.Background(), request(t, alice, "a1", map[string]any{"chatId": chatID}))
	require.NoError(t, err)
	require.True(t, d.InRoom("a1", protocol.ChatRoom(chatID)))

	out, err := h.LeaveRoom(context.Background(), request(t, alice, "a1", map[string]any{"chatId": chatID}))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.False(t, d.InRoom("a1", protocol.ChatRoom(chatID)))
}

func TestHandler_ValidationErrors(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	h := NewHandler(svc)
	ctx := context.Background()

	tests := []struct {
		name    string
		handler protocol.HandlerFunc
		payload any
	}{
		{"create without invited", h.CreateChat, map[string]any{"chatName": "x"}},
		{"create with long name", h.CreateChat, map[string]any{"invited": []int64{2, 3}, "chatName": strings.Repeat("n", maxChatNameLength+1)}},
		{"get chat zero id", h.GetChat, map[string]any{"chatId": 0}},
		{"messages negative id", h.GetChatMessages, map[string]any{"chatId": -1}},
		{"messages page past the bound", h.GetChatMessages, map[string]any{"chatId": 1, "page": int64(math.MaxInt64)}},
		{"chats page past the bound", h.GetChats, map[string]any{"page": int64(math.MaxInt64)}},
		{"blank text", h.SendMessage, map[string]any{"chatId": 1, "text": "   "}},
		{"long text", h.SendMessage, map[string]any{"chatId": 1, "text": strings.Repeat("x", maxMessageLength+1)}},
		{"update without message id", h.UpdateMessage, map[string]any{"chatId": 1, "text": "x"}},
		{"delete without message id", h.DeleteMessage, map[string]any{"chatId": 1}},
		{"hide zero id", h.HideChat, map[string]any{}},
		{"wrong payload type", h.LeaveRoom, []string{"1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.handler(ctx, request(t, alice, "a1", tt.payload))
			var appErr *apperr.Error
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, apperr.InfoValidationError, appErr.Info)
		})
	}
}
