package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"relay/internal/apperr"
	"relay/internal/chat"
	myMiddleware "relay/internal/middleware"
	"relay/internal/protocol"
	"relay/internal/token"
	"relay/internal/user"
	"relay/internal/ws"
)

func newTestRouter() *ws.Router {
	router := ws.NewRouter(zap.NewNop())
	gate := myMiddleware.NewGate(token.NewCodec(time.Hour), nil, nil, nil, nil, nil, nil, zap.NewNop())
	registerEvents(router, gate, user.NewHandler(nil, nil), chat.NewHandler(nil))
	return router
}

func TestRegisterEvents_AllClientEvents(t *testing.T) {
	assert.ElementsMatch(t, []string{
		protocol.EventSignIn, protocol.EventSignUp, protocol.EventLogout, protocol.EventCompleteLogout,
		protocol.EventRecoveryInitial, protocol.EventRecoveryFinal, protocol.EventUpdatePassword,
		protocol.EventUpdateRecoveryData, protocol.EventDeleteAccount, protocol.EventUnlockAccount,
		protocol.EventFindUsers, protocol.EventCreateChat, protocol.EventGetChat, protocol.EventGetChats,
		protocol.EventGetChatMessages, protocol.EventSendMessage, protocol.EventUpdateMessage,
		protocol.EventDeleteMessage, protocol.EventHideChat, protocol.EventLeaveRoom,
		protocol.EventGetConnectedDevices,
	}, newTestRouter().Events())
}

func TestRegisterEvents_ProtectedNeedToken(t *testing.T) {
	router := newTestRouter()
	public := map[string]bool{
		protocol.EventSignIn:          true,
		protocol.EventSignUp:          true,
		protocol.EventRecoveryInitial: true,
		protocol.EventRecoveryFinal:   true,
	}

	for _, event := range router.Events() {
		env := router.Dispatch(context.Background(), "c1", protocol.Frame{Event: event, Payload: []byte(`{}`)})
		if public[event] {
			assert.Equal(t, apperr.InfoValidationError, env.Info, event)
			continue
		}
		assert.Equal(t, apperr.InfoMissingToken, env.Info, event)
	}
}
