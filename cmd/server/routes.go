package main

import (
	"relay/internal/chat"
	myMiddleware "relay/internal/middleware"
	"relay/internal/protocol"
	"relay/internal/user"
	"relay/internal/ws"
)

// registerEvents binds every client event. Sign-up, sign-in and the two
// recovery stages are public; everything else runs behind the gate.
func registerEvents(router *ws.Router, gate *myMiddleware.Gate, users *user.Handler, chats *chat.Handler) {
	// Public events
	router.Handle(protocol.EventSignUp, users.SignUp)
	router.Handle(protocol.EventSignIn, users.SignIn)
	router.Handle(protocol.EventRecoveryInitial, users.RecoveryInitial)
	router.Handle(protocol.EventRecoveryFinal, users.RecoveryFinal)

	// Protected events (require a token)
	protected := map[string]protocol.HandlerFunc{
		protocol.EventLogout:              users.Logout,
		protocol.EventCompleteLogout:      users.CompleteLogout,
		protocol.EventUpdatePassword:      users.UpdatePassword,
		protocol.EventUpdateRecoveryData:  users.UpdateRecoveryData,
		protocol.EventDeleteAccount:       users.DeleteAccount,
		protocol.EventFindUsers:           users.FindUsers,
		protocol.EventGetConnectedDevices: users.ConnectedDevices,
		protocol.EventCreateChat:          chats.CreateChat,
		protocol.EventGetChat:             chats.GetChat,
		protocol.EventGetChats:            chats.GetChats,
		protocol.EventGetChatMessages:     chats.GetChatMessages,
		protocol.EventSendMessage:         chats.SendMessage,
		protocol.EventUpdateMessage:       chats.UpdateMessage,
		protocol.EventDeleteMessage:       chats.DeleteMessage,
		protocol.EventHideChat:            chats.HideChat,
		protocol.EventLeaveRoom:           chats.LeaveRoom,
	}
	for event, h := range protected {
		router.Handle(event, gate.Authorize(h))
	}

	// Admin events
	router.Handle(protocol.EventUnlockAccount, gate.Authorize(users.UnlockAccount, myMiddleware.RequireAdmin()))
}
