package chat

import (
	"context"

	"relay/internal/protocol"
)

// Handler adapts Service to socket events. Every method expects to run
// behind the authorization gate.
type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

func (h *Handler) CreateChat(ctx context.Context, req *protocol.Request) (any, error) {
	var in CreateChatRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return h.Service.CreateChat(ctx, req.UserID, &in)
}

func (h *Handler) GetChat(ctx context.Context, req *protocol.Request) (any, error) {
	var in ChatRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return h.Service.GetChat(ctx, req.UserID, req.ConnID, &in)
}

func (h *Handler) GetChats(ctx context.Context, req *protocol.Request) (any, error) {
	var in GetChatsRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return h.Service.GetChats(ctx, req.UserID, &in)
}

func (h *Handler) GetChatMessages(ctx context.Context, req *protocol.Request) (any, error) {
	var in GetChatMessagesRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return h.Service.GetChatMessages(ctx, req.UserID, req.ConnID, &in)
}

func (h *Handler) SendMessage(ctx context.Context, req *protocol.Request) (any, error) {
	var in SendMessageRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return h.Service.SendMessage(ctx, req.UserID, &in)
}

func (h *Handler) UpdateMessage(ctx context.Context, req *protocol.Request) (any, error) {
	var in UpdateMessageRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return h.Service.UpdateMessage(ctx, req.UserID, &in)
}

func (h *Handler) DeleteMessage(ctx context.Context, req *protocol.Request) (any, error) {
	var in DeleteMessageRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return nil, h.Service.DeleteMessage(ctx, req.UserID, &in)
}

func (h *Handler) HideChat(ctx context.Context, req *protocol.Request) (any, error) {
	var in ChatRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return nil, h.Service.HideChat(ctx, req.UserID, req.ConnID, &in)
}

func (h *Handler) LeaveRoom(_ context.Context, req *protocol.Request) (any, error) {
	var in ChatRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	h.Service.LeaveRoom(req.ConnID, &in)
	return nil, nil
}
