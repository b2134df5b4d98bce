package user

import (
	"context"

	"relay/internal/protocol"
)

// RoomJoiner is the part of the dispatcher the sign-in events need.
type RoomJoiner interface {
	Join(connID, room string)
}

// Handler adapts Service to socket events. Methods not marked public must be
// wrapped by the authorization gate, which fills UserID and DeviceID.
type Handler struct {
	Service *Service
	rooms   RoomJoiner
}

func NewHandler(s *Service, rooms RoomJoiner) *Handler {
	return &Handler{Service: s, rooms: rooms}
}

// SignUp is public.
func (h *Handler) SignUp(ctx context.Context, req *protocol.Request) (any, error) {
	var in SignUpRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	res, err := h.Service.SignUp(ctx, &in)
	if err != nil {
		return nil, err
	}
	h.rooms.Join(req.ConnID, protocol.UserRoom(res.User.ID))
	return res, nil
}

// SignIn is public.
func (h *Handler) SignIn(ctx context.Context, req *protocol.Request) (any, error) {
	var in SignInRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	res, err := h.Service.SignIn(ctx, &in)
	if err != nil {
		return nil, err
	}
	h.rooms.Join(req.ConnID, protocol.UserRoom(res.User.ID))
	return res, nil
}

// RecoveryInitial is public.
func (h *Handler) RecoveryInitial(ctx context.Context, req *protocol.Request) (any, error) {
	var in RecoveryInitialRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return h.Service.RecoveryInitial(ctx, &in)
}

// RecoveryFinal is public.
func (h *Handler) RecoveryFinal(ctx context.Context, req *protocol.Request) (any, error) {
	var in RecoveryFinalRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return nil, h.Service.RecoveryFinal(ctx, &in)
}

func (h *Handler) Logout(ctx context.Context, req *protocol.Request) (any, error) {
	h.Service.Logout(ctx, req.ConnID)
	return nil, nil
}

func (h *Handler) CompleteLogout(ctx context.Context, req *protocol.Request) (any, error) {
	return nil, h.Service.CompleteLogout(ctx, req.UserID, req.ConnID)
}

func (h *Handler) UpdatePassword(ctx context.Context, req *protocol.Request) (any, error) {
	var in UpdatePasswordRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return h.Service.UpdatePassword(ctx, req.UserID, req.DeviceID, &in)
}

func (h *Handler) UpdateRecoveryData(ctx context.Context, req *protocol.Request) (any, error) {
	var in UpdateRecoveryDataRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return nil, h.Service.UpdateRecoveryData(ctx, req.UserID, &in)
}

func (h *Handler) DeleteAccount(ctx context.Context, req *protocol.Request) (any, error) {
	return nil, h.Service.DeleteAccount(ctx, req.UserID, req.ConnID)
}

// UnlockAccount must be wrapped with the admin requirement.
func (h *Handler) UnlockAccount(ctx context.Context, req *protocol.Request) (any, error) {
	var in UnlockAccountRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return nil, h.Service.UnlockAccount(ctx, &in)
}

func (h *Handler) FindUsers(ctx context.Context, req *protocol.Request) (any, error) {
	var in FindUsersRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return h.Service.FindUsers(ctx, req.UserID, &in)
}

func (h *Handler) ConnectedDevices(ctx context.Context, req *protocol.Request) (any, error) {
	return h.Service.ConnectedDevices(ctx, req.UserID, req.DeviceID)
}
