package chat

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"relay/internal/apperr"
	"relay/internal/db"
	"relay/internal/paging"
	"relay/internal/presence"
	"relay/internal/protocol"
)

type ConnectionLister interface {
	LookupConnections(ctx context.Context, userID int64) ([]presence.Connection, error)
}

type Service struct {
	store      Store
	presence   ConnectionLister
	dispatcher protocol.Dispatcher
	limits     paging.Limits
	log        *zap.Logger
}

func NewService(store Store, presence ConnectionLister, dispatcher protocol.Dispatcher, limits paging.Limits, log *zap.Logger) *Service {
	return &Service{
		store:      store,
		presence:   presence,
		dispatcher: dispatcher,
		limits:     limits,
		log:        log.Named("chat"),
	}
}

func (s *Service) requireAccess(ctx context.Context, chatID, userID int64) error {
	ok, err := s.store.CheckChatAccess(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrInvalidChatID
	}
	return nil
}

// CreateChat opens a private chat for exactly one invitee (reusing an
// existing one) or a named group chat otherwise. New chats are announced to
// the invitees' user rooms.
func (s *Service) CreateChat(ctx context.Context, userID int64, req *CreateChatRequest) (*CreateChatResponse, error) {
	invited := make([]int64, 0, len(req.Invited))
	for _, id := range req.Invited {
		if id != userID && !slices.Contains(invited, id) {
			invited = append(invited, id)
		}
	}
	if len(invited) == 0 {
		return nil, apperr.ErrInvalidData
	}

	if len(invited) == 1 {
		chatID, isNew, err := s.store.CreatePrivateChat(ctx, userID, invited[0])
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.ErrInvalidData
		}
		if err != nil {
			return nil, err
		}
		if isNew {
			s.announceChat(ctx, chatID, invited)
		}
		return &CreateChatResponse{ChatID: chatID, IsNew: isNew}, nil
	}

	if req.ChatName == "" {
		return nil, apperr.ErrMissingData
	}
	chatID, members, err := s.store.CreateGroupChat(ctx, userID, req.ChatName, invited)
	if err != nil {
		return nil, err
	}
	s.announceChat(ctx, chatID, members)
	return &CreateChatResponse{ChatID: chatID, IsNew: true}, nil
}

func (s *Service) announceChat(ctx context.Context, chatID int64, userIDs []int64) {
	for _, uid := range userIDs {
		summary, err := s.store.Summary(ctx, chatID, uid)
		if err != nil {
			s.log.Warn("load new chat summary", zap.Int64("chat_id", chatID), zap.Int64("user_id", uid), zap.Error(err))
			continue
		}
		s.dispatcher.EmitRoom(protocol.UserRoom(uid), protocol.EventIncomingNewChat, summary)
	}
}

// SendMessage stores the message and fans it out.
func (s *Service) SendMessage(ctx context.Context, userID int64, req *SendMessageRequest) (*Message, error) {
	if err := s.requireAccess(ctx, req.ChatID, userID); err != nil {
		return nil, err
	}
	msg, revived, err := s.store.SaveMessage(ctx, userID, req.ChatID, req.Text)
	if err != nil {
		return nil, err
	}
	s.FanOut(ctx, msg, revived)
	return msg, nil
}

// FanOut delivers a stored message. The chat room gets the message itself;
// every other member then gets exactly one of: nothing (a connection of
// theirs has the chat open), a reveal of the chat (it was hidden for them
// and they are online), or an unread increment plus a latest-message notice
// when online. Increments are recorded per message, so running FanOut again
// for the same message does not count twice.
func (s *Service) FanOut(ctx context.Context, msg *Message, revived []int64) {
	room := protocol.ChatRoom(msg.ChatID)
	s.dispatcher.EmitRoom(room, protocol.EventIncomingChatMessage, msg)

	members, err := s.store.Members(ctx, msg.ChatID)
	if err != nil {
		s.log.Error("load chat members", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
		return
	}

	for _, m := range members {
		if m.UserID == msg.AuthorID {
			continue
		}
		log := s.log.With(zap.Int64("chat_id", msg.ChatID), zap.Int64("user_id", m.UserID), zap.Int64("message_id", msg.ID))

		conns, err := s.presence.LookupConnections(ctx, m.UserID)
		if err != nil {
			log.Warn("lookup member connections", zap.Error(err))
		}
		online := len(conns) > 0
		inRoom := slices.ContainsFunc(conns, func(c presence.Connection) bool {
			return s.dispatcher.InRoom(c.ConnID, room)
		})

		switch {
		case inRoom:
		case online && slices.Contains(revived, m.UserID):
			summary, err := s.store.Summary(ctx, msg.ChatID, m.UserID)
			if err != nil {
				log.Error("load revived chat summary", zap.Error(err))
				continue
			}
			s.dispatcher.EmitRoom(protocol.UserRoom(m.UserID), protocol.EventIncomingShowHidden, summary)
		default:
			count, applied, err := s.store.IncrementUnread(ctx, msg.ID, msg.ChatID, m.UserID)
			if err != nil {
				log.Error("increment unread", zap.Error(err))
				continue
			}
			if applied && online {
				s.dispatcher.EmitRoom(protocol.UserRoom(m.UserID), protocol.EventIncomingLatestMsg, LatestMessageEvent{
					ChatID:      msg.ChatID,
					Message:     msg,
					NewMessages: count,
				})
			}
		}
	}
}

func (s *Service) UpdateMessage(ctx context.Context, userID int64, req *UpdateMessageRequest) (*Message, error) {
	if err := s.requireAccess(ctx, req.ChatID, userID); err != nil {
		return nil, err
	}
	msg, err := s.store.UpdateMessage(ctx, req.MessageID, req.ChatID, userID, req.Text)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.ErrInvalidMessageID
	}
	if err != nil {
		return nil, err
	}
	s.dispatcher.EmitRoom(protocol.ChatRoom(req.ChatID), protocol.EventRoomUpdateMessage, msg)
	return msg, nil
}

func (s *Service) DeleteMessage(ctx context.Context, userID int64, req *DeleteMessageRequest) error {
	if err := s.requireAccess(ctx, req.ChatID, userID); err != nil {
		return err
	}
	ok, err := s.store.DeleteMessage(ctx, req.MessageID, req.ChatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrInvalidMessageID
	}
	s.dispatcher.EmitRoom(protocol.ChatRoom(req.ChatID), protocol.EventRoomDeleteMessage, DeletedMessageEvent{
		ChatID:    req.ChatID,
		MessageID: req.MessageID,
	})
	return nil
}

// HideChat soft-leaves a private chat. The connection also stops watching it.
func (s *Service) HideChat(ctx context.Context, userID int64, connID string, req *ChatRequest) error {
	ok, err := s.store.HideChat(ctx, req.ChatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrInvalidChatID
	}
	s.dispatcher.Leave(connID, protocol.ChatRoom(req.ChatID))
	return nil
}

// GetChat returns the chat summary and starts watching the chat.
func (s *Service) GetChat(ctx context.Context, userID int64, connID string, req *ChatRequest) (*Summary, error) {
	if err := s.requireAccess(ctx, req.ChatID, userID); err != nil {
		return nil, err
	}
	summary, err := s.store.Summary(ctx, req.ChatID, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.ErrInvalidChatID
	}
	if err != nil {
		return nil, err
	}
	s.dispatcher.Join(connID, protocol.ChatRoom(req.ChatID))
	return summary, nil
}

func (s *Service) GetChats(ctx context.Context, userID int64, req *GetChatsRequest) (paging.Page[Summary], error) {
	p := s.limits.Normalize(req.Params)
	chats, total, err := s.store.ListChats(ctx, userID, p.Limit, p.Offset())
	if err != nil {
		return paging.Page[Summary]{}, err
	}
	return paging.NewPage(p, total, chats), nil
}

// GetChatMessages returns a page of messages, newest first, and starts
// watching the chat.
func (s *Service) GetChatMessages(ctx context.Context, userID int64, connID string, req *GetChatMessagesRequest) (paging.Page[Message], error) {
	if err := s.requireAccess(ctx, req.ChatID, userID); err != nil {
		return paging.Page[Message]{}, err
	}
	p := s.limits.Normalize(req.Params)
	messages, total, err := s.store.ListMessages(ctx, req.ChatID, p.Limit, p.Offset())
	if err != nil {
		return paging.Page[Message]{}, err
	}
	s.dispatcher.Join(connID, protocol.ChatRoom(req.ChatID))
	return paging.NewPage(p, total, messages), nil
}

// LeaveRoom stops watching a chat. Membership is untouched.
func (s *Service) LeaveRoom(connID string, req *ChatRequest) {
	s.dispatcher.Leave(connID, protocol.ChatRoom(req.ChatID))
}
