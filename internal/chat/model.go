package chat

import (
	"strings"
	"time"

	"relay/internal/apperr"
	"relay/internal/paging"
)

const (
	TypePrivate = "private"
	TypeGroup   = "group"
)

const (
	maxChatNameLength = 256
	maxMessageLength  = 4096
)

type Message struct {
	ID          int64     `json:"id"`
	ChatID      int64     `json:"chatId"`
	AuthorID    int64     `json:"authorId"`
	AuthorLogin string    `json:"authorLogin"`
	Text        string    `json:"text"`
	Edited      bool      `json:"edited"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Member struct {
	UserID      int64  `json:"userId"`
	Login       string `json:"login"`
	ChatHidden  bool   `json:"-"`
	NewMessages int    `json:"-"`
}

// Summary is a chat as seen by one member.
type Summary struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	CreatedBy     int64    `json:"createdBy,omitempty"`
	NewMessages   int      `json:"newMessages"`
	LatestMessage *Message `json:"latestMessage,omitempty"`
	Members       []Member `json:"members,omitempty"`
}

type CreateChatRequest struct {
	Invited  []int64 `json:"invited"`
	ChatName string  `json:"chatName"`
}

func (r *CreateChatRequest) Validate() error {
	r.ChatName = strings.TrimSpace(r.ChatName)
	if r.Invited == nil {
		return apperr.Validation("invited is required")
	}
	if len(r.ChatName) > maxChatNameLength {
		return apperr.Validation("chatName is too long")
	}
	for _, id := range r.Invited {
		if id <= 0 {
			return apperr.Validation("invited must contain positive user ids")
		}
	}
	return nil
}

type CreateChatResponse struct {
	ChatID int64 `json:"chatId"`
	IsNew  bool  `json:"isNew"`
}

// ChatRequest is the payload of events that address a single chat.
type ChatRequest struct {
	ChatID int64 `json:"chatId"`
}

func (r *ChatRequest) Validate() error {
	return chatID(r.ChatID)
}

type GetChatsRequest struct {
	paging.Params
}

type GetChatMessagesRequest struct {
	ChatID int64 `json:"chatId"`
	paging.Params
}

func (r *GetChatMessagesRequest) Validate() error {
	if err := chatID(r.ChatID); err != nil {
		return err
	}
	return r.Params.Validate()
}

type SendMessageRequest struct {
	ChatID int64  `json:"chatId"`
	Text   string `json:"text"`
}

func (r *SendMessageRequest) Validate() error {
	if err := chatID(r.ChatID); err != nil {
		return err
	}
	return text(r.Text)
}

type UpdateMessageRequest struct {
	ChatID    int64  `json:"chatId"`
	MessageID int64  `json:"messageId"`
	Text      string `json:"text"`
}

func (r *UpdateMessageRequest) Validate() error {
	if err := chatID(r.ChatID); err != nil {
		return err
	}
	if err := messageID(r.MessageID); err != nil {
		return err
	}
	return text(r.Text)
}

type DeleteMessageRequest struct {
	ChatID    int64 `json:"chatId"`
	MessageID int64 `json:"messageId"`
}

func (r *DeleteMessageRequest) Validate() error {
	if err := chatID(r.ChatID); err != nil {
		return err
	}
	return messageID(r.MessageID)
}

// Server-initiated payloads.

type LatestMessageEvent struct {
	ChatID      int64    `json:"chatId"`
	Message     *Message `json:"message"`
	NewMessages int      `json:"newMessages"`
}

type DeletedMessageEvent struct {
	ChatID    int64 `json:"chatId"`
	MessageID int64 `json:"messageId"`
}

func chatID(id int64) error {
	if id <= 0 {
		return apperr.Validation("chatId must be a positive number")
	}
	return nil
}

func messageID(id int64) error {
	if id <= 0 {
		return apperr.Validation("messageId must be a positive number")
	}
	return nil
}

func text(s string) error {
	if strings.TrimSpace(s) == "" {
		return apperr.Validation("text is required")
	}
	if len(s) > maxMessageLength {
		return apperr.Validation("text is too long")
	}
	return nil
}
