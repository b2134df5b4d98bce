package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"relay/internal/db"
)

// Store is the relational side of the fan-out engine. Operations that must
// be atomic open their own transaction.
type Store interface {
	CreatePrivateChat(ctx context.Context, creatorID, otherID int64) (chatID int64, isNew bool, err error)
	CreateGroupChat(ctx context.Context, creatorID int64, name string, invited []int64) (chatID int64, members []int64, err error)
	SaveMessage(ctx context.Context, authorID, chatID int64, text string) (msg *Message, revived []int64, err error)
	IncrementUnread(ctx context.Context, messageID, chatID, userID int64) (count int, applied bool, err error)
	CheckChatAccess(ctx context.Context, chatID, userID int64) (bool, error)
	UpdateMessage(ctx context.Context, messageID, chatID, authorID int64, text string) (*Message, error)
	DeleteMessage(ctx context.Context, messageID, chatID, authorID int64) (bool, error)
	HideChat(ctx context.Context, chatID, userID int64) (bool, error)
	Members(ctx context.Context, chatID int64) ([]Member, error)
	Summary(ctx context.Context, chatID, userID int64) (*Summary, error)
	ListChats(ctx context.Context, userID int64, limit, offset int) ([]Summary, int, error)
	ListMessages(ctx context.Context, chatID int64, limit, offset int) ([]Message, int, error)
	RelatedUserIDs(ctx context.Context, userID int64) ([]int64, error)
}

type Repository struct {
	conn *sql.DB
	db   db.DBTX
}

func NewRepository(conn *sql.DB) *Repository {
	return &Repository{conn: conn, db: conn}
}

func (r *Repository) tx(ctx context.Context, fn func(q *Repository) error) error {
	return db.WithTx(ctx, r.conn, func(ctx context.Context, tx db.DBTX) error {
		return fn(&Repository{conn: r.conn, db: tx})
	})
}

const messageColumns = `m.id, m.chat_id, m.author_id, u.login, m.text, m.edited, m.created_at, m.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	m := &Message{}
	if err := s.Scan(&m.ID, &m.ChatID, &m.AuthorID, &m.AuthorLogin, &m.Text, &m.Edited, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

// CreatePrivateChat returns the private chat of the two users, creating it
// if needed. The lookup and the insert run under a transaction-scoped
// advisory lock on the user pair, so concurrent requests for the same pair
// agree on one chat. An existing chat is un-hidden for both sides.
func (r *Repository) CreatePrivateChat(ctx context.Context, creatorID, otherID int64) (int64, bool, error) {
	var (
		chatID int64
		isNew  bool
	)
	err := r.tx(ctx, func(q *Repository) error {
		lo, hi := min(creatorID, otherID), max(creatorID, otherID)
		if _, err := q.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			fmt.Sprintf("private-%d-%d", lo, hi)); err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		err := q.db.QueryRowContext(ctx, `SELECT uc.chat_id FROM user_chats uc
			JOIN chats c ON c.id = uc.chat_id AND c.type = 'private'
			WHERE uc.chat_id IN (SELECT chat_id FROM user_chats WHERE user_id = $1)
			AND uc.chat_id IN (SELECT chat_id FROM user_chats WHERE user_id = $2)
			GROUP BY uc.chat_id HAVING COUNT(*) = 2
			LIMIT 1`, creatorID, otherID).Scan(&chatID)
		switch {
		case err == nil:
			_, err := q.db.ExecContext(ctx, `UPDATE user_chats SET chat_hidden = false
				WHERE chat_id = $1 AND chat_hidden`, chatID)
			if err != nil {
				return fmt.Errorf("db error: %w", err)
			}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("db error: %w", err)
		}

		var exists bool
		if err := q.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, otherID).Scan(&exists); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if !exists {
			return db.ErrNotFound
		}

		if chatID, err = q.insertChat(ctx, creatorID, "", TypePrivate); err != nil {
			return err
		}
		for _, uid := range []int64{creatorID, otherID} {
			if _, err := q.addMember(ctx, chatID, uid); err != nil {
				return err
			}
		}
		isNew = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return chatID, isNew, nil
}

// CreateGroupChat creates a chat with the creator and every invitee that is
// a real user. Unknown invitees are skipped; members lists who was added.
func (r *Repository) CreateGroupChat(ctx context.Context, creatorID int64, name string, invited []int64) (int64, []int64, error) {
	var (
		chatID  int64
		members []int64
	)
	err := r.tx(ctx, func(q *Repository) error {
		var err error
		if chatID, err = q.insertChat(ctx, creatorID, name, TypeGroup); err != nil {
			return err
		}
		if _, err := q.addMember(ctx, chatID, creatorID); err != nil {
			return err
		}
		for _, uid := range invited {
			added, err := q.addMember(ctx, chatID, uid)
			if err != nil {
				return err
			}
			if added {
				members = append(members, uid)
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return chatID, members, nil
}

func (r *Repository) insertChat(ctx context.Context, creatorID int64, name, chatType string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `INSERT INTO chats (created_by, name, type) VALUES ($1, $2, $3) RETURNING id`,
		creatorID, name, chatType).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

// addMember inserts a membership if the user exists.
func (r *Repository) addMember(ctx context.Context, chatID, userID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO user_chats (chat_id, user_id)
		SELECT $1, id FROM users WHERE id = $2
		ON CONFLICT (chat_id, user_id) DO NOTHING`, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

// SaveMessage inserts the message and revives every hidden membership of the
// chat in one transaction. revived lists the members whose membership was
// hidden before the message.
func (r *Repository) SaveMessage(ctx context.Context, authorID, chatID int64, text string) (*Message, []int64, error) {
	var (
		msg     *Message
		revived []int64
	)
	err := r.tx(ctx, func(q *Repository) error {
		var id int64
		if err := q.db.QueryRowContext(ctx, `INSERT INTO messages (author_id, chat_id, text) VALUES ($1, $2, $3) RETURNING id`,
			authorID, chatID, text).Scan(&id); err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		var err error
		msg, err = scanMessage(q.db.QueryRowContext(ctx, `SELECT `+messageColumns+`
			FROM messages m JOIN users u ON u.id = m.author_id
			WHERE m.id = $1`, id))
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		rows, err := q.db.QueryContext(ctx, `UPDATE user_chats SET chat_hidden = false
			WHERE chat_id = $1 AND chat_hidden
			RETURNING user_id`, chatID)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var uid int64
			if err := rows.Scan(&uid); err != nil {
				return err
			}
			revived = append(revived, uid)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, err
	}
	return msg, revived, nil
}

// IncrementUnread bumps the member's unread counter once per message. A
// repeated call for the same (message, user) is a no-op with applied=false.
func (r *Repository) IncrementUnread(ctx context.Context, messageID, chatID, userID int64) (int, bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `WITH receipt AS (
			INSERT INTO message_receipts (message_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
			RETURNING user_id
		)
		UPDATE user_chats SET new_messages = new_messages + 1
		WHERE chat_id = $3 AND user_id IN (SELECT user_id FROM receipt)
		RETURNING new_messages`, messageID, userID, chatID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("db error: %w", err)
	}
	return count, true, nil
}

// CheckChatAccess reports whether the user has a visible membership.
func (r *Repository) CheckChatAccess(ctx context.Context, chatID, userID int64) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(
			SELECT 1 FROM user_chats WHERE chat_id = $1 AND user_id = $2 AND NOT chat_hidden
		)`, chatID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return ok, nil
}

// UpdateMessage edits a message of its author. db.ErrNotFound means no
// such message by that author in that chat.
func (r *Repository) UpdateMessage(ctx context.Context, messageID, chatID, authorID int64, text string) (*Message, error) {
	msg, err := scanMessage(r.db.QueryRowContext(ctx, `WITH m AS (
			UPDATE messages SET text = $4, edited = true, updated_at = now()
			WHERE id = $1 AND chat_id = $2 AND author_id = $3
			RETURNING *
		)
		SELECT `+messageColumns+` FROM m JOIN users u ON u.id = m.author_id`,
		messageID, chatID, authorID, text))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return msg, nil
}

// DeleteMessage removes a message of its author and reports whether a row
// matched.
func (r *Repository) DeleteMessage(ctx context.Context, messageID, chatID, authorID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1 AND chat_id = $2 AND author_id = $3`,
		messageID, chatID, authorID)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n > 0, nil
}

// HideChat soft-leaves a visible private chat and clears its unread counter.
func (r *Repository) HideChat(ctx context.Context, chatID, userID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE user_chats SET chat_hidden = true, new_messages = 0
		WHERE chat_id = $1 AND user_id = $2 AND NOT chat_hidden
		AND chat_id IN (SELECT id FROM chats WHERE type = 'private')`, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n > 0, nil
}

func (r *Repository) Members(ctx context.Context, chatID int64) ([]Member, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT uc.user_id, u.login, uc.chat_hidden, uc.new_messages
		FROM user_chats uc JOIN users u ON u.id = uc.user_id
		WHERE uc.chat_id = $1
		ORDER BY uc.joined_at, uc.user_id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Login, &m.ChatHidden, &m.NewMessages); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

// Summary returns the chat as seen by userID, with its members and latest
// message. db.ErrNotFound means the user is not a member.
func (r *Repository) Summary(ctx context.Context, chatID, userID int64) (*Summary, error) {
	s := &Summary{}
	var createdBy sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT c.id, c.name, c.type, c.created_by, uc.new_messages
		FROM chats c JOIN user_chats uc ON uc.chat_id = c.id AND uc.user_id = $2
		WHERE c.id = $1`, chatID, userID).Scan(&s.ID, &s.Name, &s.Type, &createdBy, &s.NewMessages)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	s.CreatedBy = createdBy.Int64

	latest, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.author_id
		WHERE m.chat_id = $1
		ORDER BY m.id DESC LIMIT 1`, chatID))
	switch {
	case err == nil:
		s.LatestMessage = latest
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("db error: %w", err)
	}

	if s.Members, err = r.Members(ctx, chatID); err != nil {
		return nil, err
	}
	return s, nil
}

// ListChats returns one page of the user's visible chats, most recently
// active first, with unread counters and latest messages.
func (r *Repository) ListChats(ctx context.Context, userID int64, limit, offset int) ([]Summary, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_chats WHERE user_id = $1 AND NOT chat_hidden`,
		userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT c.id, c.name, c.type, c.created_by, uc.new_messages,
			m.id, m.author_id, u.login, m.text, m.edited, m.created_at, m.updated_at
		FROM user_chats uc
		JOIN chats c ON c.id = uc.chat_id
		LEFT JOIN LATERAL (
			SELECT id, author_id, text, edited, created_at, updated_at FROM messages
			WHERE chat_id = c.id ORDER BY id DESC LIMIT 1
		) m ON true
		LEFT JOIN users u ON u.id = m.author_id
		WHERE uc.user_id = $1 AND NOT uc.chat_hidden
		ORDER BY COALESCE(m.id, 0) DESC, c.id DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var chats []Summary
	for rows.Next() {
		var (
			s         Summary
			createdBy sql.NullInt64
			msgID     sql.NullInt64
			authorID  sql.NullInt64
			login     sql.NullString
			text      sql.NullString
			edited    sql.NullBool
			createdAt sql.NullTime
			updatedAt sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.Type, &createdBy, &s.NewMessages,
			&msgID, &authorID, &login, &text, &edited, &createdAt, &updatedAt); err != nil {
			return nil, 0, err
		}
		s.CreatedBy = createdBy.Int64
		if msgID.Valid {
			s.LatestMessage = &Message{
				ID:          msgID.Int64,
				ChatID:      s.ID,
				AuthorID:    authorID.Int64,
				AuthorLogin: login.String,
				Text:        text.String,
				Edited:      edited.Bool,
				CreatedAt:   createdAt.Time,
				UpdatedAt:   updatedAt.Time,
			}
		}
		chats = append(chats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return chats, total, nil
}

// ListMessages returns one page of a chat's messages, newest first.
func (r *Repository) ListMessages(ctx context.Context, chatID int64, limit, offset int) ([]Message, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE chat_id = $1`, chatID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.author_id
		WHERE m.chat_id = $1
		ORDER BY m.id DESC
		LIMIT $2 OFFSET $3`, chatID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// RelatedUserIDs lists the counterparts of the user's private chats where
// neither side has hidden the chat.
func (r *Repository) RelatedUserIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT other.user_id
		FROM user_chats mine
		JOIN chats c ON c.id = mine.chat_id AND c.type = 'private'
		JOIN user_chats other ON other.chat_id = mine.chat_id AND other.user_id <> mine.user_id
		WHERE mine.user_id = $1 AND NOT mine.chat_hidden AND NOT other.chat_hidden`, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
