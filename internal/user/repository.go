package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"relay/internal/credentials"
	"relay/internal/db"
)

const uniqueViolation = "23505"

// ErrLoginTaken is returned by CreateUser when the login already exists.
var ErrLoginTaken = errors.New("login already taken")

// Store is everything the account flows need from the relational store.
type Store interface {
	InTx(ctx context.Context, fn func(Store) error) error

	CreateUser(ctx context.Context, u *User) (*User, error)
	GetUserByLogin(ctx context.Context, login string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	IncrementFailedAttempts(ctx context.Context, userID int64) error
	ResetFailedAttempts(ctx context.Context, userID int64) error
	UpdateRecoveryData(ctx context.Context, userID int64, question, answerHash string) error
	SearchUsers(ctx context.Context, callerID int64, search string, limit, offset int) ([]User, int, error)
	DeleteUser(ctx context.Context, userID int64) error

	SaveDevice(ctx context.Context, userID int64, deviceID, deviceName string) error
	DeviceName(ctx context.Context, userID int64, deviceID string) (string, error)

	CreatePassword(ctx context.Context, userID int64, hash string) error
	CreateSecret(ctx context.Context, userID int64, hash string) error
	UpdatePassword(ctx context.Context, userID int64, hash string) error
	UpdateSecret(ctx context.Context, userID int64, hash string) error
	CredentialPair(ctx context.Context, userID int64) (credentials.Pair, error)
}

// Repository implements Store over a db.DBTX (*sql.DB or *sql.Tx).
type Repository struct {
	conn *sql.DB
	db   db.DBTX
}

func NewRepository(conn *sql.DB) *Repository {
	return &Repository{conn: conn, db: conn}
}

// InTx runs fn with a repository bound to a new transaction.
func (r *Repository) InTx(ctx context.Context, fn func(Store) error) error {
	return db.WithTx(ctx, r.conn, func(ctx context.Context, tx db.DBTX) error {
		return fn(&Repository{conn: r.conn, db: tx})
	})
}

func (r *Repository) CreateUser(ctx context.Context, u *User) (*User, error) {
	query := `INSERT INTO users (login, role, recovery_question, recovery_answer)
		VALUES ($1, $2, $3, $4) RETURNING id`

	if u.Role == "" {
		u.Role = RoleUser
	}
	err := r.db.QueryRowContext(ctx, query, u.Login, u.Role, u.RecoveryQuestion, u.RecoveryAnswer).Scan(&u.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrLoginTaken
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (r *Repository) getUser(ctx context.Context, where string, arg any) (*User, error) {
	query := `SELECT id, login, role, failed_login_attempts, recovery_question, recovery_answer
		FROM users WHERE ` + where

	u := &User{}
	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Login, &u.Role, &u.FailedLoginAttempts, &u.RecoveryQuestion, &u.RecoveryAnswer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (r *Repository) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	return r.getUser(ctx, "login = $1", login)
}

func (r *Repository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return r.getUser(ctx, "id = $1", id)
}

// Role satisfies the authorization gate's role lookup.
func (r *Repository) Role(ctx context.Context, userID int64) (string, error) {
	var role string
	err := r.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", db.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	return role, nil
}

// exec runs a single-row write and reports db.ErrNotFound when nothing matched.
func (r *Repository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (r *Repository) IncrementFailedAttempts(ctx context.Context, userID int64) error {
	return r.exec(ctx, `UPDATE users SET failed_login_attempts = failed_login_attempts + 1, updated_at = now() WHERE id = $1`, userID)
}

func (r *Repository) ResetFailedAttempts(ctx context.Context, userID int64) error {
	return r.exec(ctx, `UPDATE users SET failed_login_attempts = 0, updated_at = now() WHERE id = $1`, userID)
}

func (r *Repository) UpdateRecoveryData(ctx context.Context, userID int64, question, answerHash string) error {
	return r.exec(ctx, `UPDATE users SET recovery_question = $2, recovery_answer = $3, updated_at = now() WHERE id = $1`,
		userID, question, answerHash)
}

// SearchUsers matches logins containing search, skipping the caller, and
// returns one page plus the total number of matches.
func (r *Repository) SearchUsers(ctx context.Context, callerID int64, search string, limit, offset int) ([]User, int, error) {
	pattern := "%" + search + "%"

	var total int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE login ILIKE $1 AND id <> $2`, pattern, callerID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id, login, role FROM users
		WHERE login ILIKE $1 AND id <> $2
		ORDER BY login LIMIT $3 OFFSET $4`, pattern, callerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Login, &u.Role); err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// DeleteUser removes the user; devices, hashes and memberships cascade.
func (r *Repository) DeleteUser(ctx context.Context, userID int64) error {
	return r.exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
}

// SaveDevice records a device, renaming it when it is already known.
func (r *Repository) SaveDevice(ctx context.Context, userID int64, deviceID, deviceName string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO devices (user_id, device_id, device_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, device_id) DO UPDATE SET device_name = EXCLUDED.device_name, updated_at = now()`,
		userID, deviceID, deviceName)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Repository) DeviceName(ctx context.Context, userID int64, deviceID string) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx, `SELECT device_name FROM devices WHERE user_id = $1 AND device_id = $2`,
		userID, deviceID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", db.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	return name, nil
}

func (r *Repository) CreatePassword(ctx context.Context, userID int64, hash string) error {
	if _, err := r.db.ExecContext(ctx, `INSERT INTO passwords (user_id, hash) VALUES ($1, $2)`, userID, hash); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Repository) CreateSecret(ctx context.Context, userID int64, hash string) error {
	if _, err := r.db.ExecContext(ctx, `INSERT INTO secrets (user_id, secret) VALUES ($1, $2)`, userID, hash); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Repository) UpdatePassword(ctx context.Context, userID int64, hash string) error {
	return r.exec(ctx, `UPDATE passwords SET hash = $2, updated_at = now() WHERE user_id = $1`, userID, hash)
}

func (r *Repository) UpdateSecret(ctx context.Context, userID int64, hash string) error {
	return r.exec(ctx, `UPDATE secrets SET secret = $2, updated_at = now() WHERE user_id = $1`, userID, hash)
}

// CredentialPair reads both hashes in one statement. A user without either
// record yields credentials.ErrNoCredentials.
func (r *Repository) CredentialPair(ctx context.Context, userID int64) (credentials.Pair, error) {
	var p credentials.Pair
	err := r.db.QueryRowContext(ctx, `SELECT p.hash, s.secret
		FROM passwords p JOIN secrets s ON s.user_id = p.user_id
		WHERE p.user_id = $1`, userID).Scan(&p.PasswordHash, &p.SecretHash)
	if errors.Is(err, sql.ErrNoRows) {
		return credentials.Pair{}, credentials.ErrNoCredentials
	}
	if err != nil {
		return credentials.Pair{}, fmt.Errorf("db error: %w", err)
	}
	return p, nil
}
