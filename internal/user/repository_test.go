package user

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/credentials"
	"relay/internal/db"
)

func newRepoWithMock(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewRepository(conn), mock
}

func TestCreateUser_Success(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	q := `(?s)^INSERT\s+INTO\s+users\s*\(login,\s*role,\s*recovery_question,\s*recovery_answer\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4\)\s*RETURNING\s+id$`
	mock.ExpectQuery(q).
		WithArgs("alice", RoleUser, "pet?", "hash").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	u, err := repo.CreateUser(context.Background(), &User{Login: "alice", RecoveryQuestion: "pet?", RecoveryAnswer: "hash"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), u.ID)
	assert.Equal(t, RoleUser, u.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUser_UniqueViolation(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`INSERT\s+INTO\s+users`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := repo.CreateUser(context.Background(), &User{Login: "alice"})
	assert.ErrorIs(t, err, ErrLoginTaken)
}

func TestGetUserByLogin(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	q := `(?s)^SELECT\s+id,\s*login,\s*role,\s*failed_login_attempts,\s*recovery_question,\s*recovery_answer\s+FROM\s+users\s+WHERE\s+login\s*=\s*\$1$`
	mock.ExpectQuery(q).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "login", "role", "failed_login_attempts", "recovery_question", "recovery_answer"}).
			AddRow(int64(7), "alice", "admin", 3, "pet?", "hash"))
	mock.ExpectQuery(q).WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(q).WithArgs("boom").WillReturnError(errors.New("db down"))

	u, err := repo.GetUserByLogin(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, &User{ID: 7, Login: "alice", Role: "admin", FailedLoginAttempts: 3, RecoveryQuestion: "pet?", RecoveryAnswer: "hash"}, u)

	_, err = repo.GetUserByLogin(context.Background(), "ghost")
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = repo.GetUserByLogin(context.Background(), "boom")
	assert.ErrorContains(t, err, "db error: db down")
}

func TestRole(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT\s+role\s+FROM\s+users\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("admin"))
	mock.ExpectQuery(`SELECT\s+role`).WithArgs(int64(2)).WillReturnError(sql.ErrNoRows)

	role, err := repo.Role(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "admin", role)

	_, err = repo.Role(context.Background(), 2)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestIncrementFailedAttempts(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	q := `UPDATE\s+users\s+SET\s+failed_login_attempts\s*=\s*failed_login_attempts\s*\+\s*1`
	mock.ExpectExec(q).WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.IncrementFailedAttempts(context.Background(), 1))
	assert.ErrorIs(t, repo.IncrementFailedAttempts(context.Background(), 2), db.ErrNotFound)
}

func TestSearchUsers(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT\s+COUNT\(\*\)\s+FROM\s+users\s+WHERE\s+login\s+ILIKE\s+\$1\s+AND\s+id\s*<>\s*\$2`).
		WithArgs("%al%", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`(?s)SELECT\s+id,\s*login,\s*role\s+FROM\s+users.*ORDER\s+BY\s+login\s+LIMIT\s+\$3\s+OFFSET\s+\$4`).
		WithArgs("%al%", int64(1), 2, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "login", "role"}).AddRow(int64(9), "sally", "user"))

	users, total, err := repo.SearchUsers(context.Background(), 1, "al", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []User{{ID: 9, Login: "sally", Role: "user"}}, users)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDevice_Upserts(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`(?s)INSERT\s+INTO\s+devices.*ON\s+CONFLICT\s+\(user_id,\s*device_id\)\s+DO\s+UPDATE`).
		WithArgs(int64(1), "d1", "Phone").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.SaveDevice(context.Background(), 1, "d1", "Phone"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceName(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	q := `SELECT\s+device_name\s+FROM\s+devices\s+WHERE\s+user_id\s*=\s*\$1\s+AND\s+device_id\s*=\s*\$2`
	mock.ExpectQuery(q).WithArgs(int64(1), "d1").WillReturnRows(sqlmock.NewRows([]string{"device_name"}).AddRow("Phone"))
	mock.ExpectQuery(q).WithArgs(int64(1), "d9").WillReturnError(sql.ErrNoRows)

	name, err := repo.DeviceName(context.Background(), 1, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Phone", name)

	_, err = repo.DeviceName(context.Background(), 1, "d9")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestCredentialPair(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	q := `(?s)SELECT\s+p\.hash,\s*s\.secret\s+FROM\s+passwords\s+p\s+JOIN\s+secrets\s+s.*WHERE\s+p\.user_id\s*=\s*\$1`
	mock.ExpectQuery(q).WithArgs(int64(1)).WillReturnRows(sqlmock.NewRows([]string{"hash", "secret"}).AddRow("ph", "sh"))
	mock.ExpectQuery(q).WithArgs(int64(2)).WillReturnError(sql.ErrNoRows)

	pair, err := repo.CredentialPair(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, credentials.Pair{PasswordHash: "ph", SecretHash: "sh"}, pair)

	_, err = repo.CredentialPair(context.Background(), 2)
	assert.ErrorIs(t, err, credentials.ErrNoCredentials)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT\s+INTO\s+passwords`).WithArgs(int64(1), "ph").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT\s+INTO\s+secrets`).WithArgs(int64(1), "sh").WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx Store) error {
		if err := tx.CreatePassword(context.Background(), 1, "ph"); err != nil {
			return err
		}
		return tx.CreateSecret(context.Background(), 1, "sh")
	})
	assert.ErrorContains(t, err, "constraint")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSecret_NotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`UPDATE\s+secrets\s+SET\s+secret\s*=\s*\$2`).
		WithArgs(int64(5), "new").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.UpdateSecret(context.Background(), 5, "new"), db.ErrNotFound)
}
