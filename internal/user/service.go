package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relay/internal/apperr"
	"relay/internal/credentials"
	"relay/internal/db"
	"relay/internal/hashing"
	"relay/internal/paging"
	"relay/internal/presence"
	"relay/internal/token"
)

// CredentialCache is the part of credentials.Provider the account flows use.
type CredentialCache interface {
	Stamp(ctx context.Context, userID int64) credentials.Stamp
	Warm(ctx context.Context, userID int64, s credentials.Stamp, pair credentials.Pair)
	Invalidate(ctx context.Context, userID int64) error
}

type ConnectionLister interface {
	LookupConnections(ctx context.Context, userID int64) ([]presence.Connection, error)
}

type SessionEnder interface {
	End(ctx context.Context, connID string)
}

type Settings struct {
	MaxFailedLoginAttempts int
	Paging                 paging.Limits
}

type Service struct {
	store    Store
	hasher   hashing.Hasher
	codec    *token.Codec
	creds    CredentialCache
	conns    ConnectionLister
	sessions SessionEnder
	settings Settings
	log      *zap.Logger

	newSeed func() string
}

func NewService(
	store Store,
	hasher hashing.Hasher,
	codec *token.Codec,
	creds CredentialCache,
	conns ConnectionLister,
	sessions SessionEnder,
	settings Settings,
	log *zap.Logger,
) *Service {
	return &Service{
		store:    store,
		hasher:   hasher,
		codec:    codec,
		creds:    creds,
		conns:    conns,
		sessions: sessions,
		settings: settings,
		log:      log.Named("user"),
		newSeed:  uuid.NewString,
	}
}

// newSecretHash produces a fresh rotating secret. Its plaintext is never stored.
func (s *Service) newSecretHash(userID int64) (string, error) {
	return s.hasher.Hash(fmt.Sprintf("%d-%s", userID, s.newSeed()))
}

func (s *Service) issue(deviceID string, userID int64, pair credentials.Pair) (string, error) {
	return s.codec.Encode(deviceID, userID, token.ComposeSecret(pair.PasswordHash, pair.SecretHash))
}

// SignUp creates the user with its first device, password and secret in one
// transaction and returns a token for that device.
func (s *Service) SignUp(ctx context.Context, req *SignUpRequest) (*AuthResponse, error) {
	_, err := s.store.GetUserByLogin(ctx, req.Login)
	if err == nil {
		return nil, apperr.ErrLoginAlreadyInUse
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	answerHash, err := s.hasher.Hash(req.RecoveryAnswer)
	if err != nil {
		return nil, err
	}
	passwordHash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	var (
		u    *User
		pair credentials.Pair
	)
	err = s.store.InTx(ctx, func(tx Store) error {
		created, err := tx.CreateUser(ctx, &User{
			Login:            req.Login,
			Role:             RoleUser,
			RecoveryQuestion: req.RecoveryQuestion,
			RecoveryAnswer:   answerHash,
		})
		if err != nil {
			return err
		}
		secretHash, err := s.newSecretHash(created.ID)
		if err != nil {
			return err
		}
		if err := tx.SaveDevice(ctx, created.ID, req.DeviceID, req.DeviceName); err != nil {
			return err
		}
		if err := tx.CreatePassword(ctx, created.ID, passwordHash); err != nil {
			return err
		}
		if err := tx.CreateSecret(ctx, created.ID, secretHash); err != nil {
			return err
		}
		u = created
		pair = credentials.Pair{PasswordHash: passwordHash, SecretHash: secretHash}
		return nil
	})
	if errors.Is(err, ErrLoginTaken) {
		return nil, apperr.ErrLoginAlreadyInUse
	}
	if err != nil {
		return nil, err
	}

	tok, err := s.issue(req.DeviceID, u.ID, pair)
	if err != nil {
		return nil, err
	}
	s.creds.Warm(ctx, u.ID, credentials.FirstStamp, pair)

	s.log.Info("user signed up", zap.Int64("user_id", u.ID))
	return &AuthResponse{Token: tok, User: u.Public()}, nil
}

// SignIn checks the password, maintains the failed-attempt counter and
// remembers the device.
func (s *Service) SignIn(ctx context.Context, req *SignInRequest) (*AuthResponse, error) {
	u, err := s.store.GetUserByLogin(ctx, req.Login)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if u.FailedLoginAttempts > s.settings.MaxFailedLoginAttempts {
		return nil, apperr.ErrAccountSuspended
	}

	stamp := s.creds.Stamp(ctx, u.ID)
	pair, err := s.store.CredentialPair(ctx, u.ID)
	if errors.Is(err, credentials.ErrNoCredentials) {
		return nil, apperr.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	ok, err := s.hasher.Compare(req.Password, pair.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.store.IncrementFailedAttempts(ctx, u.ID); err != nil {
			return nil, err
		}
		return nil, apperr.ErrUnauthorized
	}

	if u.FailedLoginAttempts > 0 {
		if err := s.store.ResetFailedAttempts(ctx, u.ID); err != nil {
			return nil, err
		}
	}
	if err := s.store.SaveDevice(ctx, u.ID, req.DeviceID, req.DeviceName); err != nil {
		return nil, err
	}

	tok, err := s.issue(req.DeviceID, u.ID, pair)
	if err != nil {
		return nil, err
	}
	s.creds.Warm(ctx, u.ID, stamp, pair)
	return &AuthResponse{Token: tok, User: u.Public()}, nil
}

// Logout ends the presence of the calling connection only.
func (s *Service) Logout(ctx context.Context, connID string) {
	s.sessions.End(ctx, connID)
}

// rotate wraps a credential write between two cache invalidations. A reader
// stamped before the second one may have cached the old rows while the write
// was in flight; the second invalidation drops that entry and refuses any
// such write still on its way.
func (s *Service) rotate(ctx context.Context, userID int64, write func(ctx context.Context) error) error {
	if err := s.creds.Invalidate(ctx, userID); err != nil {
		return err
	}
	if err := write(ctx); err != nil {
		return err
	}
	if err := s.creds.Invalidate(ctx, userID); err != nil {
		s.log.Error("invalidate credentials after write", zap.Int64("user_id", userID), zap.Error(err))
	}
	return nil
}

// CompleteLogout rotates the secret, which revokes every token of the user.
func (s *Service) CompleteLogout(ctx context.Context, userID int64, connID string) error {
	secretHash, err := s.newSecretHash(userID)
	if err != nil {
		return err
	}
	err = s.rotate(ctx, userID, func(ctx context.Context) error {
		return s.store.UpdateSecret(ctx, userID, secretHash)
	})
	if errors.Is(err, db.ErrNotFound) {
		return apperr.ErrUnauthorized
	}
	if err != nil {
		return err
	}
	s.sessions.End(ctx, connID)
	return nil
}

// UpdatePassword replaces the password hash and returns a token for the
// calling device signed with the new composite secret.
func (s *Service) UpdatePassword(ctx context.Context, userID int64, deviceID string, req *UpdatePasswordRequest) (*TokenResponse, error) {
	pair, err := s.store.CredentialPair(ctx, userID)
	if errors.Is(err, credentials.ErrNoCredentials) {
		return nil, apperr.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	ok, err := s.hasher.Compare(req.OldPassword, pair.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrOldPasswordInvalid
	}

	newHash, err := s.hasher.Hash(req.NewPassword)
	if err != nil {
		return nil, err
	}
	if err := s.rotate(ctx, userID, func(ctx context.Context) error {
		return s.store.UpdatePassword(ctx, userID, newHash)
	}); err != nil {
		return nil, err
	}

	pair.PasswordHash = newHash
	tok, err := s.issue(deviceID, userID, pair)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{Token: tok}, nil
}

func (s *Service) UpdateRecoveryData(ctx context.Context, userID int64, req *UpdateRecoveryDataRequest) error {
	answerHash, err := s.hasher.Hash(req.NewRecoveryAnswer)
	if err != nil {
		return err
	}
	err = s.store.UpdateRecoveryData(ctx, userID, req.NewRecoveryQuestion, answerHash)
	if errors.Is(err, db.ErrNotFound) {
		return apperr.ErrUnauthorized
	}
	return err
}

func (s *Service) RecoveryInitial(ctx context.Context, req *RecoveryInitialRequest) (*RecoveryInitialResponse, error) {
	u, err := s.store.GetUserByLogin(ctx, req.Login)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	return &RecoveryInitialResponse{User: RecoveryQuestion{
		ID:               u.ID,
		Login:            u.Login,
		RecoveryQuestion: u.RecoveryQuestion,
	}}, nil
}

// RecoveryFinal sets a new password after a correct recovery answer. The
// secret is rotated too and the suspension counter cleared.
func (s *Service) RecoveryFinal(ctx context.Context, req *RecoveryFinalRequest) error {
	u, err := s.store.GetUserByID(ctx, req.UserID)
	if errors.Is(err, db.ErrNotFound) {
		return apperr.ErrUnauthorized
	}
	if err != nil {
		return err
	}

	ok, err := s.hasher.Compare(req.RecoveryAnswer, u.RecoveryAnswer)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrUnauthorized
	}

	passwordHash, err := s.hasher.Hash(req.NewPassword)
	if err != nil {
		return err
	}
	secretHash, err := s.newSecretHash(u.ID)
	if err != nil {
		return err
	}

	err = s.rotate(ctx, u.ID, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(tx Store) error {
			if err := tx.UpdatePassword(ctx, u.ID, passwordHash); err != nil {
				return err
			}
			if err := tx.UpdateSecret(ctx, u.ID, secretHash); err != nil {
				return err
			}
			return tx.ResetFailedAttempts(ctx, u.ID)
		})
	})
	if errors.Is(err, db.ErrNotFound) {
		return apperr.ErrUnauthorized
	}
	return err
}

func (s *Service) DeleteAccount(ctx context.Context, userID int64, connID string) error {
	err := s.rotate(ctx, userID, func(ctx context.Context) error {
		return s.store.DeleteUser(ctx, userID)
	})
	if errors.Is(err, db.ErrNotFound) {
		return apperr.ErrUnauthorized
	}
	if err != nil {
		return err
	}
	s.sessions.End(ctx, connID)
	s.log.Info("account deleted", zap.Int64("user_id", userID))
	return nil
}

// UnlockAccount clears the failed-login counter of a suspended user.
func (s *Service) UnlockAccount(ctx context.Context, req *UnlockAccountRequest) error {
	err := s.store.ResetFailedAttempts(ctx, req.UserID)
	if errors.Is(err, db.ErrNotFound) {
		return apperr.ErrInvalidData
	}
	return err
}

func (s *Service) FindUsers(ctx context.Context, callerID int64, req *FindUsersRequest) (paging.Page[Public], error) {
	p := s.settings.Paging.Normalize(req.Params)
	users, total, err := s.store.SearchUsers(ctx, callerID, req.Search, p.Limit, p.Offset())
	if err != nil {
		return paging.Page[Public]{}, err
	}
	results := make([]Public, 0, len(users))
	for i := range users {
		results = append(results, users[i].Public())
	}
	return paging.NewPage(p, total, results), nil
}

// ConnectedDevices lists the caller's other live devices.
func (s *Service) ConnectedDevices(ctx context.Context, userID int64, deviceID string) (*ConnectedDevicesResponse, error) {
	conns, err := s.conns.LookupConnections(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := &ConnectedDevicesResponse{Devices: []ConnectedDevice{}}
	for _, c := range conns {
		if c.DeviceID == deviceID {
			continue
		}
		name, err := s.store.DeviceName(ctx, userID, c.DeviceID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		if name == "" {
			name = c.DeviceID
		}
		out.Devices = append(out.Devices, ConnectedDevice{DeviceID: c.DeviceID, DeviceName: name})
	}
	return out, nil
}
