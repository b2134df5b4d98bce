package user

import (
	"strings"

	"relay/internal/apperr"
	"relay/internal/paging"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

const (
	maxLoginLength            = 32
	maxDeviceIDLength         = 64
	maxDeviceNameLength       = 64
	minPasswordLength         = 8
	maxPasswordLength         = 32
	maxRecoveryQuestionLength = 256
	maxRecoveryAnswerLength   = 256
)

type User struct {
	ID                  int64  `json:"id"`
	Login               string `json:"login"`
	Role                string `json:"role"`
	FailedLoginAttempts int    `json:"-"`
	RecoveryQuestion    string `json:"-"`
	RecoveryAnswer      string `json:"-"`
}

// Public is the view of a user sent to other clients.
type Public struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Role  string `json:"role,omitempty"`
}

func (u *User) Public() Public {
	return Public{ID: u.ID, Login: u.Login, Role: u.Role}
}

type SignUpRequest struct {
	Login            string `json:"login"`
	Password         string `json:"password"`
	DeviceID         string `json:"deviceId"`
	DeviceName       string `json:"deviceName"`
	RecoveryQuestion string `json:"recoveryQuestion"`
	RecoveryAnswer   string `json:"recoveryAnswer"`
}

func (r *SignUpRequest) Validate() error {
	r.Login = strings.ToLower(r.Login)
	return check(
		login(r.Login),
		password("password", r.Password),
		device(r.DeviceID, r.DeviceName),
		required("recoveryQuestion", r.RecoveryQuestion, maxRecoveryQuestionLength),
		required("recoveryAnswer", r.RecoveryAnswer, maxRecoveryAnswerLength),
	)
}

type SignInRequest struct {
	Login      string `json:"login"`
	Password   string `json:"password"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

func (r *SignInRequest) Validate() error {
	r.Login = strings.ToLower(r.Login)
	return check(
		login(r.Login),
		required("password", r.Password, 0),
		device(r.DeviceID, r.DeviceName),
	)
}

type AuthResponse struct {
	Token string `json:"token"`
	User  Public `json:"user"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type UpdatePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (r *UpdatePasswordRequest) Validate() error {
	return check(
		required("oldPassword", r.OldPassword, 0),
		password("newPassword", r.NewPassword),
	)
}

type UpdateRecoveryDataRequest struct {
	NewRecoveryQuestion string `json:"newRecoveryQuestion"`
	NewRecoveryAnswer   string `json:"newRecoveryAnswer"`
}

func (r *UpdateRecoveryDataRequest) Validate() error {
	return check(
		required("newRecoveryQuestion", r.NewRecoveryQuestion, maxRecoveryQuestionLength),
		required("newRecoveryAnswer", r.NewRecoveryAnswer, maxRecoveryAnswerLength),
	)
}

type RecoveryInitialRequest struct {
	Login string `json:"login"`
}

func (r *RecoveryInitialRequest) Validate() error {
	r.Login = strings.ToLower(r.Login)
	return login(r.Login)
}

type RecoveryQuestion struct {
	ID               int64  `json:"id"`
	Login            string `json:"login"`
	RecoveryQuestion string `json:"recoveryQuestion"`
}

type RecoveryInitialResponse struct {
	User RecoveryQuestion `json:"user"`
}

type RecoveryFinalRequest struct {
	UserID         int64  `json:"userId"`
	RecoveryAnswer string `json:"recoveryAnswer"`
	NewPassword    string `json:"newPassword"`
}

func (r *RecoveryFinalRequest) Validate() error {
	return check(
		positive("userId", r.UserID),
		required("recoveryAnswer", r.RecoveryAnswer, maxRecoveryAnswerLength),
		password("newPassword", r.NewPassword),
	)
}

type UnlockAccountRequest struct {
	UserID int64 `json:"userId"`
}

func (r *UnlockAccountRequest) Validate() error {
	return positive("userId", r.UserID)
}

type FindUsersRequest struct {
	Search string `json:"search"`
	paging.Params
}

func (r *FindUsersRequest) Validate() error {
	r.Search = strings.TrimSpace(r.Search)
	return check(required("search", r.Search, maxLoginLength), r.Params.Validate())
}

type ConnectedDevice struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

type ConnectedDevicesResponse struct {
	Devices []ConnectedDevice `json:"devices"`
}

func check(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func required(field, value string, max int) error {
	if value == "" {
		return apperr.Validation(field + " is required")
	}
	if max > 0 && len(value) > max {
		return apperr.Validation(field + " is too long")
	}
	return nil
}

func positive(field string, v int64) error {
	if v <= 0 {
		return apperr.Validation(field + " must be a positive number")
	}
	return nil
}

func login(v string) error {
	if err := required("login", v, maxLoginLength); err != nil {
		return err
	}
	if !alphanumeric(v) {
		return apperr.Validation("login must be alphanumeric")
	}
	return nil
}

func password(field, v string) error {
	if err := required(field, v, maxPasswordLength); err != nil {
		return err
	}
	if len(v) < minPasswordLength {
		return apperr.Validation(field + " is too short")
	}
	return nil
}

func device(id, name string) error {
	if err := required("deviceId", id, maxDeviceIDLength); err != nil {
		return err
	}
	for _, r := range id {
		if !alphanumeric(string(r)) && r != '-' && r != '_' {
			return apperr.Validation("deviceId may only contain letters, digits, dashes and underscores")
		}
	}
	return required("deviceName", name, maxDeviceNameLength)
}

func alphanumeric(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
