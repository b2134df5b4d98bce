// Package token encodes and verifies the bearer tokens handed out at sign-in.
//
// A token binds a device id and a user id (joined into the JWT subject) and is
// signed with a per-user composite secret built from the password hash and the
// rotating secret hash. Rotating either hash invalidates every token issued
// before the rotation.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const subjectDivider = "%%"

var (
	ErrEncoding         = errors.New("token: device id, user id and secret are required")
	ErrMalformedToken   = errors.New("token: malformed")
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrExpiredToken     = errors.New("token: expired")
)

// Identity is what a token asserts about its bearer.
type Identity struct {
	DeviceID string
	UserID   int64
}

// Codec signs tokens with HS256. A zero ttl issues tokens without expiry.
type Codec struct {
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

func NewCodec(ttl time.Duration) *Codec {
	return &Codec{
		ttl:    ttl,
		now:    time.Now,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// ComposeSecret derives the HMAC key from both hashes. Order matters.
func ComposeSecret(passwordHash, secretHash string) []byte {
	return []byte(passwordHash + "-" + secretHash)
}

func (c *Codec) Encode(deviceID string, userID int64, key []byte) (string, error) {
	if deviceID == "" || userID == 0 || len(key) == 0 {
		return "", ErrEncoding
	}

	claims := jwt.RegisteredClaims{
		Subject:  deviceID + subjectDivider + strconv.FormatInt(userID, 10),
		IssuedAt: jwt.NewNumericDate(c.now()),
	}
	if c.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(c.now().Add(c.ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return signed, nil
}

// Decode reads the identity without checking the signature. It exists so the
// caller can find out whose secret to verify against.
func (c *Codec) Decode(tokenString string) (Identity, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := c.parser.ParseUnverified(tokenString, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return splitSubject(claims.Subject)
}

// Verify checks the signature and expiry against key.
func (c *Codec) Verify(tokenString string, key []byte) (Identity, error) {
	if len(key) == 0 {
		return Identity{}, ErrInvalidSignature
	}

	claims := &jwt.RegisteredClaims{}
	_, err := c.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Identity{}, ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
		return Identity{}, ErrInvalidSignature
	default:
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	return splitSubject(claims.Subject)
}

func splitSubject(sub string) (Identity, error) {
	parts := strings.Split(sub, subjectDivider)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Identity{}, ErrMalformedToken
	}
	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || userID <= 0 {
		return Identity{}, ErrMalformedToken
	}
	return Identity{DeviceID: parts[0], UserID: userID}, nil
}
