package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// TokenVerifier accepts exactly one shared admin token.
type TokenVerifier struct {
	Expected string
}

func (v TokenVerifier) Verify(token string) error {
	if token == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
