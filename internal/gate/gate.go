// Package gate checks the shared page access password.
package gate

import (
	"crypto/subtle"
	"errors"
)

var (
	ErrNotConfigured   = errors.New("password not configured on server")
	ErrInvalidPassword = errors.New("invalid password")
)

type Gate struct {
	password string
}

func New(password string) *Gate {
	return &Gate{password: password}
}

func (g *Gate) Configured() bool {
	return g != nil && g.password != ""
}

// Verify fails closed when no password is configured.
func (g *Gate) Verify(password string) error {
	if !g.Configured() {
		return ErrNotConfigured
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(g.password)) != 1 {
		return ErrInvalidPassword
	}
	return nil
}
