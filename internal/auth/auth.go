// Package auth verifies admin credentials. Every attempt passes through a
// ratelimit.LoginGuard before the password is checked.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/sendgate/internal/email"
	"github.com/foxzi/sendgate/internal/ratelimit"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password
var ErrInvalidCredentials = errors.New("invalid email or password")

// User is an admin account
type User struct {
	Email        string `yaml:"email"`
	PasswordHash string `yaml:"password_hash"`
}

// Authenticator checks admin logins
type Authenticator struct {
	users  map[string]string
	guard  *ratelimit.LoginGuard
	logger *slog.Logger

	dummyOnce sync.Once
	dummyHash []byte
}

// New creates an authenticator for users
func New(users []User, guard *ratelimit.LoginGuard, logger *slog.Logger) *Authenticator {
	m := make(map[string]string, len(users))
	for _, u := range users {
		m[email.Normalize(u.Email)] = u.PasswordHash
	}
	return &Authenticator{
		users:  m,
		guard:  guard,
		logger: logger,
	}
}

// HashPassword returns the bcrypt hash stored in configuration
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Login checks the rate limits for addr and ip, then the password. A
// rejected attempt returns *ratelimit.LockedError without checking the
// password. A successful login clears the email's failed attempts.
func (a *Authenticator) Login(ctx context.Context, addr, password, ip string) error {
	addr = email.Normalize(addr)

	if err := a.guard.Check(ctx, addr, ip); err != nil {
		return err
	}

	hash, ok := a.users[addr]
	if !ok {
		// Same cost as a real comparison
		bcrypt.CompareHashAndPassword(a.dummy(), []byte(password))
		a.logger.Warn("login failed", "email", addr, "ip", ip, "reason", "unknown user")
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		a.logger.Warn("login failed", "email", addr, "ip", ip, "reason", "wrong password")
		return ErrInvalidCredentials
	}

	if err := a.guard.Succeeded(ctx, addr); err != nil {
		a.logger.Error("failed to reset login attempts", "email", addr, "error", err)
	}
	a.logger.Info("login succeeded", "email", addr, "ip", ip)
	return nil
}

func (a *Authenticator) dummy() []byte {
	a.dummyOnce.Do(func() {
		a.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("sendgate-dummy-password"), bcrypt.DefaultCost)
	})
	return a.dummyHash
}
