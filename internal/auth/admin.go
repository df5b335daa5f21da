package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials indicates that provided admin credentials are incorrect.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Admin checks operator credentials for maintenance endpoints.
type Admin struct {
	username string
	hash     []byte
}

// NewAdmin returns a checker; an empty hash disables admin access entirely.
func NewAdmin(username, passwordHash string) *Admin {
	return &Admin{
		username: strings.TrimSpace(username),
		hash:     []byte(strings.TrimSpace(passwordHash)),
	}
}

func (a *Admin) Enabled() bool {
	return a != nil && len(a.hash) > 0 && a.username != ""
}

func (a *Admin) Authenticate(username, password string) error {
	if !a.Enabled() {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(username)), []byte(a.username)) != 1 {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// HashPassword produces the bcrypt hash expected in auth.adminpasswordhash.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
