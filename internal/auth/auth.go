// Package auth validates handshake credentials carried in the upgrade
// request's query string and resolves them to an account, registering a new
// one when asked. Passwords are digested before they reach the store;
// nothing below this package ever sees cleartext.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"palaver/server/internal/store"
)

// Rejection reasons. The text is user-visible: it becomes the HTTP 400 body.
var (
	ErrBadRequest     = errors.New("Incorrect data")
	ErrBadCredentials = errors.New("Incorrect login or password")
	ErrLoginTaken     = errors.New("That user already exists")
)

// Identity is the outcome of a successful handshake.
type Identity struct {
	UserID int64
	Name   string
	New    bool // account was created by this handshake
}

// HashPassword returns the fixed one-way digest stored and compared in place
// of the cleartext password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Handshake authenticates or registers from query parameters. Registration
// (login_reg + password + name) takes precedence over login
// (login + password); any other combination is rejected.
func Handshake(ctx context.Context, st *store.Store, q url.Values) (Identity, error) {
	switch {
	case q.Has("login_reg"):
		login, password, name := q.Get("login_reg"), q.Get("password"), q.Get("name")
		if !validField(login) || !validField(password) || !validField(name) {
			return Identity{}, ErrBadRequest
		}
		id, err := st.Register(ctx, login, HashPassword(password), name)
		if errors.Is(err, store.ErrAlreadyExists) {
			return Identity{}, ErrLoginTaken
		}
		if err != nil {
			return Identity{}, fmt.Errorf("register: %w", err)
		}
		return Identity{UserID: id, Name: name, New: true}, nil

	case q.Has("login"):
		login, password := q.Get("login"), q.Get("password")
		if !validField(login) || !validField(password) {
			return Identity{}, ErrBadRequest
		}
		u, err := st.Authenticate(ctx, login, HashPassword(password))
		if errors.Is(err, store.ErrNotFound) {
			return Identity{}, ErrBadCredentials
		}
		if err != nil {
			return Identity{}, fmt.Errorf("authenticate: %w", err)
		}
		return Identity{UserID: u.ID, Name: u.Name}, nil

	default:
		return Identity{}, ErrBadRequest
	}
}

// validField rejects empty values and values containing whitespace.
func validField(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, unicode.IsSpace) < 0
}
