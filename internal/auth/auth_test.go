package auth

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"testing"

	"palaver/server/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "palaver.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestHandshakeRegisterThenLogin(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	ident, err := Handshake(ctx, st, url.Values{
		"login_reg": {"alice"},
		"password":  {"s3cret"},
		"name":      {"Alice"},
	})
	if err != nil {
		t.Fatalf("register handshake: %v", err)
	}
	if ident.UserID <= 0 || ident.Name != "Alice" || !ident.New {
		t.Fatalf("unexpected identity: %+v", ident)
	}

	again, err := Handshake(ctx, st, url.Values{
		"login":    {"alice"},
		"password": {"s3cret"},
	})
	if err != nil {
		t.Fatalf("login handshake: %v", err)
	}
	if again.UserID != ident.UserID || again.Name != "Alice" || again.New {
		t.Fatalf("unexpected identity: %+v", again)
	}
}

func TestHandshakeRejections(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	if _, err := Handshake(ctx, st, url.Values{
		"login_reg": {"bob"}, "password": {"pw"}, "name": {"Bob"},
	}); err != nil {
		t.Fatalf("seed register: %v", err)
	}

	cases := []struct {
		name string
		q    url.Values
		want error
	}{
		{"no credentials", url.Values{}, ErrBadRequest},
		{"register missing name", url.Values{"login_reg": {"x"}, "password": {"pw"}}, ErrBadRequest},
		{"register empty password", url.Values{"login_reg": {"x"}, "password": {""}, "name": {"X"}}, ErrBadRequest},
		{"login with space", url.Values{"login": {"a b"}, "password": {"pw"}}, ErrBadRequest},
		{"password with tab", url.Values{"login": {"bob"}, "password": {"p\tw"}}, ErrBadRequest},
		{"unknown login", url.Values{"login": {"nobody"}, "password": {"pw"}}, ErrBadCredentials},
		{"wrong password", url.Values{"login": {"bob"}, "password": {"nope"}}, ErrBadCredentials},
		{"taken login", url.Values{"login_reg": {"bob"}, "password": {"pw"}, "name": {"B"}}, ErrLoginTaken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Handshake(ctx, st, tc.q); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestHashPasswordDeterministic(t *testing.T) {
	t.Parallel()

	a, b := HashPassword("hunter2"), HashPassword("hunter2")
	if a != b {
		t.Fatalf("digest not deterministic: %q vs %q", a, b)
	}
	if a == HashPassword("hunter3") {
		t.Fatal("distinct passwords share a digest")
	}
	if a == "hunter2" {
		t.Fatal("digest equals cleartext")
	}
}
