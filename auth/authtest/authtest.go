// Package authtest provides static auth implementations for tests and
// examples.
package authtest

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/RichardCYang/DWRNote/auth"
)

// User is a static auth.UserInfo.
type User struct {
	ID   string
	Name string
}

func (u User) UserID() string      { return u.ID }
func (u User) DisplayName() string { return u.Name }

// Authenticator resolves "Bearer <token>" headers against a static
// token -> user table. CSRF tokens are "csrf-<token>".
type Authenticator struct {
	Users map[string]User // token -> user
}

func (a *Authenticator) UserFromRequest(ctx context.Context, r *http.Request) (auth.UserInfo, error) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return nil, fmt.Errorf("missing bearer token: %w", auth.ErrUnauthenticated)
	}
	tok := strings.TrimSpace(h[len(prefix):])
	u, ok := a.Users[tok]
	if !ok {
		return nil, fmt.Errorf("unknown token: %w", auth.ErrUnauthenticated)
	}
	return u, nil
}

func (a *Authenticator) VerifyCSRF(r *http.Request, user auth.UserInfo) error {
	want := "csrf-" + user.UserID()
	if r.Header.Get("X-Csrf-Token") != want {
		return auth.ErrBadCSRFToken
	}
	return nil
}

// CSRFToken returns the header value VerifyCSRF expects for a user.
func CSRFToken(userID string) string { return "csrf-" + userID }

// Permissions grants according to fixed sets; a nil set means allow all.
type Permissions struct {
	ReadablePages       map[string]bool // key: userID + "/" + pageID
	EditablePages       map[string]bool
	ReadableCollections map[string]bool
}

// AllowAll grants everything.
func AllowAll() *Permissions { return &Permissions{} }

func (p *Permissions) CanReadPage(ctx context.Context, userID, pageID string) (bool, error) {
	return allowed(p.ReadablePages, userID+"/"+pageID), nil
}

func (p *Permissions) CanEditPage(ctx context.Context, userID, pageID string) (bool, error) {
	return allowed(p.EditablePages, userID+"/"+pageID), nil
}

func (p *Permissions) CanReadCollection(ctx context.Context, userID, collectionID string) (bool, error) {
	return allowed(p.ReadableCollections, userID+"/"+collectionID), nil
}

func allowed(set map[string]bool, key string) bool {
	if set == nil {
		return true
	}
	return set[key]
}

var (
	_ auth.Authenticator = (*Authenticator)(nil)
	_ auth.CSRFVerifier  = (*Authenticator)(nil)
	_ auth.Permissions   = (*Permissions)(nil)
)
