// Package auth defines the authentication and authorization contracts
// the sync subsystem consumes. Session issuance, user records and ACL
// storage live elsewhere; the handlers here only need to resolve a
// request to a user and ask yes/no permission questions before touching
// any document state.
package auth

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrUnauthenticated means the request carried no usable session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden means the user lacks the permission asked about.
	ErrForbidden = errors.New("forbidden")
	// ErrBadCSRFToken means the anti-forgery header was missing or wrong.
	ErrBadCSRFToken = errors.New("bad csrf token")
)

// UserInfo identifies an authenticated user.
type UserInfo interface {
	UserID() string
	DisplayName() string
}

// Authenticator resolves the ambient session (cookie or bearer token)
// on a request to a user.
type Authenticator interface {
	UserFromRequest(ctx context.Context, r *http.Request) (UserInfo, error)
}

// CSRFVerifier validates the anti-forgery token header on mutating
// requests. Implementations typically pair the token with the session.
type CSRFVerifier interface {
	VerifyCSRF(r *http.Request, user UserInfo) error
}

// Permissions answers authorization questions. Checks run before any
// state access; a denied check must leave no trace.
type Permissions interface {
	CanReadPage(ctx context.Context, userID, pageID string) (bool, error)
	CanEditPage(ctx context.Context, userID, pageID string) (bool, error)
	CanReadCollection(ctx context.Context, userID, collectionID string) (bool, error)
}
