// Package auth resolves bearer credentials to identities.
//
// Two credential classes exist: per-user API keys stored in the database and
// a single static admin key from configuration. Admin comparison is
// constant time.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"aiproxy/internal/db"
)

// ErrNoCredential means the request carried no usable Authorization header.
var ErrNoCredential = errors.New("auth: missing bearer credential")

// ErrInvalidCredential means the credential resolved to no user.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// ErrNotAdmin means the credential is not the admin key.
var ErrNotAdmin = errors.New("auth: not an admin credential")

type contextKey int

const userKey contextKey = iota

// Authenticator checks bearer credentials against the user store and the
// configured admin key.
type Authenticator struct {
	store    db.UserStore
	adminKey string
}

// New builds an authenticator. adminKey may be empty, in which case every
// admin check fails.
func New(store db.UserStore, adminKey string) *Authenticator {
	return &Authenticator{store: store, adminKey: adminKey}
}

// BearerToken extracts the credential from an Authorization header value.
// Returns ErrNoCredential when the header is absent or malformed.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrNoCredential
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrNoCredential
	}
	return parts[1], nil
}

// AuthenticateUser resolves a credential to a user record.
func (a *Authenticator) AuthenticateUser(ctx context.Context, token string) (*db.UserRecord, error) {
	user, err := a.store.GetUserByAPIKey(ctx, token)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("credential lookup: %w", err)
	}
	return user, nil
}

// AuthenticateAdmin verifies the credential against the admin key in
// constant time.
func (a *Authenticator) AuthenticateAdmin(token string) error {
	if a.adminKey == "" {
		return ErrNotAdmin
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.adminKey)) != 1 {
		return ErrNotAdmin
	}
	return nil
}

// WithUser stores the authenticated user on the context.
func WithUser(ctx context.Context, user *db.UserRecord) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFrom returns the authenticated user, or nil.
func UserFrom(ctx context.Context) *db.UserRecord {
	user, _ := ctx.Value(userKey).(*db.UserRecord)
	return user
}

// GenerateAPIKey mints a credential in the form sk-{userID}-{random}, where
// random is 16 bytes hex encoded.
func GenerateAPIKey(userID string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return fmt.Sprintf("sk-%s-%s", userID, hex.EncodeToString(buf)), nil
}
