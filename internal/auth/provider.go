package auth

import (
	"context"
	"errors"
)

var (
	ErrEmailInUse         = errors.New("email already in use")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrIdentityNotFound   = errors.New("identity not found")
)

// MinPasswordLength is the shortest accepted password
const MinPasswordLength = 6

// Identity is an authenticated principal together with its session token
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Token string `json:"token"`
}

// IdentityChange is emitted when an identity gains its first session or loses its last one
type IdentityChange struct {
	IdentityID string
	SignedIn   bool
}

// ChangeFunc receives identity changes
type ChangeFunc func(ctx context.Context, change IdentityChange)

// Provider issues identities and sessions
type Provider interface {
	SignUp(ctx context.Context, email, password string) (*Identity, error)
	SignIn(ctx context.Context, email, password string) (*Identity, error)
	SignOut(ctx context.Context, token string) error
	DeleteIdentity(ctx context.Context, identityID string) error
	// Verify returns the identity id owning a live session token
	Verify(ctx context.Context, token string) (string, error)
	OnIdentityChange(fn ChangeFunc)
}

type contextKey string

const identityKey contextKey = "user_id"

// WithIdentity returns a context carrying the active identity id
func WithIdentity(ctx context.Context, identityID string) context.Context {
	return context.WithValue(ctx, identityKey, identityID)
}

// IdentityID extracts the active identity id, or "" without one
func IdentityID(ctx context.Context) string {
	id, ok := ctx.Value(identityKey).(string)
	if !ok {
		return ""
	}
	return id
}
