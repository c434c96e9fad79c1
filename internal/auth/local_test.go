package auth

import (
	"context"
	"testing"

	"github.com/matgo18/TheyMissYou/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestProvider(t *testing.T) (*LocalProvider, *[]IdentityChange) {
	t.Helper()

	p := NewLocalProvider(docstore.NewMemoryStore(), LocalConfig{Secret: "test-secret", BcryptCost: bcrypt.MinCost})
	var changes []IdentityChange
	p.OnIdentityChange(func(ctx context.Context, change IdentityChange) {
		changes = append(changes, change)
	})
	return p, &changes
}

func TestLocalProvider_SignUpAndVerify(t *testing.T) {
	ctx := context.Background()
	p, changes := newTestProvider(t)

	identity, err := p.SignUp(ctx, " Alice@Example.com ", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", identity.Email)
	assert.NotEmpty(t, identity.Token)

	userID, err := p.Verify(ctx, identity.Token)
	require.NoError(t, err)
	assert.Equal(t, identity.ID, userID)

	assert.Equal(t, []IdentityChange{{IdentityID: identity.ID, SignedIn: true}}, *changes)
}

func TestLocalProvider_SignUpValidation(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	_, err := p.SignUp(ctx, "not-an-email", "secret1")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = p.SignUp(ctx, "alice@example.com", "short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, err = p.SignUp(ctx, "alice@example.com", "secret1")
	require.NoError(t, err)
	_, err = p.SignUp(ctx, "ALICE@example.com", "secret2")
	assert.ErrorIs(t, err, ErrEmailInUse)
	assert.True(t, IsCredentialError(err))
}

func TestLocalProvider_SignIn(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	created, err := p.SignUp(ctx, "bob@example.com", "secret1")
	require.NoError(t, err)

	_, err = p.SignIn(ctx, "bob@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = p.SignIn(ctx, "nobody@example.com", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	identity, err := p.SignIn(ctx, "BOB@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, identity.ID)
	assert.NotEqual(t, created.Token, identity.Token)
}

func TestLocalProvider_SignOutEmitsOnLastSession(t *testing.T) {
	ctx := context.Background()
	p, changes := newTestProvider(t)

	first, err := p.SignUp(ctx, "carol@example.com", "secret1")
	require.NoError(t, err)
	second, err := p.SignIn(ctx, "carol@example.com", "secret1")
	require.NoError(t, err)
	require.Len(t, *changes, 1)

	require.NoError(t, p.SignOut(ctx, first.Token))
	_, err = p.Verify(ctx, first.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Len(t, *changes, 1)

	require.NoError(t, p.SignOut(ctx, second.Token))
	require.Len(t, *changes, 2)
	assert.Equal(t, IdentityChange{IdentityID: first.ID, SignedIn: false}, (*changes)[1])
}

func TestLocalProvider_DeleteIdentity(t *testing.T) {
	ctx := context.Background()
	p, changes := newTestProvider(t)

	identity, err := p.SignUp(ctx, "dave@example.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, p.DeleteIdentity(ctx, identity.ID))
	assert.False(t, (*changes)[len(*changes)-1].SignedIn)

	_, err = p.Verify(ctx, identity.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = p.SignIn(ctx, "dave@example.com", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	assert.ErrorIs(t, p.DeleteIdentity(ctx, identity.ID), ErrIdentityNotFound)
}

func TestLocalProvider_RejectsForeignToken(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)
	other := NewLocalProvider(docstore.NewMemoryStore(), LocalConfig{Secret: "other-secret", BcryptCost: bcrypt.MinCost})

	identity, err := other.SignUp(ctx, "eve@example.com", "secret1")
	require.NoError(t, err)

	_, err = p.Verify(ctx, identity.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = p.Verify(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, IdentityID(ctx))
	assert.Equal(t, "alice", IdentityID(WithIdentity(ctx, "alice")))
}
