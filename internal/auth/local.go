package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/matgo18/TheyMissYou/internal/docstore"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const (
	identitiesCollection = "identities"
	sessionsCollection   = "sessions"

	defaultTokenTTL = 365 * 24 * time.Hour
)

var _ Provider = (*LocalProvider)(nil)

// LocalConfig configures a LocalProvider
type LocalConfig struct {
	Secret     string
	TokenTTL   time.Duration
	BcryptCost int
}

// LocalProvider keeps identities and sessions in the document store and
// issues HS256 tokens bound to a session document.
type LocalProvider struct {
	store      docstore.Store
	secret     []byte
	tokenTTL   time.Duration
	bcryptCost int

	// signUpMu serializes the email check with the identity write
	signUpMu sync.Mutex

	mu        sync.RWMutex
	listeners []ChangeFunc
}

type identityRecord struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

type sessionRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewLocalProvider creates a provider on top of store
func NewLocalProvider(store docstore.Store, cfg LocalConfig) *LocalProvider {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &LocalProvider{
		store:      store,
		secret:     []byte(cfg.Secret),
		tokenTTL:   cfg.TokenTTL,
		bcryptCost: cfg.BcryptCost,
	}
}

// OnIdentityChange registers fn; listeners run synchronously in registration order
func (p *LocalProvider) OnIdentityChange(fn ChangeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *LocalProvider) emit(ctx context.Context, change IdentityChange) {
	p.mu.RLock()
	listeners := append([]ChangeFunc(nil), p.listeners...)
	p.mu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, change)
	}
}

// SignUp creates an identity and its first session
func (p *LocalProvider) SignUp(ctx context.Context, email, password string) (*Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	p.signUpMu.Lock()
	existing, err := p.findByEmail(ctx, email)
	if err != nil {
		p.signUpMu.Unlock()
		return nil, err
	}
	if existing != nil {
		p.signUpMu.Unlock()
		return nil, ErrEmailInUse
	}

	record := identityRecord{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	doc, err := docstore.Encode(record)
	if err != nil {
		p.signUpMu.Unlock()
		return nil, err
	}
	err = p.store.Set(ctx, identitiesCollection, record.ID, doc)
	p.signUpMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	log.Info().Str("user_id", record.ID).Msg("Identity created")
	return p.startSession(ctx, record)
}

// SignIn checks credentials and opens a new session
func (p *LocalProvider) SignIn(ctx context.Context, email, password string) (*Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	record, err := p.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(record.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return p.startSession(ctx, *record)
}

func (p *LocalProvider) startSession(ctx context.Context, record identityRecord) (*Identity, error) {
	active, err := p.sessionCount(ctx, record.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := sessionRecord{
		ID:        uuid.New().String(),
		UserID:    record.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(p.tokenTTL),
	}
	doc, err := docstore.Encode(session)
	if err != nil {
		return nil, err
	}
	if err := p.store.Set(ctx, sessionsCollection, session.ID, doc); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	token, err := p.generateToken(session)
	if err != nil {
		return nil, err
	}

	if active == 0 {
		p.emit(ctx, IdentityChange{IdentityID: record.ID, SignedIn: true})
	}
	return &Identity{ID: record.ID, Email: record.Email, Token: token}, nil
}

// SignOut ends the session behind token
func (p *LocalProvider) SignOut(ctx context.Context, token string) error {
	userID, sessionID, err := p.parseToken(token)
	if err != nil {
		return err
	}

	if err := p.store.Delete(ctx, sessionsCollection, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	remaining, err := p.sessionCount(ctx, userID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		p.emit(ctx, IdentityChange{IdentityID: userID, SignedIn: false})
	}
	return nil
}

// DeleteIdentity removes the identity and every session it owns
func (p *LocalProvider) DeleteIdentity(ctx context.Context, identityID string) error {
	doc, err := p.store.Get(ctx, identitiesCollection, identityID)
	if err != nil {
		return fmt.Errorf("failed to get identity: %w", err)
	}
	if doc == nil {
		return ErrIdentityNotFound
	}

	sessions, err := p.store.Query(ctx, sessionsCollection, docstore.Where("userId", docstore.OpEqual, identityID))
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, s := range sessions {
		if err := p.store.Delete(ctx, sessionsCollection, s.String("id")); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}
	if err := p.store.Delete(ctx, identitiesCollection, identityID); err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}

	log.Info().Str("user_id", identityID).Msg("Identity deleted")
	p.emit(ctx, IdentityChange{IdentityID: identityID, SignedIn: false})
	return nil
}

// Verify validates the token signature and that its session is still open
func (p *LocalProvider) Verify(ctx context.Context, token string) (string, error) {
	userID, sessionID, err := p.parseToken(token)
	if err != nil {
		return "", err
	}

	doc, err := p.store.Get(ctx, sessionsCollection, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	if doc == nil || doc.String("userId") != userID {
		return "", ErrInvalidToken
	}
	return userID, nil
}

func (p *LocalProvider) generateToken(session sessionRecord) (string, error) {
	claims := jwt.MapClaims{
		"user_id": session.UserID,
		"sid":     session.ID,
		"exp":     session.ExpiresAt.Unix(),
		"iat":     session.CreatedAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func (p *LocalProvider) parseToken(tokenString string) (string, string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return "", "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", ErrInvalidToken
	}
	userID, _ := claims["user_id"].(string)
	sessionID, _ := claims["sid"].(string)
	if userID == "" || sessionID == "" {
		return "", "", ErrInvalidToken
	}
	return userID, sessionID, nil
}

func (p *LocalProvider) findByEmail(ctx context.Context, email string) (*identityRecord, error) {
	docs, err := p.store.Query(ctx, identitiesCollection, docstore.Where("email", docstore.OpEqual, email).WithLimit(1))
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	var record identityRecord
	if err := docs[0].Decode(&record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (p *LocalProvider) sessionCount(ctx context.Context, userID string) (int, error) {
	docs, err := p.store.Query(ctx, sessionsCollection, docstore.Where("userId", docstore.OpEqual, userID))
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return len(docs), nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// IsCredentialError reports whether err is caused by user input rather than the backend
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrEmailInUse) ||
		errors.Is(err, ErrInvalidEmail) ||
		errors.Is(err, ErrWeakPassword) ||
		errors.Is(err, ErrInvalidCredentials)
}
