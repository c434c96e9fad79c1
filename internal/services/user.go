package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matgo18/TheyMissYou/internal/auth"
	"github.com/matgo18/TheyMissYou/internal/docstore"
	"github.com/matgo18/TheyMissYou/internal/events"
	"github.com/matgo18/TheyMissYou/internal/metrics"
	"github.com/matgo18/TheyMissYou/internal/models"
	"github.com/matgo18/TheyMissYou/internal/notify"
	"github.com/matgo18/TheyMissYou/internal/repository"
	"github.com/rs/zerolog/log"
)

const maxBioLength = 500

// PushPermissions validates device tokens before they are stored
type PushPermissions interface {
	RequestPermission(ctx context.Context, userID, deviceToken string) error
}

// RegisterInput holds the registration form
type RegisterInput struct {
	Email     string   `json:"email"`
	Password  string   `json:"password"`
	Username  string   `json:"username"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// AuthResult is returned by Register and Login
type AuthResult struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

// ProfileUpdate holds the editable profile fields; nil fields are left unchanged
type ProfileUpdate struct {
	Bio             *string `json:"bio,omitempty"`
	ProfileImageURL *string `json:"profileImageUrl,omitempty"`
}

var _ notify.TokenSource = (*UserDirectory)(nil)

// UserDirectory maps identities to user profiles
type UserDirectory struct {
	userRepo    *repository.UserRepository
	auth        auth.Provider
	bus         *events.Bus
	permissions PushPermissions
}

// NewUserDirectory creates a new user directory and starts relaying identity
// changes from provider onto bus
func NewUserDirectory(
	userRepo *repository.UserRepository,
	provider auth.Provider,
	bus *events.Bus,
	permissions PushPermissions,
) *UserDirectory {
	d := &UserDirectory{
		userRepo:    userRepo,
		auth:        provider,
		bus:         bus,
		permissions: permissions,
	}
	provider.OnIdentityChange(d.handleIdentityChange)
	return d
}

func (d *UserDirectory) handleIdentityChange(ctx context.Context, change auth.IdentityChange) {
	if change.SignedIn {
		user, err := d.userRepo.GetByID(ctx, change.IdentityID)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("user_id", change.IdentityID).Msg("Failed to load profile after sign in")
		case user == nil:
			log.Debug().Str("user_id", change.IdentityID).Msg("Signed in identity has no profile yet")
		default:
			log.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("User signed in")
		}
	} else {
		log.Info().Str("user_id", change.IdentityID).Msg("User signed out")
	}

	d.bus.Publish(ctx, events.IdentityChanged{UserID: change.IdentityID, SignedIn: change.SignedIn})
}

// Register creates an identity and its profile. The username check is a
// query before the write, so two concurrent registrations can both pass it;
// such duplicates are detected afterwards and reported.
func (d *UserDirectory) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if (in.Latitude == nil) != (in.Longitude == nil) {
		return nil, fmt.Errorf("%w: latitude and longitude must be set together", ErrInvalidInput)
	}
	if in.Latitude != nil {
		if err := validateCoordinates(*in.Latitude, *in.Longitude); err != nil {
			return nil, err
		}
	}

	taken, err := d.userRepo.UsernameExists(ctx, username)
	if err != nil {
		return nil, &RegistrationError{Reason: "could not check username", Err: err}
	}
	if taken {
		return nil, ErrUsernameTaken
	}

	identity, err := d.auth.SignUp(ctx, in.Email, in.Password)
	if err != nil {
		if auth.IsCredentialError(err) {
			return nil, &RegistrationError{Reason: err.Error(), Err: err}
		}
		return nil, &RegistrationError{Reason: "could not create account", Err: err}
	}

	user := &models.User{
		ID:        identity.ID,
		Email:     identity.Email,
		Username:  username,
		CreatedAt: time.Now().UTC(),
		Latitude:  in.Latitude,
		Longitude: in.Longitude,
		PostIDs:   []string{},
	}
	if err := d.userRepo.Create(ctx, user); err != nil {
		if delErr := d.auth.DeleteIdentity(ctx, identity.ID); delErr != nil {
			log.Error().Err(delErr).Str("user_id", identity.ID).Msg("Identity left without profile")
		}
		return nil, &RegistrationError{Reason: "could not create profile", Err: err}
	}

	log.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("User registered")

	if conflicts, err := d.FindUsernameConflicts(ctx, username); err != nil {
		log.Warn().Err(err).Str("username", username).Msg("Failed to check for duplicate usernames")
	} else if len(conflicts) > 1 {
		metrics.RecordDuplicateUsername()
		log.Warn().
			Str("username", username).
			Strs("user_ids", conflicts).
			Msg("Duplicate username detected after concurrent registration")
	}

	return &AuthResult{User: user, Token: identity.Token}, nil
}

// FindUsernameConflicts returns the ids of every profile holding username
// when more than one does, and nil otherwise
func (d *UserDirectory) FindUsernameConflicts(ctx context.Context, username string) ([]string, error) {
	users, err := d.userRepo.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if len(users) < 2 {
		return nil, nil
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids, nil
}

// Login signs in and returns the user's profile with a session token
func (d *UserDirectory) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	identity, err := d.auth.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return nil, &LoginError{Reason: "invalid email or password", Err: err}
		}
		return nil, &LoginError{Reason: "could not sign in", Err: err}
	}

	user, err := d.userRepo.GetByID(ctx, identity.ID)
	if err == nil && user == nil {
		err = ErrUserNotFound
	}
	if err != nil {
		if signOutErr := d.auth.SignOut(ctx, identity.Token); signOutErr != nil {
			log.Warn().Err(signOutErr).Str("user_id", identity.ID).Msg("Failed to close session")
		}
		return nil, &LoginError{Reason: "profile not available", Err: err}
	}

	return &AuthResult{User: user, Token: identity.Token}, nil
}

// SignOut ends the session behind token
func (d *UserDirectory) SignOut(ctx context.Context, token string) error {
	if err := d.auth.SignOut(ctx, token); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return ErrNotAuthenticated
		}
		return err
	}
	return nil
}

// GetUser returns the profile for id, or nil when it does not exist
func (d *UserDirectory) GetUser(ctx context.Context, id string) (*models.User, error) {
	return d.userRepo.GetByID(ctx, id)
}

// GetUsers returns the existing profiles among ids
func (d *UserDirectory) GetUsers(ctx context.Context, ids []string) ([]*models.User, error) {
	return d.userRepo.GetByIDs(ctx, ids)
}

// CurrentUser returns the profile of the identity carried by ctx
func (d *UserDirectory) CurrentUser(ctx context.Context) (*models.User, error) {
	userID := auth.IdentityID(ctx)
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	user, err := d.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// UpdateLocation stores the current user's coordinates and returns the stored profile
func (d *UserDirectory) UpdateLocation(ctx context.Context, lat, lon float64) (*models.User, error) {
	userID := auth.IdentityID(ctx)
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	if err := validateCoordinates(lat, lon); err != nil {
		return nil, err
	}

	if err := d.userRepo.UpdateLocation(ctx, userID, lat, lon); err != nil {
		return nil, mapUserUpdateError(err)
	}
	return d.CurrentUser(ctx)
}

// UpdateProfile changes the bio and profile image of the current user
func (d *UserDirectory) UpdateProfile(ctx context.Context, update ProfileUpdate) (*models.User, error) {
	userID := auth.IdentityID(ctx)
	if userID == "" {
		return nil, ErrNotAuthenticated
	}

	fields := docstore.Document{}
	if update.Bio != nil {
		bio := strings.TrimSpace(*update.Bio)
		if len(bio) > maxBioLength {
			return nil, fmt.Errorf("%w: bio is longer than %d characters", ErrInvalidInput, maxBioLength)
		}
		fields["bio"] = bio
	}
	if update.ProfileImageURL != nil {
		fields["profileImageUrl"] = strings.TrimSpace(*update.ProfileImageURL)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}

	if err := d.userRepo.Update(ctx, userID, fields); err != nil {
		return nil, mapUserUpdateError(err)
	}
	return d.CurrentUser(ctx)
}

// AddPostToUser records postID on the user's profile; repeated calls are no-ops
func (d *UserDirectory) AddPostToUser(ctx context.Context, userID, postID string) error {
	if err := d.userRepo.AddPostID(ctx, userID, postID); err != nil {
		return mapUserUpdateError(err)
	}
	return nil
}

// RemovePostFromUser drops postID from the user's profile; repeated calls are no-ops
func (d *UserDirectory) RemovePostFromUser(ctx context.Context, userID, postID string) error {
	if err := d.userRepo.RemovePostID(ctx, userID, postID); err != nil {
		return mapUserUpdateError(err)
	}
	return nil
}

// RegisterPushToken stores the device token of the current user
func (d *UserDirectory) RegisterPushToken(ctx context.Context, deviceToken string) error {
	userID := auth.IdentityID(ctx)
	if userID == "" {
		return ErrNotAuthenticated
	}

	if err := d.permissions.RequestPermission(ctx, userID, deviceToken); err != nil {
		if errors.Is(err, notify.ErrPermissionDenied) {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return err
	}
	if err := d.userRepo.UpdatePushToken(ctx, userID, &deviceToken); err != nil {
		return mapUserUpdateError(err)
	}
	return nil
}

// PushToken returns the registered device token of userID, or ""
func (d *UserDirectory) PushToken(ctx context.Context, userID string) (string, error) {
	return d.userRepo.PushToken(ctx, userID)
}

// SetReminderFrequency stores the current user's reminder delay in seconds
func (d *UserDirectory) SetReminderFrequency(ctx context.Context, seconds int) error {
	userID := auth.IdentityID(ctx)
	if userID == "" {
		return ErrNotAuthenticated
	}
	if !notify.ValidFrequency(seconds) {
		return fmt.Errorf("%w: unsupported reminder frequency %d", ErrInvalidInput, seconds)
	}
	if err := d.userRepo.Update(ctx, userID, docstore.Document{"reminderFrequency": seconds}); err != nil {
		return mapUserUpdateError(err)
	}
	return nil
}

// ReminderFrequency returns the reminder delay of userID, falling back to the default
func (d *UserDirectory) ReminderFrequency(ctx context.Context, userID string) time.Duration {
	user, err := d.userRepo.GetByID(ctx, userID)
	if err != nil || user == nil || user.ReminderFrequency == nil {
		return notify.DefaultFrequency
	}
	return time.Duration(*user.ReminderFrequency) * time.Second
}

// deleteProfile removes the profile and then the identity of userID
func (d *UserDirectory) deleteProfile(ctx context.Context, userID string) error {
	if err := d.userRepo.Delete(ctx, userID); err != nil {
		return err
	}
	if err := d.auth.DeleteIdentity(ctx, userID); err != nil && !errors.Is(err, auth.ErrIdentityNotFound) {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	return nil
}

func validateCoordinates(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude must be between -90 and 90", ErrInvalidInput)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude must be between -180 and 180", ErrInvalidInput)
	}
	return nil
}

func mapUserUpdateError(err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}
