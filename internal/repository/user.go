package repository

import (
	"context"
	"fmt"

	"github.com/matgo18/TheyMissYou/internal/docstore"
	"github.com/matgo18/TheyMissYou/internal/models"
)

const usersCollection = "users"

// UserRepository handles store operations for user profiles
type UserRepository struct {
	store docstore.Store
}

// NewUserRepository creates a new user repository
func NewUserRepository(store docstore.Store) *UserRepository {
	return &UserRepository{store: store}
}

// Create writes a new profile keyed by the user id
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	doc, err := user.ToRecord()
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, usersCollection, user.ID, doc); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by ID; nil when absent
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	doc, err := r.store.Get(ctx, usersCollection, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	return models.UserFromRecord(doc)
}

// GetByIDs retrieves the existing users among ids
func (r *UserRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	docs, err := r.store.Query(ctx, usersCollection, docstore.Where("id", docstore.OpIn, ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	return decodeUsers(docs)
}

// GetByUsername retrieves every user holding username
func (r *UserRepository) GetByUsername(ctx context.Context, username string) ([]*models.User, error) {
	docs, err := r.store.Query(ctx, usersCollection, docstore.Where("username", docstore.OpEqual, username))
	if err != nil {
		return nil, fmt.Errorf("failed to get users by username: %w", err)
	}
	return decodeUsers(docs)
}

// UsernameExists checks if a username is already taken
func (r *UserRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	docs, err := r.store.Query(ctx, usersCollection,
		docstore.Where("username", docstore.OpEqual, username).WithLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check username existence: %w", err)
	}
	return len(docs) > 0, nil
}

// Update merges fields into the user's profile
func (r *UserRepository) Update(ctx context.Context, userID string, fields docstore.Document) error {
	if err := r.store.Update(ctx, usersCollection, userID, fields); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// UpdateLocation sets the user's coordinates
func (r *UserRepository) UpdateLocation(ctx context.Context, userID string, lat, lon float64) error {
	return r.Update(ctx, userID, docstore.Document{"latitude": lat, "longitude": lon})
}

// UpdatePushToken updates the push token for a user
func (r *UserRepository) UpdatePushToken(ctx context.Context, userID string, pushToken *string) error {
	return r.Update(ctx, userID, docstore.Document{"pushToken": pushToken})
}

// PushToken returns the registered device token of userID, or "" when the
// user or token does not exist
func (r *UserRepository) PushToken(ctx context.Context, userID string) (string, error) {
	user, err := r.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if user == nil || user.PushToken == nil {
		return "", nil
	}
	return *user.PushToken, nil
}

// AddPostID adds postID to the user's post list if missing
func (r *UserRepository) AddPostID(ctx context.Context, userID, postID string) error {
	return r.Update(ctx, userID, docstore.Document{"postIds": docstore.ArrayUnion(postID)})
}

// RemovePostID removes postID from the user's post list
func (r *UserRepository) RemovePostID(ctx context.Context, userID, postID string) error {
	return r.Update(ctx, userID, docstore.Document{"postIds": docstore.ArrayRemove(postID)})
}

// Delete removes a user profile
func (r *UserRepository) Delete(ctx context.Context, userID string) error {
	if err := r.store.Delete(ctx, usersCollection, userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func decodeUsers(docs []docstore.Document) ([]*models.User, error) {
	users := make([]*models.User, 0, len(docs))
	for _, doc := range docs {
		user, err := models.UserFromRecord(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to decode user: %w", err)
		}
		users = append(users, user)
	}
	return users, nil
}
