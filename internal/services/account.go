package services

import (
	"context"
	"fmt"

	"github.com/matgo18/TheyMissYou/internal/auth"
	"github.com/rs/zerolog/log"
)

// AccountService deletes accounts across users, groups and posts
type AccountService struct {
	users  *UserDirectory
	groups *GroupRegistry
	posts  *PostService
}

// NewAccountService creates a new account service
func NewAccountService(users *UserDirectory, groups *GroupRegistry, posts *PostService) *AccountService {
	return &AccountService{
		users:  users,
		groups: groups,
		posts:  posts,
	}
}

// DeleteAccount removes the current user's posts and images, takes them out of
// every group and then deletes the profile and identity. Groups where the
// user was the only member are deleted.
func (s *AccountService) DeleteAccount(ctx context.Context) error {
	userID := auth.IdentityID(ctx)
	if userID == "" {
		return ErrNotAuthenticated
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}

	if err := s.posts.DeleteUserPosts(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete posts: %w", err)
	}
	if err := s.groups.RemoveUserFromAllGroups(ctx, userID); err != nil {
		return fmt.Errorf("failed to leave groups: %w", err)
	}
	if err := s.users.deleteProfile(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}

	log.Info().Str("user_id", userID).Str("username", user.Username).Msg("Account deleted")
	return nil
}
