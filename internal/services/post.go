package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matgo18/TheyMissYou/internal/auth"
	"github.com/matgo18/TheyMissYou/internal/docstore"
	"github.com/matgo18/TheyMissYou/internal/media"
	"github.com/matgo18/TheyMissYou/internal/models"
	"github.com/matgo18/TheyMissYou/internal/repository"
	"github.com/rs/zerolog/log"
)

const maxCaptionLength = 2000

// PostService handles post-related business logic
type PostService struct {
	postRepo *repository.PostRepository
	users    *UserDirectory
	media    *media.Cache
}

// NewPostService creates a new post service
func NewPostService(postRepo *repository.PostRepository, users *UserDirectory, cache *media.Cache) *PostService {
	return &PostService{
		postRepo: postRepo,
		users:    users,
		media:    cache,
	}
}

// CreatePost stores img and shares it with caption as the current user
func (s *PostService) CreatePost(ctx context.Context, img image.Image, caption string) (*models.Post, error) {
	userID := auth.IdentityID(ctx)
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	if img == nil {
		return nil, fmt.Errorf("%w: image is required", ErrInvalidInput)
	}
	caption = strings.TrimSpace(caption)
	if len(caption) > maxCaptionLength {
		return nil, fmt.Errorf("%w: caption is longer than %d characters", ErrInvalidInput, maxCaptionLength)
	}

	filename, err := s.media.Save(ctx, img)
	if err != nil {
		return nil, err
	}

	post := &models.Post{
		ID:            uuid.New().String(),
		UserID:        userID,
		ImageFilename: filename,
		Caption:       caption,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.postRepo.Create(ctx, post); err != nil {
		s.media.Delete(ctx, filename)
		return nil, err
	}

	if err := s.users.AddPostToUser(ctx, userID, post.ID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("post_id", post.ID).Msg("Failed to record post on profile")
	}

	log.Info().Str("user_id", userID).Str("post_id", post.ID).Str("image", filename).Msg("Post created")
	return post, nil
}

// GetPost returns the post or ErrPostNotFound
func (s *PostService) GetPost(ctx context.Context, postID string) (*models.Post, error) {
	post, err := s.postRepo.GetByID(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, ErrPostNotFound
	}
	return post, nil
}

// GetPostByImage returns the post showing filename or ErrPostNotFound
func (s *PostService) GetPostByImage(ctx context.Context, filename string) (*models.Post, error) {
	post, err := s.postRepo.GetByImageFilename(ctx, filename)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, ErrPostNotFound
	}
	return post, nil
}

// LikePost adds one like to the post
func (s *PostService) LikePost(ctx context.Context, postID string) (*models.Post, error) {
	if auth.IdentityID(ctx) == "" {
		return nil, ErrNotAuthenticated
	}
	if err := s.postRepo.IncrementLikes(ctx, postID); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrPostNotFound
		}
		return nil, err
	}
	return s.GetPost(ctx, postID)
}

// DeletePost removes a post owned by the current user
func (s *PostService) DeletePost(ctx context.Context, postID string) error {
	userID := auth.IdentityID(ctx)
	if userID == "" {
		return ErrNotAuthenticated
	}

	post, err := s.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.UserID != userID {
		return ErrNotPostOwner
	}

	return s.deletePost(ctx, post)
}

// DeleteUserPosts removes every post authored by userID together with its image
func (s *PostService) DeleteUserPosts(ctx context.Context, userID string) error {
	posts, err := s.postRepo.GetByAuthors(ctx, []string{userID})
	if err != nil {
		return err
	}
	for _, post := range posts {
		if err := s.deletePost(ctx, post); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostService) deletePost(ctx context.Context, post *models.Post) error {
	if err := s.postRepo.Delete(ctx, post.ID); err != nil {
		return err
	}
	s.media.Delete(ctx, post.ImageFilename)

	if err := s.users.RemovePostFromUser(ctx, post.UserID, post.ID); err != nil && !errors.Is(err, ErrUserNotFound) {
		log.Warn().Err(err).Str("user_id", post.UserID).Str("post_id", post.ID).Msg("Failed to drop post from profile")
	}

	log.Info().Str("user_id", post.UserID).Str("post_id", post.ID).Msg("Post deleted")
	return nil
}
