package repository

import (
	"context"
	"fmt"

	"github.com/matgo18/TheyMissYou/internal/docstore"
	"github.com/matgo18/TheyMissYou/internal/models"
)

const postsCollection = "posts"

// PostRepository handles store operations for posts
type PostRepository struct {
	store docstore.Store
}

// NewPostRepository creates a new post repository
func NewPostRepository(store docstore.Store) *PostRepository {
	return &PostRepository{store: store}
}

// Create creates a new post
func (r *PostRepository) Create(ctx context.Context, post *models.Post) error {
	doc, err := post.ToRecord()
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, postsCollection, post.ID, doc); err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}

// GetByID retrieves a post by ID; nil when absent
func (r *PostRepository) GetByID(ctx context.Context, id string) (*models.Post, error) {
	doc, err := r.store.Get(ctx, postsCollection, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	return models.PostFromRecord(doc)
}

// GetByImageFilename retrieves the post showing filename; nil when absent
func (r *PostRepository) GetByImageFilename(ctx context.Context, filename string) (*models.Post, error) {
	docs, err := r.store.Query(ctx, postsCollection, docstore.Where("imageFilename", docstore.OpEqual, filename))
	if err != nil {
		return nil, fmt.Errorf("failed to get post by image: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return models.PostFromRecord(docs[0])
}

// GetByAuthors retrieves every post written by one of userIDs
func (r *PostRepository) GetByAuthors(ctx context.Context, userIDs []string) ([]*models.Post, error) {
	docs, err := r.store.Query(ctx, postsCollection, authorsQuery(userIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to get posts: %w", err)
	}
	return DecodePosts(docs)
}

// SubscribeByAuthors delivers the post set of userIDs after every change to it
func (r *PostRepository) SubscribeByAuthors(ctx context.Context, userIDs []string, fn docstore.SnapshotFunc) (docstore.Subscription, error) {
	sub, err := r.store.Subscribe(ctx, postsCollection, authorsQuery(userIDs), fn)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to posts: %w", err)
	}
	return sub, nil
}

// IncrementLikes atomically adds one like
func (r *PostRepository) IncrementLikes(ctx context.Context, id string) error {
	if err := r.store.Update(ctx, postsCollection, id, docstore.Document{"likes": docstore.Increment(1)}); err != nil {
		return fmt.Errorf("failed to like post: %w", err)
	}
	return nil
}

// Delete deletes a post by ID
func (r *PostRepository) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, postsCollection, id); err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}

func authorsQuery(userIDs []string) docstore.Query {
	return docstore.Where("userId", docstore.OpIn, userIDs)
}

// DecodePosts converts store documents into posts
func DecodePosts(docs []docstore.Document) ([]*models.Post, error) {
	posts := make([]*models.Post, 0, len(docs))
	for _, doc := range docs {
		post, err := models.PostFromRecord(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to decode post: %w", err)
		}
		posts = append(posts, post)
	}
	return posts, nil
}
