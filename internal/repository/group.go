package repository

import (
	"context"
	"fmt"

	"github.com/matgo18/TheyMissYou/internal/docstore"
	"github.com/matgo18/TheyMissYou/internal/models"
)

const groupsCollection = "groups"

// GroupRepository handles store operations for groups
type GroupRepository struct {
	store docstore.Store
}

// NewGroupRepository creates a new group repository
func NewGroupRepository(store docstore.Store) *GroupRepository {
	return &GroupRepository{store: store}
}

// Create creates a new group
func (r *GroupRepository) Create(ctx context.Context, group *models.Group) error {
	doc, err := group.ToRecord()
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, groupsCollection, group.ID, doc); err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	return nil
}

// GetByID retrieves a group by ID; nil when absent
func (r *GroupRepository) GetByID(ctx context.Context, id string) (*models.Group, error) {
	doc, err := r.store.Get(ctx, groupsCollection, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	return models.GroupFromRecord(doc)
}

// GetByMember retrieves every group whose members include userID
func (r *GroupRepository) GetByMember(ctx context.Context, userID string) ([]*models.Group, error) {
	docs, err := r.store.Query(ctx, groupsCollection, docstore.Where("memberIds", docstore.OpArrayContains, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get groups by member: %w", err)
	}
	return decodeGroups(docs)
}

// List retrieves up to limit groups; limit 0 returns all
func (r *GroupRepository) List(ctx context.Context, limit int) ([]*models.Group, error) {
	docs, err := r.store.Query(ctx, groupsCollection, docstore.Query{}.WithLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return decodeGroups(docs)
}

// AddMember adds userID to the member set
func (r *GroupRepository) AddMember(ctx context.Context, groupID, userID string) error {
	err := r.store.Update(ctx, groupsCollection, groupID, docstore.Document{"memberIds": docstore.ArrayUnion(userID)})
	if err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}
	return nil
}

// RemoveMember removes userID from the member set
func (r *GroupRepository) RemoveMember(ctx context.Context, groupID, userID string) error {
	err := r.store.Update(ctx, groupsCollection, groupID, docstore.Document{"memberIds": docstore.ArrayRemove(userID)})
	if err != nil {
		return fmt.Errorf("failed to remove group member: %w", err)
	}
	return nil
}

// UpdateCreator transfers group ownership to userID
func (r *GroupRepository) UpdateCreator(ctx context.Context, groupID, userID string) error {
	if err := r.store.Update(ctx, groupsCollection, groupID, docstore.Document{"createdBy": userID}); err != nil {
		return fmt.Errorf("failed to update group creator: %w", err)
	}
	return nil
}

// Delete deletes a group by ID
func (r *GroupRepository) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, groupsCollection, id); err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	return nil
}

func decodeGroups(docs []docstore.Document) ([]*models.Group, error) {
	groups := make([]*models.Group, 0, len(docs))
	for _, doc := range docs {
		group, err := models.GroupFromRecord(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to decode group: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, nil
}
