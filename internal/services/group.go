package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matgo18/TheyMissYou/internal/docstore"
	"github.com/matgo18/TheyMissYou/internal/events"
	"github.com/matgo18/TheyMissYou/internal/metrics"
	"github.com/matgo18/TheyMissYou/internal/models"
	"github.com/matgo18/TheyMissYou/internal/repository"
	"github.com/rs/zerolog/log"
)

const (
	searchUnfilteredLimit = 50
	maxGroupNameLength    = 100
)

// GroupRegistry manages group membership and caches, per user, the groups
// they belong to and the users they share a group with
type GroupRegistry struct {
	groupRepo *repository.GroupRepository
	bus       *events.Bus

	mu         sync.RWMutex
	nextGen    uint64
	started    map[string]uint64
	userGroups map[string][]*models.Group
	shared     map[string]map[string]struct{}
}

// NewGroupRegistry creates a registry and subscribes it to bus. It must be
// created before any component that reads shared-group sets from bus events.
func NewGroupRegistry(groupRepo *repository.GroupRepository, bus *events.Bus) *GroupRegistry {
	r := &GroupRegistry{
		groupRepo:  groupRepo,
		bus:        bus,
		started:    make(map[string]uint64),
		userGroups: make(map[string][]*models.Group),
		shared:     make(map[string]map[string]struct{}),
	}
	bus.OnIdentityChanged(r.handleIdentityChanged)
	bus.OnMembershipChanged(r.handleMembershipChanged)
	return r
}

func (r *GroupRegistry) handleIdentityChanged(ctx context.Context, e events.IdentityChanged) {
	if !e.SignedIn {
		r.forget(e.UserID)
		return
	}
	if _, err := r.FetchUserGroups(ctx, e.UserID); err != nil {
		log.Warn().Err(err).Str("user_id", e.UserID).Msg("Failed to load groups after sign in")
	}
}

func (r *GroupRegistry) handleMembershipChanged(ctx context.Context, e events.MembershipChanged) {
	for _, userID := range e.Affected() {
		if _, err := r.UpdateUsersInSharedGroups(ctx, userID); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Str("group_id", e.GroupID).Msg("Failed to refresh shared group users")
		}
	}
}

// CreateGroup creates a group whose only member is its creator
func (r *GroupRegistry) CreateGroup(ctx context.Context, name, createdBy string) (*models.Group, error) {
	if createdBy == "" {
		return nil, ErrNotAuthenticated
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrInvalidInput)
	}
	if len(name) > maxGroupNameLength {
		return nil, fmt.Errorf("%w: group name is longer than %d characters", ErrInvalidInput, maxGroupNameLength)
	}

	group := &models.Group{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		MemberIDs: []string{createdBy},
	}
	if err := r.groupRepo.Create(ctx, group); err != nil {
		return nil, err
	}

	log.Info().Str("group_id", group.ID).Str("user_id", createdBy).Str("name", name).Msg("Group created")

	if _, err := r.FetchUserGroups(ctx, createdBy); err != nil {
		log.Warn().Err(err).Str("user_id", createdBy).Msg("Failed to refresh groups after create")
	}
	return group, nil
}

// GetGroup returns the group or ErrGroupNotFound
func (r *GroupRegistry) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	group, err := r.groupRepo.GetByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, ErrGroupNotFound
	}
	return group, nil
}

// JoinGroup adds userID to the group
func (r *GroupRegistry) JoinGroup(ctx context.Context, groupID, userID string) (*models.Group, error) {
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	group, err := r.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group.HasMember(userID) {
		return nil, ErrAlreadyMember
	}

	if err := r.groupRepo.AddMember(ctx, groupID, userID); err != nil {
		return nil, mapGroupUpdateError(err)
	}

	updated, err := r.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	log.Info().Str("group_id", groupID).Str("user_id", userID).Msg("User joined group")
	r.publishMembership(ctx, updated.ID, userID, events.MembershipJoined, updated.MemberIDs)
	return updated, nil
}

// LeaveGroup removes userID from the group. The group keeps its creator even
// after the creator leaves.
func (r *GroupRegistry) LeaveGroup(ctx context.Context, groupID, userID string) (*models.Group, error) {
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	group, err := r.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !group.HasMember(userID) {
		return nil, ErrNotMember
	}
	if group.CreatedBy == userID && len(group.MemberIDs) == 1 {
		return nil, ErrSoleCreatorCannotLeave
	}

	updated, err := r.removeMember(ctx, group, userID, false)
	if err != nil {
		return nil, err
	}

	log.Info().Str("group_id", groupID).Str("user_id", userID).Msg("User left group")
	r.publishMembership(ctx, updated.ID, userID, events.MembershipLeft, updated.MemberIDs)
	return updated, nil
}

func (r *GroupRegistry) removeMember(ctx context.Context, group *models.Group, userID string, handOver bool) (*models.Group, error) {
	if err := r.groupRepo.RemoveMember(ctx, group.ID, userID); err != nil {
		return nil, mapGroupUpdateError(err)
	}

	updated, err := r.GetGroup(ctx, group.ID)
	if err != nil {
		return nil, err
	}

	if handOver && updated.CreatedBy == userID && len(updated.MemberIDs) > 0 {
		heir := updated.MemberIDs[0]
		if err := r.groupRepo.UpdateCreator(ctx, updated.ID, heir); err != nil {
			return nil, mapGroupUpdateError(err)
		}
		updated.CreatedBy = heir
		log.Info().Str("group_id", updated.ID).Str("user_id", heir).Msg("Group ownership transferred")
	}
	return updated, nil
}

// DeleteGroup deletes the group; only its creator may do so
func (r *GroupRegistry) DeleteGroup(ctx context.Context, groupID, userID string) error {
	if userID == "" {
		return ErrNotAuthenticated
	}
	group, err := r.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.CreatedBy != userID {
		return ErrNotGroupCreator
	}

	if err := r.groupRepo.Delete(ctx, groupID); err != nil {
		return err
	}

	log.Info().Str("group_id", groupID).Str("user_id", userID).Msg("Group deleted")
	r.publishMembership(ctx, groupID, userID, events.MembershipDeleted, group.MemberIDs)
	return nil
}

// RemoveUserFromAllGroups drops userID from every group. Groups left without
// members are deleted and owned groups pass to the earliest remaining member.
func (r *GroupRegistry) RemoveUserFromAllGroups(ctx context.Context, userID string) error {
	groups, err := r.groupRepo.GetByMember(ctx, userID)
	if err != nil {
		return err
	}

	for _, group := range groups {
		if len(group.MemberIDs) == 1 {
			if err := r.groupRepo.Delete(ctx, group.ID); err != nil {
				return err
			}
			log.Info().Str("group_id", group.ID).Str("user_id", userID).Msg("Group deleted with its last member")
			r.publishMembership(ctx, group.ID, userID, events.MembershipDeleted, group.MemberIDs)
			continue
		}

		updated, err := r.removeMember(ctx, group, userID, true)
		if err != nil {
			if errors.Is(err, ErrGroupNotFound) {
				continue
			}
			return err
		}
		r.publishMembership(ctx, updated.ID, userID, events.MembershipLeft, updated.MemberIDs)
	}
	return nil
}

func (r *GroupRegistry) publishMembership(ctx context.Context, groupID, userID string, kind events.MembershipKind, members []string) {
	metrics.RecordMembershipChange(string(kind))
	r.bus.Publish(ctx, events.MembershipChanged{
		GroupID: groupID,
		UserID:  userID,
		Kind:    kind,
		Members: append([]string(nil), members...),
	})
}

// FetchUserGroups loads the groups of userID, newest first, and refreshes the
// user's shared-group set from the same result
func (r *GroupRegistry) FetchUserGroups(ctx context.Context, userID string) ([]*models.Group, error) {
	groups, _, err := r.refresh(ctx, userID)
	return groups, err
}

// UpdateUsersInSharedGroups recomputes the users sharing a group with userID
// and returns the resulting set, excluding userID itself
func (r *GroupRegistry) UpdateUsersInSharedGroups(ctx context.Context, userID string) ([]string, error) {
	_, shared, err := r.refresh(ctx, userID)
	return shared, err
}

// refresh queries the user's groups and stores the result unless a refresh
// started later has already been applied or is still in flight
func (r *GroupRegistry) refresh(ctx context.Context, userID string) ([]*models.Group, []string, error) {
	r.mu.Lock()
	r.nextGen++
	gen := r.nextGen
	r.started[userID] = gen
	r.mu.Unlock()

	groups, err := r.groupRepo.GetByMember(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch user groups: %w", err)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].CreatedAt.Equal(groups[j].CreatedAt) {
			return groups[i].ID < groups[j].ID
		}
		return groups[i].CreatedAt.After(groups[j].CreatedAt)
	})

	shared := make(map[string]struct{})
	for _, g := range groups {
		for _, member := range g.MemberIDs {
			if member != userID {
				shared[member] = struct{}{}
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started[userID] != gen {
		metrics.RecordStaleResult("groups")
		log.Debug().Str("user_id", userID).Msg("Discarding superseded group refresh")
		return cloneGroups(r.userGroups[userID]), sortedKeys(r.shared[userID]), nil
	}

	r.userGroups[userID] = groups
	r.shared[userID] = shared
	return cloneGroups(groups), sortedKeys(shared), nil
}

func (r *GroupRegistry) forget(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.userGroups, userID)
	delete(r.shared, userID)
	// an in-flight refresh must not repopulate the cache
	r.nextGen++
	r.started[userID] = r.nextGen
}

// UserGroups returns the cached groups of userID
func (r *GroupRegistry) UserGroups(userID string) []*models.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneGroups(r.userGroups[userID])
}

// SharedGroupUsers returns the cached users sharing a group with userID
func (r *GroupRegistry) SharedGroupUsers(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.shared[userID])
}

// IsUserInSharedGroup reports whether candidate shares a group with
// currentUser according to the last refresh. A user always shares with itself.
func (r *GroupRegistry) IsUserInSharedGroup(candidate, currentUser string) bool {
	if candidate == currentUser {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.shared[currentUser][candidate]
	return ok
}

// CanSee reports whether currentUser may see content owned by candidate. The
// cached shared set is refreshed once before answering no.
func (r *GroupRegistry) CanSee(ctx context.Context, candidate, currentUser string) (bool, error) {
	if r.IsUserInSharedGroup(candidate, currentUser) {
		return true, nil
	}
	if _, err := r.UpdateUsersInSharedGroups(ctx, currentUser); err != nil {
		return false, err
	}
	return r.IsUserInSharedGroup(candidate, currentUser), nil
}

// SearchGroups returns up to 50 groups for an empty query, otherwise every
// group whose name contains query case-insensitively, sorted by name
func (r *GroupRegistry) SearchGroups(ctx context.Context, query string) ([]*models.Group, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return r.groupRepo.List(ctx, searchUnfilteredLimit)
	}

	all, err := r.groupRepo.List(ctx, 0)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	matches := make([]*models.Group, 0)
	for _, g := range all {
		if strings.Contains(strings.ToLower(g.Name), needle) {
			matches = append(matches, g)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Name == matches[j].Name {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Name < matches[j].Name
	})
	return matches, nil
}

func mapGroupUpdateError(err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrGroupNotFound
	}
	return err
}

func cloneGroups(groups []*models.Group) []*models.Group {
	out := make([]*models.Group, 0, len(groups))
	for _, g := range groups {
		clone := *g
		clone.MemberIDs = append([]string(nil), g.MemberIDs...)
		out = append(out, &clone)
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
