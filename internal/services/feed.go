package services

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matgo18/TheyMissYou/internal/docstore"
	"github.com/matgo18/TheyMissYou/internal/events"
	"github.com/matgo18/TheyMissYou/internal/metrics"
	"github.com/matgo18/TheyMissYou/internal/models"
	"github.com/matgo18/TheyMissYou/internal/repository"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// usernameLookups bounds concurrent profile reads while composing a feed
const usernameLookups = 8

// FeedStatus is the lifecycle stage of a feed
type FeedStatus string

const (
	FeedIdle    FeedStatus = "idle"
	FeedLoading FeedStatus = "loading"
	FeedLive    FeedStatus = "live"
	// FeedFailed means the last load failed; Refresh retries it
	FeedFailed FeedStatus = "failed"
)

// FeedState is the published view of a user's feed
type FeedState struct {
	Status    FeedStatus     `json:"status"`
	Posts     []*models.Post `json:"posts"`
	Error     string         `json:"error,omitempty"`
	Version   uint64         `json:"version"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// FeedComposer keeps, for every open feed, the posts written by the user and
// by everyone sharing a group with them, live through a store subscription
type FeedComposer struct {
	postRepo *repository.PostRepository
	users    *UserDirectory
	groups   *GroupRegistry

	mu    sync.Mutex
	feeds map[string]*feed
}

type feed struct {
	userID string
	refs   int

	// gen identifies the current load; results carrying an older gen are dropped
	gen          uint64
	snapshotSeen bool
	cancel       context.CancelFunc

	state       FeedState
	watchers    map[uint64]*feedWatcher
	nextWatcher uint64
}

type feedWatcher struct {
	mu      sync.Mutex
	last    uint64
	fn      func(FeedState)
	removed atomic.Bool
}

// NewFeedComposer creates a composer and subscribes it to bus. Create the
// GroupRegistry first so shared-group sets are fresh when feeds reload.
func NewFeedComposer(
	postRepo *repository.PostRepository,
	users *UserDirectory,
	groups *GroupRegistry,
	bus *events.Bus,
) *FeedComposer {
	c := &FeedComposer{
		postRepo: postRepo,
		users:    users,
		groups:   groups,
		feeds:    make(map[string]*feed),
	}
	bus.OnIdentityChanged(c.handleIdentityChanged)
	bus.OnMembershipChanged(c.handleMembershipChanged)
	return c
}

func (c *FeedComposer) handleIdentityChanged(ctx context.Context, e events.IdentityChanged) {
	if !e.SignedIn {
		c.shutdown(e.UserID)
	}
}

func (c *FeedComposer) handleMembershipChanged(ctx context.Context, e events.MembershipChanged) {
	for _, userID := range e.Affected() {
		if c.isOpen(userID) {
			c.load(ctx, userID, "membership")
		}
	}
}

// Open starts the feed of userID, or adds a reference to an open one, and
// returns its state. Every Open must be paired with a Close.
func (c *FeedComposer) Open(ctx context.Context, userID string) FeedState {
	c.mu.Lock()
	f, ok := c.feeds[userID]
	if ok {
		f.refs++
		state := f.state
		c.mu.Unlock()
		return state
	}

	f = &feed{
		userID:   userID,
		refs:     1,
		state:    FeedState{Status: FeedIdle, Posts: []*models.Post{}},
		watchers: make(map[uint64]*feedWatcher),
	}
	c.feeds[userID] = f
	c.mu.Unlock()

	metrics.FeedOpened()
	log.Debug().Str("user_id", userID).Msg("Feed opened")

	if _, err := c.groups.UpdateUsersInSharedGroups(ctx, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to refresh shared group users before feed load")
	}
	c.load(ctx, userID, "open")
	return c.mustState(userID)
}

// Close releases one reference; the last Close stops the subscription
func (c *FeedComposer) Close(userID string) {
	c.mu.Lock()
	f, ok := c.feeds[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	f.refs--
	if f.refs > 0 {
		c.mu.Unlock()
		return
	}
	c.removeLocked(f)
	c.mu.Unlock()

	log.Debug().Str("user_id", userID).Msg("Feed closed")
}

// shutdown closes the feed regardless of outstanding references
func (c *FeedComposer) shutdown(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.feeds[userID]; ok {
		c.removeLocked(f)
	}
}

func (c *FeedComposer) removeLocked(f *feed) {
	if f.cancel != nil {
		f.cancel()
	}
	f.gen++
	for id, w := range f.watchers {
		w.removed.Store(true)
		delete(f.watchers, id)
	}
	delete(c.feeds, f.userID)
	metrics.FeedClosed()
}

// Refresh reloads an open feed from scratch; it is the retry path after a failure
func (c *FeedComposer) Refresh(ctx context.Context, userID string) (FeedState, error) {
	if !c.isOpen(userID) {
		return FeedState{}, ErrFeedNotOpen
	}
	if _, err := c.groups.UpdateUsersInSharedGroups(ctx, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to refresh shared group users before feed reload")
	}
	c.load(ctx, userID, "refresh")
	return c.mustState(userID), nil
}

// State returns the current state of the feed of userID
func (c *FeedComposer) State(userID string) (FeedState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.feeds[userID]
	if !ok {
		return FeedState{Status: FeedIdle, Posts: []*models.Post{}}, false
	}
	return f.state, true
}

func (c *FeedComposer) mustState(userID string) FeedState {
	state, _ := c.State(userID)
	return state
}

func (c *FeedComposer) isOpen(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.feeds[userID]
	return ok
}

// Watch calls fn with the current state of the open feed of userID and then
// with every state published after it. States reach fn in version order; the
// returned func stops the watch.
func (c *FeedComposer) Watch(userID string, fn func(FeedState)) (func(), error) {
	c.mu.Lock()
	f, ok := c.feeds[userID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrFeedNotOpen
	}
	f.nextWatcher++
	id := f.nextWatcher
	w := &feedWatcher{fn: fn}
	f.watchers[id] = w
	current := pendingNotification{watchers: []*feedWatcher{w}, state: f.state}
	c.mu.Unlock()

	notifyWatchers(current)

	return func() {
		w.removed.Store(true)
		c.mu.Lock()
		delete(f.watchers, id)
		c.mu.Unlock()
	}, nil
}

// VisiblePosts composes the feed of userID once, without subscribing
func (c *FeedComposer) VisiblePosts(ctx context.Context, userID string) ([]*models.Post, error) {
	if _, err := c.groups.UpdateUsersInSharedGroups(ctx, userID); err != nil {
		return nil, err
	}
	posts, err := c.postRepo.GetByAuthors(ctx, c.relevantUserIDs(userID))
	if err != nil {
		return nil, err
	}
	return c.compose(ctx, posts), nil
}

// relevantUserIDs is the shared-group set plus the user, so never empty
func (c *FeedComposer) relevantUserIDs(userID string) []string {
	ids := c.groups.SharedGroupUsers(userID)
	ids = append(ids, userID)
	sort.Strings(ids)
	return ids
}

// load starts a new generation of the feed: subscribe, query, compose, publish
func (c *FeedComposer) load(ctx context.Context, userID, trigger string) {
	c.mu.Lock()
	f, ok := c.feeds[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if f.cancel != nil {
		f.cancel()
	}
	f.gen++
	gen := f.gen
	f.snapshotSeen = false
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	pending := c.publishLocked(f, FeedState{Status: FeedLoading, Posts: f.state.Posts})
	c.mu.Unlock()
	notifyWatchers(pending)

	ids := c.relevantUserIDs(userID)

	_, err := c.postRepo.SubscribeByAuthors(loadCtx, ids, func(docs []docstore.Document, err error) {
		c.onSnapshot(loadCtx, f, gen, docs, err)
	})
	if err != nil {
		c.fail(f, gen, trigger, err)
		return
	}

	start := time.Now()
	posts, err := c.postRepo.GetByAuthors(loadCtx, ids)
	if err != nil {
		metrics.RecordFeedReload(trigger, time.Since(start), err)
		c.fail(f, gen, trigger, err)
		return
	}
	composed := c.compose(loadCtx, posts)
	metrics.RecordFeedReload(trigger, time.Since(start), nil)

	c.mu.Lock()
	if f.gen != gen {
		c.mu.Unlock()
		metrics.RecordStaleResult("feed")
		return
	}
	if f.snapshotSeen {
		// a snapshot delivered during the query is at least as recent
		c.mu.Unlock()
		return
	}
	pending = c.publishLocked(f, FeedState{Status: FeedLive, Posts: composed})
	c.mu.Unlock()
	notifyWatchers(pending)

	log.Debug().Str("user_id", userID).Str("trigger", trigger).Int("posts", len(composed)).Msg("Feed loaded")
}

func (c *FeedComposer) onSnapshot(ctx context.Context, f *feed, gen uint64, docs []docstore.Document, err error) {
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.fail(f, gen, "snapshot", err)
		return
	}

	start := time.Now()
	posts, err := repository.DecodePosts(docs)
	if err != nil {
		metrics.RecordFeedReload("snapshot", time.Since(start), err)
		c.fail(f, gen, "snapshot", err)
		return
	}
	composed := c.compose(ctx, posts)
	metrics.RecordFeedReload("snapshot", time.Since(start), nil)

	c.mu.Lock()
	if f.gen != gen {
		c.mu.Unlock()
		metrics.RecordStaleResult("feed")
		return
	}
	f.snapshotSeen = true
	pending := c.publishLocked(f, FeedState{Status: FeedLive, Posts: composed})
	c.mu.Unlock()
	notifyWatchers(pending)
}

func (c *FeedComposer) fail(f *feed, gen uint64, trigger string, err error) {
	log.Warn().Err(err).Str("user_id", f.userID).Str("trigger", trigger).Msg("Feed load failed")

	c.mu.Lock()
	if f.gen != gen {
		c.mu.Unlock()
		return
	}
	pending := c.publishLocked(f, FeedState{Status: FeedFailed, Posts: f.state.Posts, Error: err.Error()})
	c.mu.Unlock()
	notifyWatchers(pending)
}

// compose fills usernames and sorts newest first. Missing or unreadable
// profiles leave the username empty.
func (c *FeedComposer) compose(ctx context.Context, posts []*models.Post) []*models.Post {
	authorIDs := make([]string, 0)
	seen := make(map[string]struct{})
	for _, p := range posts {
		if _, ok := seen[p.UserID]; !ok {
			seen[p.UserID] = struct{}{}
			authorIDs = append(authorIDs, p.UserID)
		}
	}

	var mu sync.Mutex
	usernames := make(map[string]string, len(authorIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(usernameLookups)
	for _, userID := range authorIDs {
		g.Go(func() error {
			user, err := c.users.GetUser(gctx, userID)
			if err != nil {
				log.Debug().Err(err).Str("user_id", userID).Msg("Failed to resolve username")
				return nil
			}
			if user != nil {
				mu.Lock()
				usernames[userID] = user.Username
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range posts {
		p.Username = usernames[p.UserID]
	}
	sort.SliceStable(posts, func(i, j int) bool {
		if posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].ID < posts[j].ID
		}
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
	return posts
}

type pendingNotification struct {
	watchers []*feedWatcher
	state    FeedState
}

func (c *FeedComposer) publishLocked(f *feed, state FeedState) pendingNotification {
	if state.Posts == nil {
		state.Posts = []*models.Post{}
	}
	state.Version = f.state.Version + 1
	state.UpdatedAt = time.Now().UTC()
	f.state = state

	watchers := make([]*feedWatcher, 0, len(f.watchers))
	for _, w := range f.watchers {
		watchers = append(watchers, w)
	}
	return pendingNotification{watchers: watchers, state: state}
}

func notifyWatchers(p pendingNotification) {
	for _, w := range p.watchers {
		w.mu.Lock()
		if !w.removed.Load() && p.state.Version > w.last {
			w.last = p.state.Version
			w.fn(p.state)
		}
		w.mu.Unlock()
	}
}
