package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matgo18/TheyMissYou/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedComposer_OwnPostsAreAlwaysVisible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice").User.ID

	state := env.feeds.Open(ctx, alice)
	defer env.feeds.Close(alice)
	assert.Equal(t, FeedLive, state.Status)
	assert.Empty(t, state.Posts)

	env.post(t, alice, "hello")

	state, ok := env.feeds.State(alice)
	require.True(t, ok)
	assert.Equal(t, FeedLive, state.Status)
	require.Len(t, state.Posts, 1)
	assert.Equal(t, "hello", state.Posts[0].Caption)
	assert.Equal(t, "alice", state.Posts[0].Username)
}

func TestFeedComposer_MembershipChangesReshapeTheFeed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice").User.ID
	bob := env.register(t, "bob").User.ID
	carol := env.register(t, "carol").User.ID

	g1, err := env.groups.CreateGroup(ctx, "G1", alice)
	require.NoError(t, err)

	env.post(t, bob, "bob before joining")
	env.post(t, carol, "carol is a stranger")

	state := env.feeds.Open(ctx, alice)
	defer env.feeds.Close(alice)
	assert.Empty(t, state.Posts)

	_, err = env.groups.JoinGroup(ctx, g1.ID, bob)
	require.NoError(t, err)

	state, _ = env.feeds.State(alice)
	assert.Equal(t, FeedLive, state.Status)
	require.Equal(t, []string{"bob before joining"}, captions(state.Posts))
	assert.Equal(t, "bob", state.Posts[0].Username)

	time.Sleep(2 * time.Millisecond)
	env.post(t, bob, "bob after joining")

	state, _ = env.feeds.State(alice)
	assert.Equal(t, []string{"bob after joining", "bob before joining"}, captions(state.Posts))

	_, err = env.groups.LeaveGroup(ctx, g1.ID, bob)
	require.NoError(t, err)

	state, _ = env.feeds.State(alice)
	assert.Empty(t, state.Posts)
}

func TestFeedComposer_SortsNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice").User.ID

	for _, caption := range []string{"one", "two", "three"} {
		env.post(t, alice, caption)
		time.Sleep(2 * time.Millisecond)
	}

	posts, err := env.feeds.VisiblePosts(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "two", "one"}, captions(posts))
	for _, p := range posts {
		assert.Equal(t, "alice", p.Username)
	}

	_, ok := env.feeds.State(alice)
	assert.False(t, ok)
}

func TestFeedComposer_WatchDeliversStatesInOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice").User.ID

	env.feeds.Open(ctx, alice)
	defer env.feeds.Close(alice)

	var mu sync.Mutex
	var states []FeedState
	stop, err := env.feeds.Watch(alice, func(s FeedState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	require.NoError(t, err)

	env.post(t, alice, "first")
	_, err = env.feeds.Refresh(ctx, alice)
	require.NoError(t, err)

	stop()
	env.post(t, alice, "unseen")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, states, 4)
	assert.Equal(t, []FeedStatus{FeedLive, FeedLive, FeedLoading, FeedLive},
		[]FeedStatus{states[0].Status, states[1].Status, states[2].Status, states[3].Status})
	for i := 1; i < len(states); i++ {
		assert.Greater(t, states[i].Version, states[i-1].Version)
	}
	assert.Equal(t, []string{"first"}, captions(states[3].Posts))
}

func TestFeedComposer_OpenIsReferenceCounted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice").User.ID

	_, err := env.feeds.Refresh(ctx, alice)
	assert.ErrorIs(t, err, ErrFeedNotOpen)
	_, err = env.feeds.Watch(alice, func(FeedState) {})
	assert.ErrorIs(t, err, ErrFeedNotOpen)

	env.feeds.Open(ctx, alice)
	env.feeds.Open(ctx, alice)

	env.feeds.Close(alice)
	_, ok := env.feeds.State(alice)
	assert.True(t, ok)

	env.feeds.Close(alice)
	state, ok := env.feeds.State(alice)
	assert.False(t, ok)
	assert.Equal(t, FeedIdle, state.Status)
}

func TestFeedComposer_SignOutClosesFeed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice")

	env.feeds.Open(ctx, alice.User.ID)
	require.NoError(t, env.users.SignOut(ctx, alice.Token))

	_, ok := env.feeds.State(alice.User.ID)
	assert.False(t, ok)
}

func TestFeedComposer_StaleLoadDoesNotOverwrite(t *testing.T) {
	store := newHoldingStore()
	env := newTestEnvWithStore(t, store)
	ctx := context.Background()
	alice := env.register(t, "alice").User.ID

	env.feeds.Open(ctx, alice)
	defer env.feeds.Close(alice)

	// the first reload reads an empty feed and stalls
	store.hold("posts", 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = env.feeds.Refresh(ctx, alice)
	}()
	store.waitHeld(t, 1)

	_, err := env.feeds.Refresh(ctx, alice)
	require.NoError(t, err)
	env.post(t, alice, "fresh")

	store.release()
	<-done

	state, _ := env.feeds.State(alice)
	assert.Equal(t, FeedLive, state.Status)
	assert.Equal(t, []string{"fresh"}, captions(state.Posts))
}

// failingStore fails queries on posts while failing is set
type failingStore struct {
	docstore.Store
	failing atomic.Bool
}

func (s *failingStore) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	if collection == "posts" && s.failing.Load() {
		return nil, errors.New("backend unavailable")
	}
	return s.Store.Query(ctx, collection, q)
}

func TestFeedComposer_FailureIsPublishedAndRetried(t *testing.T) {
	store := &failingStore{Store: docstore.NewMemoryStore()}
	env := newTestEnvWithStore(t, store)
	ctx := context.Background()
	alice := env.register(t, "alice").User.ID

	store.failing.Store(true)
	state := env.feeds.Open(ctx, alice)
	defer env.feeds.Close(alice)
	assert.Equal(t, FeedFailed, state.Status)
	assert.Contains(t, state.Error, "backend unavailable")

	store.failing.Store(false)
	env.post(t, alice, "recovered")

	state, err := env.feeds.Refresh(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, FeedLive, state.Status)
	assert.Empty(t, state.Error)
	assert.Equal(t, []string{"recovered"}, captions(state.Posts))
}
