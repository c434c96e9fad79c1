package services

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/matgo18/TheyMissYou/internal/auth"
	"github.com/matgo18/TheyMissYou/internal/docstore"
	"github.com/matgo18/TheyMissYou/internal/events"
	"github.com/matgo18/TheyMissYou/internal/media"
	"github.com/matgo18/TheyMissYou/internal/models"
	"github.com/matgo18/TheyMissYou/internal/notify"
	"github.com/matgo18/TheyMissYou/internal/repository"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	store     docstore.Store
	bus       *events.Bus
	provider  *auth.LocalProvider
	users     *UserDirectory
	groups    *GroupRegistry
	feeds     *FeedComposer
	posts     *PostService
	locations *LocationService
	accounts  *AccountService
	media     *media.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithStore(t, docstore.NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, store docstore.Store) *testEnv {
	t.Helper()

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	provider := auth.NewLocalProvider(store, auth.LocalConfig{Secret: "test-secret", BcryptCost: bcrypt.MinCost})
	users := NewUserDirectory(repository.NewUserRepository(store), provider, bus, notify.NewScheduler(notify.LogSender{}))
	groups := NewGroupRegistry(repository.NewGroupRepository(store), bus)
	feeds := NewFeedComposer(repository.NewPostRepository(store), users, groups, bus)

	disk, err := media.NewDiskStorage(t.TempDir())
	require.NoError(t, err)
	cache := media.NewCache(disk, media.DefaultQuality)

	posts := NewPostService(repository.NewPostRepository(store), users, cache)

	return &testEnv{
		store:     store,
		bus:       bus,
		provider:  provider,
		users:     users,
		groups:    groups,
		feeds:     feeds,
		posts:     posts,
		locations: NewLocationService(users, groups, bus),
		accounts:  NewAccountService(users, groups, posts),
		media:     cache,
	}
}

// register creates a user whose email and password derive from username
func (e *testEnv) register(t *testing.T, username string) *AuthResult {
	t.Helper()
	result, err := e.users.Register(context.Background(), RegisterInput{
		Email:    username + "@example.com",
		Password: "secret-" + username,
		Username: username,
	})
	require.NoError(t, err)
	return result
}

func (e *testEnv) post(t *testing.T, userID, caption string) string {
	t.Helper()
	post, err := e.posts.CreatePost(asUser(userID), testImage(), caption)
	require.NoError(t, err)
	return post.ID
}

func asUser(userID string) context.Context {
	return auth.WithIdentity(context.Background(), userID)
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 60), B: 128, A: 255})
		}
	}
	return img
}

func captions(posts []*models.Post) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.Caption)
	}
	return out
}

// holdingStore parks the next n queries on one collection after they have
// read their result, until release is called
type holdingStore struct {
	docstore.Store

	mu         sync.Mutex
	collection string
	remaining  int
	entered    chan struct{}
	released   chan struct{}
}

func newHoldingStore() *holdingStore {
	return &holdingStore{Store: docstore.NewMemoryStore()}
}

func (s *holdingStore) hold(collection string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collection = collection
	s.remaining = n
	s.entered = make(chan struct{}, n)
	s.released = make(chan struct{})
}

// waitHeld blocks until n held queries are parked
func (s *holdingStore) waitHeld(t *testing.T, n int) {
	t.Helper()
	s.mu.Lock()
	entered := s.entered
	s.mu.Unlock()
	for i := 0; i < n; i++ {
		<-entered
	}
}

func (s *holdingStore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.released)
}

func (s *holdingStore) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	docs, err := s.Store.Query(ctx, collection, q)

	s.mu.Lock()
	held := s.remaining > 0 && collection == s.collection
	var entered, released chan struct{}
	if held {
		s.remaining--
		entered, released = s.entered, s.released
	}
	s.mu.Unlock()

	if held {
		entered <- struct{}{}
		<-released
	}
	return docs, err
}
