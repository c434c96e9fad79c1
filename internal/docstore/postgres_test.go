package docstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestPostgres connects to TMY_TEST_DATABASE_URL and migrates it, or skips.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("TMY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TMY_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))

	s := NewPostgresStore(pool)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStore_Transforms(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	collection := "test_" + uuid.NewString()

	require.NoError(t, s.Set(ctx, collection, "g1", Document{
		"name":      "Climbers",
		"memberIds": []string{"alice"},
		"likes":     0,
	}))

	require.NoError(t, s.Update(ctx, collection, "g1", Document{
		"memberIds": ArrayUnion("bob", "alice"),
		"likes":     Increment(2),
		"name":      "Boulderers",
	}))

	doc, err := s.Get(ctx, collection, "g1")
	require.NoError(t, err)
	assert.Equal(t, []any{"alice", "bob"}, doc["memberIds"])
	assert.Equal(t, float64(2), doc["likes"])
	assert.Equal(t, "Boulderers", doc.String("name"))

	require.NoError(t, s.Update(ctx, collection, "g1", Document{"memberIds": ArrayRemove("alice")}))
	doc, err = s.Get(ctx, collection, "g1")
	require.NoError(t, err)
	assert.Equal(t, []any{"bob"}, doc["memberIds"])

	assert.ErrorIs(t, s.Update(ctx, collection, "missing", Document{"name": "x"}), ErrNotFound)
}

func TestPostgresStore_QueryAndSubscribe(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	collection := "test_" + uuid.NewString()

	require.NoError(t, s.Set(ctx, collection, "p1", Document{"userId": "alice", "tags": []string{"x"}}))
	require.NoError(t, s.Set(ctx, collection, "p2", Document{"userId": "bob"}))

	docs, err := s.Query(ctx, collection, Where("userId", OpIn, []string{"alice", "bob"}))
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = s.Query(ctx, collection, Where("tags", OpArrayContains, "x"))
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	snapshots := make(chan []Document, 4)
	sub, err := s.Subscribe(ctx, collection, Where("userId", OpEqual, "alice"), func(docs []Document, err error) {
		if err == nil {
			snapshots <- docs
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// The listener may still be connecting; keep writing until a snapshot lands.
	require.Eventually(t, func() bool {
		_ = s.Update(ctx, collection, "p1", Document{"likes": Increment(1)})
		select {
		case got := <-snapshots:
			return len(got) == 1
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPostgresStore_SubscribedCollections(t *testing.T) {
	s := &PostgresStore{subs: map[string]map[uint64]*pgSubscription{
		"posts":  {1: {}, 2: {}},
		"users":  {},
		"groups": {3: {}},
	}}
	assert.Equal(t, []string{"groups", "posts"}, s.subscribedCollections())
}

func TestPostgresStore_ResyncRerunsSubscriptions(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	collection := "test_" + uuid.NewString()

	snapshots := make(chan []Document, 16)
	sub, err := s.Subscribe(ctx, collection, Where("userId", OpEqual, "alice"), func(docs []Document, err error) {
		if err == nil {
			snapshots <- docs
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, s.Set(ctx, collection, "p1", Document{"userId": "alice", "caption": "hi"}))

	// Let notifications settle, then drop everything delivered so far.
	time.Sleep(200 * time.Millisecond)
	for len(snapshots) > 0 {
		<-snapshots
	}

	s.resync(ctx)

	select {
	case got := <-snapshots:
		require.Len(t, got, 1)
		assert.Equal(t, "hi", got[0].String("caption"))
	case <-time.After(5 * time.Second):
		t.Fatal("resync did not re-run the subscription")
	}
}
