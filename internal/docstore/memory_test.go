package docstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetMissingReturnsNil(t *testing.T) {
	s := NewMemoryStore()

	doc, err := s.Get(context.Background(), "groups", "nope")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestMemoryStore_SetGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "groups", "g1", Document{"name": "Climbers", "memberIds": []string{"alice"}}))

	doc, err := s.Get(ctx, "groups", "g1")
	require.NoError(t, err)
	assert.Equal(t, "Climbers", doc.String("name"))
	assert.Equal(t, []any{"alice"}, doc["memberIds"])

	doc["name"] = "changed"
	again, err := s.Get(ctx, "groups", "g1")
	require.NoError(t, err)
	assert.Equal(t, "Climbers", again.String("name"))
}

func TestMemoryStore_QueryFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "posts", "p1", Document{"userId": "alice", "tags": []string{"a", "b"}}))
	require.NoError(t, s.Set(ctx, "posts", "p2", Document{"userId": "bob", "tags": []string{"b"}}))
	require.NoError(t, s.Set(ctx, "posts", "p3", Document{"userId": "carol"}))

	eq, err := s.Query(ctx, "posts", Where("userId", OpEqual, "bob"))
	require.NoError(t, err)
	require.Len(t, eq, 1)
	assert.Equal(t, "bob", eq[0].String("userId"))

	in, err := s.Query(ctx, "posts", Where("userId", OpIn, []string{"alice", "carol"}))
	require.NoError(t, err)
	assert.Len(t, in, 2)

	contains, err := s.Query(ctx, "posts", Where("tags", OpArrayContains, "b"))
	require.NoError(t, err)
	assert.Len(t, contains, 2)

	both, err := s.Query(ctx, "posts", Where("tags", OpArrayContains, "b").And("userId", OpEqual, "alice"))
	require.NoError(t, err)
	assert.Len(t, both, 1)

	limited, err := s.Query(ctx, "posts", Query{}.WithLimit(2))
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryStore_QueryRejectsBadFilter(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Query(context.Background(), "posts", Where("userId", OpIn, "alice"))
	assert.Error(t, err)

	_, err = s.Query(context.Background(), "posts", Where("userId", Operator(">"), 1))
	assert.Error(t, err)
}

func TestMemoryStore_UpdateMissingDocument(t *testing.T) {
	s := NewMemoryStore()

	err := s.Update(context.Background(), "users", "ghost", Document{"bio": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ArrayTransforms(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "groups", "g1", Document{"memberIds": []string{"alice"}}))

	require.NoError(t, s.Update(ctx, "groups", "g1", Document{"memberIds": ArrayUnion("bob")}))
	require.NoError(t, s.Update(ctx, "groups", "g1", Document{"memberIds": ArrayUnion("bob", "carol")}))

	doc, err := s.Get(ctx, "groups", "g1")
	require.NoError(t, err)
	assert.Equal(t, []any{"alice", "bob", "carol"}, doc["memberIds"])

	require.NoError(t, s.Update(ctx, "groups", "g1", Document{"memberIds": ArrayRemove("alice")}))
	require.NoError(t, s.Update(ctx, "groups", "g1", Document{"memberIds": ArrayRemove("alice")}))

	doc, err = s.Get(ctx, "groups", "g1")
	require.NoError(t, err)
	assert.Equal(t, []any{"bob", "carol"}, doc["memberIds"])
}

func TestMemoryStore_ArrayUnionOnMissingField(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "users", "u1", Document{"username": "sam"}))

	require.NoError(t, s.Update(ctx, "users", "u1", Document{"postIds": ArrayUnion("p1")}))

	doc, err := s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, []any{"p1"}, doc["postIds"])
}

func TestMemoryStore_ConcurrentIncrement(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "posts", "p1", Document{"likes": 0}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Update(ctx, "posts", "p1", Document{"likes": Increment(1)}))
		}()
	}
	wg.Wait()

	doc, err := s.Get(ctx, "posts", "p1")
	require.NoError(t, err)
	assert.Equal(t, float64(50), doc["likes"])
}

func TestMemoryStore_IncrementNonNumeric(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "posts", "p1", Document{"likes": "many"}))

	err := s.Update(ctx, "posts", "p1", Document{"likes": Increment(1)})
	assert.Error(t, err)
}

func TestMemoryStore_SubscribeDeliversMatchingSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var snapshots [][]Document
	sub, err := s.Subscribe(ctx, "posts", Where("userId", OpIn, []string{"alice"}), func(docs []Document, err error) {
		require.NoError(t, err)
		snapshots = append(snapshots, docs)
	})
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "posts", "p1", Document{"userId": "alice"}))
	require.NoError(t, s.Set(ctx, "posts", "p2", Document{"userId": "bob"}))
	require.NoError(t, s.Update(ctx, "posts", "p1", Document{"likes": Increment(1)}))
	require.NoError(t, s.Delete(ctx, "posts", "p1"))

	require.Len(t, snapshots, 3)
	assert.Len(t, snapshots[0], 1)
	assert.Equal(t, float64(1), snapshots[1][0]["likes"])
	assert.Empty(t, snapshots[2])

	sub.Unsubscribe()
	require.NoError(t, s.Set(ctx, "posts", "p3", Document{"userId": "alice"}))
	assert.Len(t, snapshots, 3)
}

func TestMemoryStore_SubscriptionEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore()

	calls := make(chan struct{}, 10)
	_, err := s.Subscribe(ctx, "posts", Query{}, func([]Document, error) { calls <- struct{}{} })
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.subs["posts"]) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Set(context.Background(), "posts", "p1", Document{"userId": "alice"}))
	assert.Empty(t, calls)
}

func TestMemoryStore_ClosedStore(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "users", "u1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(context.Background(), "users", "u1", Document{}), ErrClosed)
}
