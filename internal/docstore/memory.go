package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. Writes are serialized by a single
// mutex and subscribers are notified synchronously once the write commits.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Document
	subs        map[string]map[uint64]*memorySubscription
	nextSubID   uint64
	seq         uint64
	closed      bool
}

type memorySubscription struct {
	store      *MemoryStore
	id         uint64
	collection string
	query      Query
	fn         SnapshotFunc
	stop       func() bool

	deliverMu sync.Mutex
	delivered uint64
	done      atomic.Bool
}

type pendingDelivery struct {
	sub  *memorySubscription
	seq  uint64
	docs []Document
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Document),
		subs:        make(map[string]map[uint64]*memorySubscription),
	}
}

// Get returns a copy of the document or nil when absent
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, nil
	}
	return doc.Clone(), nil
}

// Query returns copies of the matching documents ordered by id
func (s *MemoryStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	return s.queryLocked(collection, q), nil
}

func (s *MemoryStore) queryLocked(collection string, q Query) []Document {
	docs := s.collections[collection]
	ids := make([]string, 0, len(docs))
	for id, doc := range docs {
		if q.Matches(doc) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}

	result := make([]Document, 0, len(ids))
	for _, id := range ids {
		result = append(result, docs[id].Clone())
	}
	return result
}

// Set creates or replaces a document
func (s *MemoryStore) Set(ctx context.Context, collection, id string, doc Document) error {
	normalized, err := normalize(map[string]any(doc))
	if err != nil {
		return fmt.Errorf("failed to normalize document: %w", err)
	}
	stored, _ := normalized.(map[string]any)
	if stored == nil {
		stored = map[string]any{}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]Document)
	}
	before := s.collections[collection][id]
	after := Document(stored)
	s.collections[collection][id] = after
	pending := s.collectLocked(collection, before, after)
	s.mu.Unlock()

	deliver(pending)
	return nil
}

// Update merges partial into an existing document
func (s *MemoryStore) Update(ctx context.Context, collection, id string, partial Document) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	before, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	after := before.Clone()
	for field, value := range partial {
		next, err := applyField(after[field], value)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to update field %q: %w", field, err)
		}
		after[field] = next
	}
	s.collections[collection][id] = after
	pending := s.collectLocked(collection, before, after)
	s.mu.Unlock()

	deliver(pending)
	return nil
}

func applyField(current, value any) (any, error) {
	switch t := value.(type) {
	case incrementTransform:
		var base float64
		switch n := current.(type) {
		case nil:
		case float64:
			base = n
		default:
			return nil, fmt.Errorf("cannot increment non-numeric value")
		}
		return base + t.delta, nil
	case arrayUnionTransform:
		elements, err := arrayValue(current)
		if err != nil {
			return nil, err
		}
		values, err := normalizeValues(t.values)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			if !containsValue(elements, v) {
				elements = append(elements, v)
			}
		}
		return elements, nil
	case arrayRemoveTransform:
		elements, err := arrayValue(current)
		if err != nil {
			return nil, err
		}
		values, err := normalizeValues(t.values)
		if err != nil {
			return nil, err
		}
		kept := make([]any, 0, len(elements))
		for _, e := range elements {
			if !containsValue(values, e) {
				kept = append(kept, e)
			}
		}
		return kept, nil
	default:
		return normalize(value)
	}
}

func arrayValue(current any) ([]any, error) {
	switch t := current.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return append([]any{}, t...), nil
	default:
		return nil, fmt.Errorf("field is not an array")
	}
}

// Delete removes a document; deleting a missing document is not an error
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	before, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.collections[collection], id)
	pending := s.collectLocked(collection, before, nil)
	s.mu.Unlock()

	deliver(pending)
	return nil
}

// Subscribe registers fn for snapshots of q on collection
func (s *MemoryStore) Subscribe(ctx context.Context, collection string, q Query, fn SnapshotFunc) (Subscription, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	s.nextSubID++
	sub := &memorySubscription{
		store:      s,
		id:         s.nextSubID,
		collection: collection,
		query:      q,
		fn:         fn,
	}
	if s.subs[collection] == nil {
		s.subs[collection] = make(map[uint64]*memorySubscription)
	}
	s.subs[collection][sub.id] = sub
	sub.stop = context.AfterFunc(ctx, sub.Unsubscribe)

	return sub, nil
}

// collectLocked snapshots every subscription affected by a change from before to after
func (s *MemoryStore) collectLocked(collection string, before, after Document) []pendingDelivery {
	subs := s.subs[collection]
	if len(subs) == 0 {
		return nil
	}

	s.seq++
	ids := make([]uint64, 0, len(subs))
	for id, sub := range subs {
		if sub.query.Matches(before) || sub.query.Matches(after) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	pending := make([]pendingDelivery, 0, len(ids))
	for _, id := range ids {
		sub := subs[id]
		pending = append(pending, pendingDelivery{
			sub:  sub,
			seq:  s.seq,
			docs: s.queryLocked(collection, sub.query),
		})
	}
	return pending
}

// deliver runs callbacks outside the store lock. A snapshot older than one
// already delivered to the same subscription is dropped.
func deliver(pending []pendingDelivery) {
	for _, p := range pending {
		p.sub.deliverMu.Lock()
		if !p.sub.done.Load() && p.seq > p.sub.delivered {
			p.sub.delivered = p.seq
			p.sub.fn(p.docs, nil)
		}
		p.sub.deliverMu.Unlock()
	}
}

// Unsubscribe stops deliveries; it is safe to call more than once
func (sub *memorySubscription) Unsubscribe() {
	s := sub.store
	s.mu.Lock()
	delete(s.subs[sub.collection], sub.id)
	s.mu.Unlock()

	if sub.stop != nil {
		sub.stop()
	}
	sub.done.Store(true)
}

// Close drops all data and subscriptions
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.collections = make(map[string]map[string]Document)
	s.subs = make(map[string]map[uint64]*memorySubscription)
	return nil
}
