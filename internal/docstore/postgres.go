package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// changeChannel is the NOTIFY channel fed by the documents trigger
const changeChannel = "docstore_changes"

var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps every collection in one JSONB table and fans out
// changes with LISTEN/NOTIFY.
type PostgresStore struct {
	db *pgxpool.Pool

	mu        sync.Mutex
	subs      map[string]map[uint64]*pgSubscription
	nextSubID uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type pgSubscription struct {
	store      *PostgresStore
	id         uint64
	collection string
	query      Query
	fn         SnapshotFunc
	stop       func() bool
}

// NewPostgresStore creates a store on top of db and starts the change listener
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		db:     db,
		subs:   make(map[string]map[uint64]*pgSubscription),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.listen(ctx)
	return s
}

// Get retrieves a document by collection and id
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	query := `SELECT data FROM documents WHERE collection = $1 AND id = $2`

	var data []byte
	err := s.db.QueryRow(ctx, query, collection, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return decodeRow(data)
}

// Query retrieves documents matching q ordered by id
func (s *PostgresStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	sql, args, err := buildSelect(collection, q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := decodeRow(data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

func buildSelect(collection string, q Query) (string, []any, error) {
	args := []any{collection}
	where := []string{"collection = $1"}

	for _, f := range q.Filters {
		switch f.Op {
		case OpEqual:
			containment, err := json.Marshal(map[string]any{f.Field: f.Value})
			if err != nil {
				return "", nil, fmt.Errorf("failed to encode filter %q: %w", f.Field, err)
			}
			args = append(args, json.RawMessage(containment))
			where = append(where, fmt.Sprintf("data @> $%d::jsonb", len(args)))
		case OpArrayContains:
			containment, err := json.Marshal(map[string]any{f.Field: []any{f.Value}})
			if err != nil {
				return "", nil, fmt.Errorf("failed to encode filter %q: %w", f.Field, err)
			}
			args = append(args, json.RawMessage(containment))
			where = append(where, fmt.Sprintf("data @> $%d::jsonb", len(args)))
		case OpIn:
			values, err := json.Marshal(f.Value)
			if err != nil {
				return "", nil, fmt.Errorf("failed to encode filter %q: %w", f.Field, err)
			}
			args = append(args, f.Field, json.RawMessage(values))
			where = append(where, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM jsonb_array_elements($%d::jsonb) AS v WHERE v = data -> $%d::text)",
				len(args), len(args)-1,
			))
		}
	}

	sql := "SELECT data FROM documents WHERE " + strings.Join(where, " AND ") + " ORDER BY id"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return sql, args, nil
}

// Set creates or replaces a document
func (s *PostgresStore) Set(ctx context.Context, collection, id string, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	query := `
		INSERT INTO documents (collection, id, data, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, now(), now())
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, collection, id, json.RawMessage(data)); err != nil {
		return fmt.Errorf("failed to set document: %w", err)
	}
	return nil
}

// Update applies partial in a single UPDATE statement so transforms stay atomic
func (s *PostgresStore) Update(ctx context.Context, collection, id string, partial Document) error {
	expr, args, err := buildUpdate(partial, []any{collection, id})
	if err != nil {
		return err
	}

	query := fmt.Sprintf(
		`UPDATE documents SET data = %s, updated_at = now() WHERE collection = $1 AND id = $2`, expr,
	)
	result, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// buildUpdate compiles partial into a jsonb expression over the current data column
func buildUpdate(partial Document, args []any) (string, []any, error) {
	plain := make(map[string]any)
	expr := "data"

	for field, value := range partial {
		transform, ok := value.(Transform)
		if !ok {
			plain[field] = value
			continue
		}

		args = append(args, field)
		fieldArg := len(args)
		current := fmt.Sprintf(
			"(CASE WHEN jsonb_typeof(data -> $%[1]d::text) = 'array' THEN data -> $%[1]d::text ELSE '[]'::jsonb END)", fieldArg,
		)

		var valueExpr string
		switch t := transform.(type) {
		case incrementTransform:
			args = append(args, t.delta)
			valueExpr = fmt.Sprintf(
				"to_jsonb(COALESCE((data ->> $%d::text)::numeric, 0) + $%d::numeric)", fieldArg, len(args),
			)
		case arrayUnionTransform:
			values, err := normalizeValues(t.values)
			if err != nil {
				return "", nil, fmt.Errorf("failed to encode array union for %q: %w", field, err)
			}
			encoded, _ := json.Marshal(values)
			args = append(args, json.RawMessage(encoded))
			valueExpr = fmt.Sprintf(
				"%s || COALESCE((SELECT jsonb_agg(v ORDER BY ord) FROM jsonb_array_elements($%d::jsonb) WITH ORDINALITY AS u(v, ord) WHERE NOT %s @> jsonb_build_array(v)), '[]'::jsonb)",
				current, len(args), current,
			)
		case arrayRemoveTransform:
			values, err := normalizeValues(t.values)
			if err != nil {
				return "", nil, fmt.Errorf("failed to encode array remove for %q: %w", field, err)
			}
			encoded, _ := json.Marshal(values)
			args = append(args, json.RawMessage(encoded))
			valueExpr = fmt.Sprintf(
				"COALESCE((SELECT jsonb_agg(e ORDER BY ord) FROM jsonb_array_elements(%s) WITH ORDINALITY AS r(e, ord) WHERE NOT $%d::jsonb @> jsonb_build_array(e)), '[]'::jsonb)",
				current, len(args),
			)
		default:
			return "", nil, fmt.Errorf("unsupported transform for %q", field)
		}

		expr = fmt.Sprintf("jsonb_set(%s, ARRAY[$%d::text], %s, true)", expr, fieldArg, valueExpr)
	}

	if len(plain) > 0 {
		encoded, err := json.Marshal(plain)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode update: %w", err)
		}
		args = append(args, json.RawMessage(encoded))
		expr = fmt.Sprintf("(%s || $%d::jsonb)", expr, len(args))
	}
	return expr, args, nil
}

// Delete removes a document
func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	query := `DELETE FROM documents WHERE collection = $1 AND id = $2`
	if _, err := s.db.Exec(ctx, query, collection, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Subscribe registers fn for snapshots of q; snapshots are produced by the listener goroutine
func (s *PostgresStore) Subscribe(ctx context.Context, collection string, q Query, fn SnapshotFunc) (Subscription, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	sub := &pgSubscription{
		store:      s,
		id:         s.nextSubID,
		collection: collection,
		query:      q,
		fn:         fn,
	}
	if s.subs[collection] == nil {
		s.subs[collection] = make(map[uint64]*pgSubscription)
	}
	s.subs[collection][sub.id] = sub
	sub.stop = context.AfterFunc(ctx, sub.Unsubscribe)

	return sub, nil
}

// Unsubscribe removes the subscription from the store
func (sub *pgSubscription) Unsubscribe() {
	s := sub.store
	s.mu.Lock()
	delete(s.subs[sub.collection], sub.id)
	s.mu.Unlock()

	if sub.stop != nil {
		sub.stop()
	}
}

func (s *PostgresStore) listen(ctx context.Context) {
	defer close(s.done)

	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("Document change listener stopped, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	// Changes made while no listener was connected were never notified.
	s.resync(ctx)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		collection, _, _ := strings.Cut(notification.Payload, "/")
		s.dispatch(ctx, collection)
	}
}

// resync re-runs every subscription once
func (s *PostgresStore) resync(ctx context.Context) {
	for _, collection := range s.subscribedCollections() {
		s.dispatch(ctx, collection)
	}
}

func (s *PostgresStore) subscribedCollections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	collections := make([]string, 0, len(s.subs))
	for collection, subs := range s.subs {
		if len(subs) > 0 {
			collections = append(collections, collection)
		}
	}
	slices.Sort(collections)
	return collections
}

// dispatch re-runs every subscription on collection; it runs on the listener
// goroutine so deliveries for one subscription never reorder.
func (s *PostgresStore) dispatch(ctx context.Context, collection string) {
	s.mu.Lock()
	subs := make([]*pgSubscription, 0, len(s.subs[collection]))
	for _, sub := range s.subs[collection] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		docs, err := s.Query(ctx, collection, sub.query)
		if ctx.Err() != nil {
			return
		}
		sub.fn(docs, err)
	}
}

// Close stops the listener; the pool is owned by the caller
func (s *PostgresStore) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func decodeRow(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}
