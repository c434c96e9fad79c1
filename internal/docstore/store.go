package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// ErrNotFound is returned when an update targets a document that does not exist
var ErrNotFound = errors.New("document not found")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("document store closed")

// Document is a JSON-like record stored in a collection
type Document map[string]any

// Store is the capability the application consumes for persistence and change notifications
type Store interface {
	// Get returns the document or nil when it does not exist.
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	Set(ctx context.Context, collection, id string, doc Document) error
	// Update merges partial into the stored document. Values may be field
	// transforms (Increment, ArrayUnion, ArrayRemove) applied atomically.
	Update(ctx context.Context, collection, id string, partial Document) error
	Delete(ctx context.Context, collection, id string) error
	// Subscribe delivers the full matching snapshot after every change that
	// affects q. Cancelling ctx is equivalent to calling Unsubscribe.
	Subscribe(ctx context.Context, collection string, q Query, fn SnapshotFunc) (Subscription, error)
	Close() error
}

// SnapshotFunc receives query snapshots or a subscription error
type SnapshotFunc func(docs []Document, err error)

// Subscription is a standing query registration
type Subscription interface {
	Unsubscribe()
}

// Operator is a filter comparison
type Operator string

const (
	OpEqual         Operator = "=="
	OpIn            Operator = "in"
	OpArrayContains Operator = "array-contains"
)

// Filter restricts a query on a single top-level field
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// Query is a conjunction of filters with an optional result limit
type Query struct {
	Filters []Filter
	Limit   int
}

// Where returns a query with a single filter
func Where(field string, op Operator, value any) Query {
	return Query{Filters: []Filter{{Field: field, Op: op, Value: value}}}
}

// And appends a filter to the query
func (q Query) And(field string, op Operator, value any) Query {
	filters := make([]Filter, 0, len(q.Filters)+1)
	filters = append(filters, q.Filters...)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// WithLimit caps the number of returned documents
func (q Query) WithLimit(limit int) Query {
	q.Limit = limit
	return q
}

// Transform is a server-side field operation used inside Update
type Transform interface {
	isTransform()
}

type incrementTransform struct {
	delta float64
}

type arrayUnionTransform struct {
	values []any
}

type arrayRemoveTransform struct {
	values []any
}

func (incrementTransform) isTransform()   {}
func (arrayUnionTransform) isTransform()  {}
func (arrayRemoveTransform) isTransform() {}

// Increment adds delta to a numeric field, treating a missing field as zero
func Increment(delta int64) Transform {
	return incrementTransform{delta: float64(delta)}
}

// ArrayUnion appends values that are not already present in an array field
func ArrayUnion(values ...any) Transform {
	return arrayUnionTransform{values: values}
}

// ArrayRemove removes every occurrence of values from an array field
func ArrayRemove(values ...any) Transform {
	return arrayRemoveTransform{values: values}
}

// Encode converts a JSON-tagged value into a Document
func Encode(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return doc, nil
}

// Decode fills a JSON-tagged value from the document
func (d Document) Decode(v any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// String returns a string field or "" when absent
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// Clone returns a deep copy of the document
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case Document:
		return Document(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// normalize brings a value into the shape json.Unmarshal produces, so that
// comparisons behave the same for in-memory and persisted documents.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeValues(values []any) ([]any, error) {
	out := make([]any, 0, len(values))
	for _, v := range values {
		n, err := normalize(v)
		if err != nil {
			return nil, err
		}
		if !containsValue(out, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

func containsValue(values []any, v any) bool {
	for _, candidate := range values {
		if reflect.DeepEqual(candidate, v) {
			return true
		}
	}
	return false
}

// Matches reports whether doc satisfies every filter of q
func (q Query) Matches(doc Document) bool {
	for _, f := range q.Filters {
		if !f.matches(doc) {
			return false
		}
	}
	return true
}

func (f Filter) matches(doc Document) bool {
	if doc == nil {
		return false
	}
	field, ok := doc[f.Field]
	if !ok {
		return false
	}
	value, err := normalize(f.Value)
	if err != nil {
		return false
	}

	switch f.Op {
	case OpEqual:
		return reflect.DeepEqual(field, value)
	case OpIn:
		candidates, ok := value.([]any)
		if !ok {
			return false
		}
		return containsValue(candidates, field)
	case OpArrayContains:
		elements, ok := field.([]any)
		if !ok {
			return false
		}
		return containsValue(elements, value)
	default:
		return false
	}
}

func (q Query) validate() error {
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("filter field is required")
		}
		switch f.Op {
		case OpEqual, OpArrayContains:
		case OpIn:
			if v := reflect.ValueOf(f.Value); v.Kind() != reflect.Slice {
				return fmt.Errorf("filter %q: in requires a slice value", f.Field)
			}
		default:
			return fmt.Errorf("filter %q: unsupported operator %q", f.Field, f.Op)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return nil
}
