// Package store defines the document-store contract the jukebox core is
// built on: per-document strong consistency, filtered listing, and a
// collection-scoped change feed. Updates are whole-document merges with
// last-writer-wins semantics; there are no cross-document transactions.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals the requested document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrExists signals a create collided with an existing document.
	ErrExists = errors.New("document already exists")
)

// Document is a flat field map. Values round-trip through JSON, so
// numeric fields come back as float64 regardless of how they went in.
type Document map[string]any

// Op selects a filter comparison.
type Op string

const (
	OpEq Op = "eq"
	OpLT Op = "lt"
	OpGT Op = "gt"
)

// Filter constrains a List call. OpLT/OpGT only apply to numeric fields.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter { return Filter{Field: field, Op: OpEq, Value: value} }

// LessThan builds a numeric less-than filter.
func LessThan(field string, value float64) Filter {
	return Filter{Field: field, Op: OpLT, Value: value}
}

// GreaterThan builds a numeric greater-than filter.
func GreaterThan(field string, value float64) Filter {
	return Filter{Field: field, Op: OpGT, Value: value}
}

// EventKind distinguishes feed events.
type EventKind string

const (
	EventPut    EventKind = "put"
	EventDelete EventKind = "delete"
)

// Event is one change-feed notification. Events arrive in write order
// per document; there is no ordering guarantee across documents and no
// delivery guarantee across a disconnect, so consumers must re-read
// authoritative state on (re)subscribe.
type Event struct {
	Kind       EventKind `json:"kind"`
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Doc        Document  `json:"doc,omitempty"`
}

// Store is the durable document store the core depends on.
type Store interface {
	Create(ctx context.Context, collection, id string, doc Document) error
	Get(ctx context.Context, collection, id string) (Document, error)
	// List returns every document in the collection matching all filters.
	List(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	// Update merges fields into an existing document (last writer wins).
	Update(ctx context.Context, collection, id string, fields Document) error
	Delete(ctx context.Context, collection, id string) error
	// Subscribe opens the collection's change feed. The returned stop
	// function must be called on teardown; the channel closes after stop
	// or when ctx is cancelled.
	Subscribe(ctx context.Context, collection string) (<-chan Event, func(), error)
}

// matches reports whether doc satisfies every filter.
func matches(doc Document, filters []Filter) (bool, error) {
	for _, f := range filters {
		got, ok := doc[f.Field]
		switch f.Op {
		case OpEq:
			if !ok || !looseEqual(got, f.Value) {
				return false, nil
			}
		case OpLT, OpGT:
			if !ok {
				return false, nil
			}
			lhs, lok := toFloat(got)
			rhs, rok := toFloat(f.Value)
			if !lok || !rok {
				return false, fmt.Errorf("filter %s: field %q is not numeric", f.Op, f.Field)
			}
			if f.Op == OpLT && lhs >= rhs {
				return false, nil
			}
			if f.Op == OpGT && lhs <= rhs {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unknown filter op %q", f.Op)
		}
	}
	return true, nil
}

// looseEqual compares values the way JSON round-tripping leaves them:
// numbers compare as float64, everything else by ==.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
