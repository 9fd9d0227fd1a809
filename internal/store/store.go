// Package store defines the document-store contract the coordination core runs on,
// together with its memory, DynamoDB and Postgres adapters.
//
// Every document carries a version token. ConditionalUpdate only writes when the
// stored version still equals the caller's expected version, which is the single
// concurrency primitive the rest of the service relies on.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("concurrent modification")
	ErrUnavailable = errors.New("store unavailable")

	// ErrNoChange may be returned by a Mutation to leave the document untouched.
	ErrNoChange = errors.New("no change")
)

// Record is implemented by every stored entity.
type Record interface {
	GetID() string
	SetID(string)
	GetVersion() int64
	SetVersion(int64)
	// Attr returns the string form of a filterable field.
	Attr(field string) string
}

// RecordPtr constrains PT to be a *T that implements Record.
type RecordPtr[T any] interface {
	*T
	Record
}

// Condition matches documents whose Field equals one of Values.
type Condition struct {
	Field  string
	Values []string
}

func Eq(field, value string) Condition {
	return Condition{Field: field, Values: []string{value}}
}

func In[S ~string](field string, values ...S) Condition {
	vs := make([]string, 0, len(values))
	for _, v := range values {
		vs = append(vs, string(v))
	}
	return Condition{Field: field, Values: vs}
}

// Filter is a conjunction of conditions. The empty filter matches everything.
type Filter []Condition

func (f Filter) Match(r Record) bool {
	for _, c := range f {
		if !slices.Contains(c.Values, r.Attr(c.Field)) {
			return false
		}
	}
	return true
}

// empty reports whether some condition lists no values, so nothing can match.
func (f Filter) empty() bool {
	for _, c := range f {
		if len(c.Values) == 0 {
			return true
		}
	}
	return false
}

// Mutation edits a document in place. Returning ErrNoChange skips the write; any
// other error aborts it.
type Mutation[T any] func(doc *T) error

// Collection is a set of documents of one entity type.
type Collection[T any] interface {
	Get(ctx context.Context, id string) (*T, error)
	// Create stores doc with version 1, assigning an ID when doc has none.
	Create(ctx context.Context, doc *T) (string, error)
	// ConditionalUpdate applies mutate and bumps the version, failing with
	// ErrConflict if the stored version is no longer expectedVersion.
	ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate Mutation[T]) (*T, error)
	// UpdateByFilter applies mutate to every document matching f at query time and
	// returns how many were written.
	UpdateByFilter(ctx context.Context, f Filter, mutate Mutation[T]) (int, error)
	// QueryOne returns one matching document, or nil when there is none.
	QueryOne(ctx context.Context, f Filter) (*T, error)
}

// UpdateWithRetry re-reads and conditionally updates id until the write lands or
// attempts are exhausted.
func UpdateWithRetry[T any, PT RecordPtr[T]](ctx context.Context, c Collection[T], id string, attempts int, mutate Mutation[T]) (*T, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		doc, err := c.ConditionalUpdate(ctx, id, PT(cur).GetVersion(), mutate)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return doc, err
	}
	return nil, fmt.Errorf("update %s: %w after %d attempts", id, ErrConflict, attempts)
}

// apply runs mutate on doc, preserving its identity and bumping the version.
// It reports false when the mutation asked for no change.
func apply[T any, PT RecordPtr[T]](doc *T, mutate Mutation[T]) (bool, error) {
	p := PT(doc)
	id, version := p.GetID(), p.GetVersion()
	if err := mutate(doc); err != nil {
		if errors.Is(err, ErrNoChange) {
			return false, nil
		}
		return false, err
	}
	p.SetID(id)
	p.SetVersion(version + 1)
	return true, nil
}

// updateMatching writes mutate into each candidate through ConditionalUpdate,
// re-reading on conflict and dropping documents that stopped matching f.
func updateMatching[T any, PT RecordPtr[T]](ctx context.Context, c Collection[T], candidates []*T, f Filter, attempts int, mutate Mutation[T]) (int, error) {
	guarded := func(doc *T) error {
		if !f.Match(PT(doc)) {
			return ErrNoChange
		}
		return mutate(doc)
	}
	n := 0
	for _, doc := range candidates {
		cur := doc
		for i := 0; ; i++ {
			before := PT(cur).GetVersion()
			updated, err := c.ConditionalUpdate(ctx, PT(cur).GetID(), before, guarded)
			if err == nil {
				if PT(updated).GetVersion() != before {
					n++
				}
				break
			}
			if errors.Is(err, ErrNotFound) {
				break
			}
			if !errors.Is(err, ErrConflict) || i+1 >= attempts {
				return n, err
			}
			if cur, err = c.Get(ctx, PT(cur).GetID()); err != nil {
				if errors.Is(err, ErrNotFound) {
					break
				}
				return n, err
			}
		}
	}
	return n, nil
}
