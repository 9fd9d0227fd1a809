package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type memEntry struct {
	body []byte
}

// MemoryCollection keeps JSON-encoded documents in process. It backs tests and
// single-node development deployments.
type MemoryCollection[T any, PT RecordPtr[T]] struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	order   []string
}

func NewMemoryCollection[T any, PT RecordPtr[T]]() *MemoryCollection[T, PT] {
	return &MemoryCollection[T, PT]{entries: make(map[string]*memEntry)}
}

func (c *MemoryCollection[T, PT]) decode(e *memEntry) (*T, error) {
	doc := new(T)
	if err := json.Unmarshal(e.body, doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func (c *MemoryCollection[T, PT]) Get(ctx context.Context, id string) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return c.decode(e)
}

func (c *MemoryCollection[T, PT]) Create(ctx context.Context, doc *T) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := PT(doc)
	if p.GetID() == "" {
		p.SetID(uuid.NewString())
	}
	p.SetVersion(1)
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[p.GetID()]; ok {
		return "", fmt.Errorf("create %s: %w", p.GetID(), ErrConflict)
	}
	c.entries[p.GetID()] = &memEntry{body: body}
	c.order = append(c.order, p.GetID())
	return p.GetID(), nil
}

func (c *MemoryCollection[T, PT]) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate Mutation[T]) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	doc, err := c.decode(e)
	if err != nil {
		return nil, err
	}
	if PT(doc).GetVersion() != expectedVersion {
		return nil, fmt.Errorf("update %s at version %d: %w", id, expectedVersion, ErrConflict)
	}
	changed, err := apply[T, PT](doc, mutate)
	if err != nil {
		return nil, err
	}
	if !changed {
		return doc, nil
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	e.body = body
	return doc, nil
}

func (c *MemoryCollection[T, PT]) UpdateByFilter(ctx context.Context, f Filter, mutate Mutation[T]) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, id := range c.order {
		e := c.entries[id]
		doc, err := c.decode(e)
		if err != nil {
			return n, err
		}
		if !f.Match(PT(doc)) {
			continue
		}
		changed, err := apply[T, PT](doc, mutate)
		if err != nil {
			return n, err
		}
		if !changed {
			continue
		}
		if e.body, err = json.Marshal(doc); err != nil {
			return n, fmt.Errorf("encode document: %w", err)
		}
		n++
	}
	return n, nil
}

// QueryOne returns the oldest matching document.
func (c *MemoryCollection[T, PT]) QueryOne(ctx context.Context, f Filter) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		doc, err := c.decode(c.entries[id])
		if err != nil {
			return nil, err
		}
		if f.Match(PT(doc)) {
			return doc, nil
		}
	}
	return nil, nil
}

// Len reports how many documents are stored.
func (c *MemoryCollection[T, PT]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
