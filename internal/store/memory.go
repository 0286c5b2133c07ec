package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-process Store used by tests and single-node setups.
// It mirrors the consistency model of the real backends: whole-document
// merge on update, last writer wins, per-collection change feed.
type Memory struct {
	mu   sync.Mutex
	cols map[string]map[string]Document
	subs map[string][]*memSub
}

type memSub struct {
	ch     chan Event
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		cols: make(map[string]map[string]Document),
		subs: make(map[string][]*memSub),
	}
}

// clone round-trips through JSON so documents stored and returned never
// alias caller memory, and numeric fields normalize to float64 exactly
// as they would coming off the wire.
func clone(doc Document) (Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

func (m *Memory) Create(ctx context.Context, collection, id string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied, err := clone(doc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	col, ok := m.cols[collection]
	if !ok {
		col = make(map[string]Document)
		m.cols[collection] = col
	}
	if _, exists := col[id]; exists {
		m.mu.Unlock()
		return ErrExists
	}
	col[id] = copied
	m.notifyLocked(collection, Event{Kind: EventPut, Collection: collection, ID: id, Doc: copied})
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	doc, ok := m.cols[collection][id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return clone(doc)
}

func (m *Memory) List(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Document
	for id, doc := range m.cols[collection] {
		ok, err := matches(doc, filters)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		copied, err := clone(doc)
		if err != nil {
			return nil, err
		}
		copied["$id"] = id
		out = append(out, copied)
	}
	return out, nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied, err := clone(fields)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.cols[collection][id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range copied {
		doc[k] = v
	}
	snapshot, err := clone(doc)
	if err != nil {
		return err
	}
	m.notifyLocked(collection, Event{Kind: EventPut, Collection: collection, ID: id, Doc: snapshot})
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cols[collection][id]; !ok {
		return ErrNotFound
	}
	delete(m.cols[collection], id)
	m.notifyLocked(collection, Event{Kind: EventDelete, Collection: collection, ID: id})
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, collection string) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &memSub{ch: make(chan Event, 64)}

	m.mu.Lock()
	m.subs[collection] = append(m.subs[collection], sub)
	m.mu.Unlock()

	stop := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		close(sub.ch)
		list := m.subs[collection]
		for i, s := range list {
			if s == sub {
				m.subs[collection] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	return sub.ch, stop, nil
}

// notifyLocked fans an event out to subscribers; slow consumers drop
// events rather than block writers, matching the no-guarantee feed
// contract.
func (m *Memory) notifyLocked(collection string, ev Event) {
	for _, sub := range m.subs[collection] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
