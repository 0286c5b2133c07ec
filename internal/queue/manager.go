package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"jukevox/internal/store"
)

// Collection is the durable-store collection holding venue queues, one
// document per venue keyed by venue ID.
const Collection = "queues"

// Manager persists VenueQueue aggregates in the document store. The
// sub-queues live as JSON-encoded text fields inside the document to
// stay interoperable with the existing schema; a field that fails to
// decode reads back as an empty queue (logged) rather than wedging the
// player.
type Manager struct {
	st  store.Store
	log zerolog.Logger
	now func() time.Time
}

// NewManager wires a Manager to the store.
func NewManager(st store.Store, log zerolog.Logger) *Manager {
	return &Manager{
		st:  st,
		log: log.With().Str("component", "queue").Logger(),
		now: time.Now,
	}
}

// Load fetches a venue's queue, returning an empty aggregate when the
// venue has no document yet.
func (m *Manager) Load(ctx context.Context, venueID string) (*VenueQueue, error) {
	doc, err := m.st.Get(ctx, Collection, venueID)
	if errors.Is(err, store.ErrNotFound) {
		return &VenueQueue{VenueID: venueID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue %s: %w", venueID, err)
	}
	return m.fromDocument(venueID, doc), nil
}

// Save writes the aggregate back, creating the document on first use.
func (m *Manager) Save(ctx context.Context, q *VenueQueue) error {
	doc, err := m.toDocument(q)
	if err != nil {
		return err
	}
	err = m.st.Update(ctx, Collection, q.VenueID, doc)
	if errors.Is(err, store.ErrNotFound) {
		err = m.st.Create(ctx, Collection, q.VenueID, doc)
		if errors.Is(err, store.ErrExists) {
			// Lost the creation race; merge onto the winner's document.
			err = m.st.Update(ctx, Collection, q.VenueID, doc)
		}
	}
	if err != nil {
		return fmt.Errorf("save queue %s: %w", q.VenueID, err)
	}
	return nil
}

// EnqueuePriority appends a paid request and returns its position.
func (m *Manager) EnqueuePriority(ctx context.Context, venueID string, e Entry) (int, error) {
	var pos int
	err := m.mutate(ctx, venueID, func(q *VenueQueue) error {
		pos = q.EnqueuePriority(e)
		return nil
	})
	return pos, err
}

// EnqueueMain appends to the background playlist and returns the position.
func (m *Manager) EnqueueMain(ctx context.Context, venueID string, e Entry) (int, error) {
	var pos int
	err := m.mutate(ctx, venueID, func(q *VenueQueue) error {
		pos = q.EnqueueMain(e)
		return nil
	})
	return pos, err
}

// Advance transitions nowPlaying to the next entry (nil when the queue
// is exhausted) and returns it.
func (m *Manager) Advance(ctx context.Context, venueID string) (*Entry, error) {
	var started *Entry
	err := m.mutate(ctx, venueID, func(q *VenueQueue) error {
		started = q.Advance(m.now().UnixMilli())
		return nil
	})
	return started, err
}

// RemoveAt deletes the entry at index from a sub-queue.
func (m *Manager) RemoveAt(ctx context.Context, venueID string, sub Sub, index int) (Entry, error) {
	var removed Entry
	err := m.mutate(ctx, venueID, func(q *VenueQueue) error {
		var err error
		removed, err = q.RemoveAt(sub, index)
		return err
	})
	return removed, err
}

// Clear empties the selected sub-queue(s).
func (m *Manager) Clear(ctx context.Context, venueID string, sub Sub) error {
	return m.mutate(ctx, venueID, func(q *VenueQueue) error {
		return q.Clear(sub)
	})
}

// Reorder replaces a sub-queue's order after permutation validation.
func (m *Manager) Reorder(ctx context.Context, venueID string, sub Sub, newOrder []Entry) error {
	return m.mutate(ctx, venueID, func(q *VenueQueue) error {
		return q.Reorder(sub, newOrder)
	})
}

// mutate runs a read-modify-write cycle. Single-writer discipline for
// playback comes from the election protocol; kiosk/admin edits racing
// each other resolve last-writer-wins, the store's documented model.
func (m *Manager) mutate(ctx context.Context, venueID string, fn func(*VenueQueue) error) error {
	q, err := m.Load(ctx, venueID)
	if err != nil {
		return err
	}
	if err := fn(q); err != nil {
		return err
	}
	q.UpdatedAt = m.now().UnixMilli()
	return m.Save(ctx, q)
}

func (m *Manager) toDocument(q *VenueQueue) (store.Document, error) {
	priority, err := json.Marshal(q.Priority)
	if err != nil {
		return nil, fmt.Errorf("encode priority queue: %w", err)
	}
	main, err := json.Marshal(q.Main)
	if err != nil {
		return nil, fmt.Errorf("encode main queue: %w", err)
	}

	nowPlaying := ""
	if q.NowPlaying != nil {
		raw, err := json.Marshal(q.NowPlaying)
		if err != nil {
			return nil, fmt.Errorf("encode nowPlaying: %w", err)
		}
		nowPlaying = string(raw)
	}

	return store.Document{
		"venueId":       q.VenueID,
		"nowPlaying":    nowPlaying,
		"priorityQueue": string(priority),
		"mainQueue":     string(main),
		"updatedAt":     q.UpdatedAt,
	}, nil
}

func (m *Manager) fromDocument(venueID string, doc store.Document) *VenueQueue {
	q := &VenueQueue{VenueID: venueID}
	if ts, ok := doc["updatedAt"].(float64); ok {
		q.UpdatedAt = int64(ts)
	}
	q.Priority = m.decodeEntries(venueID, "priorityQueue", doc["priorityQueue"])
	q.Main = m.decodeEntries(venueID, "mainQueue", doc["mainQueue"])

	if raw, ok := doc["nowPlaying"].(string); ok && raw != "" {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			m.log.Error().Err(err).Str("venue", venueID).
				Msg("corrupt nowPlaying field, treating as idle")
		} else {
			q.NowPlaying = &e
		}
	}
	return q
}

// decodeEntries recovers a sub-queue from its JSON text field. A
// corrupt field is an operator problem, not a player-stopping one: log
// it loudly and read the queue as empty.
func (m *Manager) decodeEntries(venueID, field string, v any) []Entry {
	raw, ok := v.(string)
	if !ok || raw == "" {
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		m.log.Error().Err(err).Str("venue", venueID).Str("field", field).
			Msg("corrupt queue field, treating as empty")
		return nil
	}
	return entries
}
