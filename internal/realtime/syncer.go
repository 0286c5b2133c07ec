package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jukevox/internal/election"
	"jukevox/internal/queue"
	"jukevox/internal/store"
)

// Change is the envelope fanned out to clients. It announces that a
// venue's queue or lease state moved; receivers treat it as a poke to
// re-read, not as a replayable log.
type Change struct {
	Type    string `json:"type"` // "queue" or "lease"
	VenueID string `json:"venueId"`
	At      int64  `json:"at"` // unix ms
}

func queueSubject(venueID string) string { return "venue." + venueID + ".queue" }
func leaseSubject(venueID string) string { return "venue." + venueID + ".lease" }

// Syncer bridges the store's collection-scoped change feeds onto
// per-venue feed subjects and offers the observer subscription used by
// non-master clients.
type Syncer struct {
	st     store.Store
	queues *queue.Manager
	feed   Feed
	log    zerolog.Logger
	now    func() time.Time
}

// NewSyncer wires the bridge.
func NewSyncer(st store.Store, queues *queue.Manager, feed Feed, log zerolog.Logger) *Syncer {
	return &Syncer{
		st:     st,
		queues: queues,
		feed:   feed,
		log:    log.With().Str("component", "syncer").Logger(),
		now:    time.Now,
	}
}

// Run pumps store change events onto the feed until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	queueEvents, stopQueues, err := s.st.Subscribe(ctx, queue.Collection)
	if err != nil {
		return fmt.Errorf("subscribe queue feed: %w", err)
	}
	defer stopQueues()

	leaseEvents, stopLeases, err := s.st.Subscribe(ctx, election.Collection)
	if err != nil {
		return fmt.Errorf("subscribe lease feed: %w", err)
	}
	defer stopLeases()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-queueEvents:
			if !ok {
				return nil
			}
			s.forward(ctx, "queue", ev)
		case ev, ok := <-leaseEvents:
			if !ok {
				return nil
			}
			s.forward(ctx, "lease", ev)
		}
	}
}

func (s *Syncer) forward(ctx context.Context, kind string, ev store.Event) {
	venueID := venueOf(ev)
	if venueID == "" {
		return
	}
	change := Change{Type: kind, VenueID: venueID, At: s.now().UnixMilli()}
	payload, err := json.Marshal(change)
	if err != nil {
		s.log.Error().Err(err).Msg("encode change")
		return
	}
	subject := queueSubject(venueID)
	if kind == "lease" {
		subject = leaseSubject(venueID)
	}
	if err := s.feed.Publish(ctx, subject, payload); err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Msg("publish change")
	}
}

// venueOf extracts the tenant key from an event. Queue documents are
// keyed by venue ID; lease documents carry venueId and fall back to
// the "<venue>:<device>" document ID on deletes.
func venueOf(ev store.Event) string {
	if v, ok := ev.Doc["venueId"].(string); ok && v != "" {
		return v
	}
	if ev.Collection == election.Collection {
		for i, c := range ev.ID {
			if c == ':' {
				return ev.ID[:i]
			}
		}
	}
	return ev.ID
}

// QueueHandler receives refreshed queue state.
type QueueHandler func(*queue.VenueQueue)

// LeaseHandler receives refreshed mastery status.
type LeaseHandler func(election.VenueStatus)

// Subscribe delivers a venue's current state immediately (the
// authoritative read), then re-reads and re-delivers on every feed
// poke. The returned function tears the subscription down.
func (s *Syncer) Subscribe(ctx context.Context, venueID string, onQueue QueueHandler, onLease LeaseHandler) (func(), error) {
	var mu sync.Mutex // serializes handler invocations

	pushQueue := func() {
		q, err := s.queues.Load(ctx, venueID)
		if err != nil {
			s.log.Warn().Err(err).Str("venue", venueID).Msg("queue refresh failed")
			return
		}
		mu.Lock()
		onQueue(q)
		mu.Unlock()
	}
	pushLease := func() {
		status, err := election.QueryStatus(ctx, s.st, venueID, s.now())
		if err != nil {
			s.log.Warn().Err(err).Str("venue", venueID).Msg("lease refresh failed")
			return
		}
		mu.Lock()
		onLease(status)
		mu.Unlock()
	}

	// Authoritative read first, live feed layered on top.
	pushQueue()
	pushLease()

	unsubQueue, err := s.feed.Subscribe(queueSubject(venueID), func([]byte) { pushQueue() })
	if err != nil {
		return nil, fmt.Errorf("subscribe queue changes: %w", err)
	}
	unsubLease, err := s.feed.Subscribe(leaseSubject(venueID), func([]byte) { pushLease() })
	if err != nil {
		unsubQueue()
		return nil, fmt.Errorf("subscribe lease changes: %w", err)
	}

	return func() {
		unsubQueue()
		unsubLease()
	}, nil
}
