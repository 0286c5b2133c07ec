// Package realtime propagates queue and lease changes to every
// connected client and relays admin commands to the current master
// player. The transport behind the fan-out is pluggable: Redis pub/sub,
// NATS, or an in-process loopback.
package realtime

import (
	"context"
	"sync"
)

// Handler receives one published payload. Handlers must not block.
type Handler func(payload []byte)

// Feed is a fire-and-forget broadcast transport. Delivery is
// best-effort with no replay: consumers re-fetch authoritative state
// on (re)subscribe rather than resuming an event stream.
type Feed interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	// Subscribe registers h for a subject and returns an unsubscribe
	// function (scoped resource: callers release on teardown).
	Subscribe(subject string, h Handler) (func(), error)
	Close() error
}

// LocalFeed is the in-process Feed used by tests and single-node
// deployments.
type LocalFeed struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]Handler
}

// NewLocalFeed returns an empty loopback feed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{subs: make(map[string]map[int]Handler)}
}

func (f *LocalFeed) Publish(_ context.Context, subject string, payload []byte) error {
	f.mu.Lock()
	handlers := make([]Handler, 0, len(f.subs[subject]))
	for _, h := range f.subs[subject] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (f *LocalFeed) Subscribe(subject string, h Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[subject] == nil {
		f.subs[subject] = make(map[int]Handler)
	}
	id := f.nextID
	f.nextID++
	f.subs[subject][id] = h

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[subject], id)
	}, nil
}

func (f *LocalFeed) Close() error { return nil }
