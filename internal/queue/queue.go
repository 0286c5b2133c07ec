// Package queue implements the two-tier venue queue: a priority
// sub-queue of paid requests dequeued strictly before the main
// playlist, FIFO within each. Only the elected master player is
// expected to advance playback; that exclusivity is enforced by the
// election package, not here.
package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexOutOfRange signals a removal past the end of a sub-queue.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrBadReorder signals a reorder that is not a permutation of the
	// existing sub-queue.
	ErrBadReorder = errors.New("reorder is not a permutation of the existing queue")
	// ErrUnknownSub signals an unrecognized sub-queue selector.
	ErrUnknownSub = errors.New("unknown sub-queue")
)

// Status tracks an entry through its lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusPlaying   Status = "playing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Sub selects a sub-queue.
type Sub string

const (
	SubPriority Sub = "priority"
	SubMain     Sub = "main"
	SubBoth     Sub = "both" // Clear only
)

// Track describes a playable item. Immutable once created; equality is
// by VideoID.
type Track struct {
	VideoID   string `json:"videoId"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	Duration  int    `json:"duration"` // seconds
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Entry is a Track plus request metadata. Position is advisory; the
// authoritative order is slice order.
type Entry struct {
	Track
	RequestedBy string  `json:"requestedBy,omitempty"`
	RequestedAt int64   `json:"requestedAt,omitempty"` // unix ms
	Position    int     `json:"position,omitempty"`
	IsPaid      bool    `json:"isPaid,omitempty"`
	PaidAmount  float64 `json:"paidAmount,omitempty"`
	PaymentID   string  `json:"paymentId,omitempty"`
	Status      Status  `json:"status,omitempty"`
	StartedAt   int64   `json:"startedAt,omitempty"` // unix ms, set on play
}

// VenueQueue is the aggregate playback state for one venue.
type VenueQueue struct {
	VenueID    string
	NowPlaying *Entry
	Priority   []Entry
	Main       []Entry
	UpdatedAt  int64 // unix ms
}

// EnqueuePriority appends a paid request. Duplicate videoIds are
// legitimate (two patrons, same song), so there is no dedup.
func (q *VenueQueue) EnqueuePriority(e Entry) int {
	e.Position = len(q.Priority) + 1
	e.Status = StatusQueued
	q.Priority = append(q.Priority, e)
	return e.Position
}

// EnqueueMain appends to the background playlist.
func (q *VenueQueue) EnqueueMain(e Entry) int {
	e.Position = len(q.Main) + 1
	e.Status = StatusQueued
	q.Main = append(q.Main, e)
	return e.Position
}

// DequeueNext removes and returns the next entry, priority strictly
// before main, FIFO within each. ok is false when both are empty.
func (q *VenueQueue) DequeueNext() (Entry, bool) {
	if len(q.Priority) > 0 {
		head := q.Priority[0]
		q.Priority = q.Priority[1:]
		return head, true
	}
	if len(q.Main) > 0 {
		head := q.Main[0]
		q.Main = q.Main[1:]
		return head, true
	}
	return Entry{}, false
}

// Advance moves the next entry into NowPlaying, stamping it as playing
// at now (unix ms). With both sub-queues exhausted, NowPlaying becomes
// nil and the caller decides the fallback. This is the only operation
// that changes NowPlaying.
func (q *VenueQueue) Advance(now int64) *Entry {
	next, ok := q.DequeueNext()
	if !ok {
		q.NowPlaying = nil
		q.UpdatedAt = now
		return nil
	}
	next.Status = StatusPlaying
	next.StartedAt = now
	q.NowPlaying = &next
	q.UpdatedAt = now
	return &next
}

// RemoveAt deletes the entry at index from the given sub-queue.
func (q *VenueQueue) RemoveAt(sub Sub, index int) (Entry, error) {
	target, err := q.subQueue(sub)
	if err != nil {
		return Entry{}, err
	}
	if index < 0 || index >= len(*target) {
		return Entry{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(*target))
	}
	removed := (*target)[index]
	*target = append((*target)[:index], (*target)[index+1:]...)
	return removed, nil
}

// Clear empties the selected sub-queue(s).
func (q *VenueQueue) Clear(sub Sub) error {
	switch sub {
	case SubPriority:
		q.Priority = nil
	case SubMain:
		q.Main = nil
	case SubBoth:
		q.Priority = nil
		q.Main = nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSub, sub)
	}
	return nil
}

// Reorder replaces a sub-queue's order wholesale. The new order must be
// a permutation of the existing entries: same count, same videoId
// multiset. Anything else would silently drop or invent requests.
func (q *VenueQueue) Reorder(sub Sub, newOrder []Entry) error {
	target, err := q.subQueue(sub)
	if err != nil {
		return err
	}
	if len(newOrder) != len(*target) {
		return fmt.Errorf("%w: got %d entries, have %d", ErrBadReorder, len(newOrder), len(*target))
	}

	have := make(map[string]int, len(*target))
	for _, e := range *target {
		have[e.VideoID]++
	}
	for _, e := range newOrder {
		have[e.VideoID]--
		if have[e.VideoID] < 0 {
			return fmt.Errorf("%w: unexpected videoId %q", ErrBadReorder, e.VideoID)
		}
	}

	replacement := make([]Entry, len(newOrder))
	copy(replacement, newOrder)
	for i := range replacement {
		replacement[i].Position = i + 1
	}
	*target = replacement
	return nil
}

func (q *VenueQueue) subQueue(sub Sub) (*[]Entry, error) {
	switch sub {
	case SubPriority:
		return &q.Priority, nil
	case SubMain:
		return &q.Main, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSub, sub)
	}
}
