package realtime

import (
	"sync"

	"github.com/rs/zerolog"

	"jukevox/internal/metrics"
)

// Hub owns the websocket observers, grouped per venue, and fans feed
// payloads out to them. A venue's feed subscription is opened when its
// first client arrives and released when the last one leaves.
type Hub struct {
	feed Feed
	log  zerolog.Logger
	mets *metrics.Metrics

	mu     sync.Mutex
	venues map[string]*venueRoom
}

type venueRoom struct {
	clients map[*Client]bool
	unsub   func()
}

// NewHub wires the hub to the broadcast feed.
func NewHub(feed Feed, mets *metrics.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		feed:   feed,
		log:    log.With().Str("component", "hub").Logger(),
		mets:   mets,
		venues: make(map[string]*venueRoom),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.venues[c.venueID]
	if !ok {
		room = &venueRoom{clients: make(map[*Client]bool)}
		h.venues[c.venueID] = room

		venueID := c.venueID
		subscribe := func(subject string) func() {
			unsub, err := h.feed.Subscribe(subject, func(payload []byte) {
				h.broadcast(venueID, payload)
			})
			if err != nil {
				h.log.Warn().Err(err).Str("subject", subject).Msg("feed subscribe failed")
				return func() {}
			}
			return unsub
		}
		unsubQueue := subscribe(queueSubject(venueID))
		unsubLease := subscribe(leaseSubject(venueID))
		room.unsub = func() {
			unsubQueue()
			unsubLease()
		}
	}

	room.clients[c] = true
	if h.mets != nil {
		h.mets.WSClients.Inc()
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.venues[c.venueID]
	if !ok || !room.clients[c] {
		return
	}
	delete(room.clients, c)
	close(c.send)
	if h.mets != nil {
		h.mets.WSClients.Dec()
	}

	if len(room.clients) == 0 {
		room.unsub()
		delete(h.venues, c.venueID)
	}
}

// broadcast pushes a payload to every client of a venue. Slow clients
// are dropped rather than allowed to stall the room.
func (h *Hub) broadcast(venueID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.venues[venueID]
	if !ok {
		return
	}
	for c := range room.clients {
		select {
		case c.send <- payload:
		default:
			delete(room.clients, c)
			close(c.send)
			_ = c.conn.Close()
			if h.mets != nil {
				h.mets.WSClients.Dec()
			}
		}
	}
}
