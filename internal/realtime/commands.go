package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"jukevox/internal/store"
)

// CommandCollection holds pending admin commands, one document each,
// consumed (deleted) by the master player after execution.
const CommandCollection = "commands"

// Command names understood by the player.
const (
	CommandSkip   = "skip"
	CommandPause  = "pause"
	CommandResume = "resume"
	CommandVolume = "volume"
)

// ErrUnknownCommand rejects command names the player would ignore.
var ErrUnknownCommand = errors.New("unknown command")

// Command is one admin instruction relayed to the master player.
// Fire-and-forget: admins observe the resulting state change instead of
// waiting for an ack.
type Command struct {
	ID       string          `json:"id"`
	VenueID  string          `json:"venueId"`
	Name     string          `json:"command"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	IssuedBy string          `json:"issuedBy,omitempty"`
	IssuedAt int64           `json:"issuedAt"`
}

// Commands relays admin commands through the document store; the
// master observes them via its own subscription.
type Commands struct {
	st  store.Store
	log zerolog.Logger
	now func() time.Time
}

// NewCommands wires the relay.
func NewCommands(st store.Store, log zerolog.Logger) *Commands {
	return &Commands{
		st:  st,
		log: log.With().Str("component", "commands").Logger(),
		now: time.Now,
	}
}

// Issue writes a command record for the venue's master to pick up.
func (c *Commands) Issue(ctx context.Context, venueID, name string, payload json.RawMessage, issuedBy string) (Command, error) {
	switch name {
	case CommandSkip, CommandPause, CommandResume, CommandVolume:
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	cmd := Command{
		ID:       uuid.NewString(),
		VenueID:  venueID,
		Name:     name,
		Payload:  payload,
		IssuedBy: issuedBy,
		IssuedAt: c.now().UnixMilli(),
	}
	doc := store.Document{
		"venueId":  cmd.VenueID,
		"command":  cmd.Name,
		"payload":  string(cmd.Payload),
		"issuedBy": cmd.IssuedBy,
		"issuedAt": cmd.IssuedAt,
	}
	if err := c.st.Create(ctx, CommandCollection, cmd.ID, doc); err != nil {
		return Command{}, fmt.Errorf("issue command: %w", err)
	}
	return cmd, nil
}

// Watch delivers the venue's commands to handle, oldest first, deleting
// each record once handled. It drains commands that were already
// pending before the subscription, then follows the live feed until
// ctx is cancelled. Only the master player should run a Watch; the
// single-consumer discipline comes from the election protocol.
func (c *Commands) Watch(ctx context.Context, venueID string, handle func(Command)) error {
	events, stop, err := c.st.Subscribe(ctx, CommandCollection)
	if err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	defer stop()

	c.drain(ctx, venueID, handle)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind != store.EventPut {
				continue
			}
			if v, _ := ev.Doc["venueId"].(string); v != venueID {
				continue
			}
			c.consume(ctx, ev.ID, ev.Doc, handle)
		}
	}
}

// drain processes commands issued while no master was watching.
func (c *Commands) drain(ctx context.Context, venueID string, handle func(Command)) {
	pending, err := c.st.List(ctx, CommandCollection, store.Eq("venueId", venueID))
	if err != nil {
		c.log.Warn().Err(err).Str("venue", venueID).Msg("pending-command drain failed")
		return
	}
	// Oldest first: issuedAt is client-observed but venue-local skew is
	// within the tolerance the protocol already assumes.
	for i := 0; i < len(pending); i++ {
		for j := i + 1; j < len(pending); j++ {
			if issuedAt(pending[j]) < issuedAt(pending[i]) {
				pending[i], pending[j] = pending[j], pending[i]
			}
		}
	}
	for _, doc := range pending {
		id, _ := doc["$id"].(string)
		c.consume(ctx, id, doc, handle)
	}
}

func (c *Commands) consume(ctx context.Context, id string, doc store.Document, handle func(Command)) {
	// Delete before handling: a command that fails to execute is
	// dropped rather than retried forever, matching fire-and-forget.
	if err := c.st.Delete(ctx, CommandCollection, id); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn().Err(err).Str("command", id).Msg("command consume failed")
		}
		return
	}

	cmd := Command{ID: id, IssuedAt: int64(issuedAt(doc))}
	cmd.VenueID, _ = doc["venueId"].(string)
	cmd.Name, _ = doc["command"].(string)
	cmd.IssuedBy, _ = doc["issuedBy"].(string)
	if raw, _ := doc["payload"].(string); raw != "" {
		cmd.Payload = json.RawMessage(raw)
	}
	handle(cmd)
}

func issuedAt(doc store.Document) float64 {
	f, _ := doc["issuedAt"].(float64)
	return f
}
