package realtime

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const natsSubjectPrefix = "jukevox.rt."

// NATSFeed backs the broadcast transport with NATS core pub/sub. Same
// at-most-once semantics as the Redis variant, so the two are
// interchangeable behind Feed.
type NATSFeed struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NewNATSFeed connects to the given NATS URL.
func NewNATSFeed(url string, log zerolog.Logger) (*NATSFeed, error) {
	nc, err := nats.Connect(url, nats.Name("jukevox-feed"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSFeed{nc: nc, log: log.With().Str("component", "nats-feed").Logger()}, nil
}

func (f *NATSFeed) Publish(_ context.Context, subject string, payload []byte) error {
	if err := f.nc.Publish(natsSubjectPrefix+subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (f *NATSFeed) Subscribe(subject string, h Handler) (func(), error) {
	sub, err := f.nc.Subscribe(natsSubjectPrefix+subject, func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			f.log.Warn().Err(err).Str("subject", subject).Msg("unsubscribe failed")
		}
	}, nil
}

func (f *NATSFeed) Close() error {
	f.nc.Close()
	return nil
}
