// Package player runs the venue playback device: it contends for
// mastery, heartbeats while it holds the lease, advances the shared
// queue as tracks finish, and executes relayed admin commands. The
// moment mastery is lost it stops mutating anything; a zombie master
// double-playing is the failure mode this package exists to prevent.
package player

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"jukevox/internal/archive"
	"jukevox/internal/election"
	"jukevox/internal/metrics"
	"jukevox/internal/queue"
	"jukevox/internal/realtime"
	"jukevox/internal/store"
)

// Auditor captures the archive transitions the engine records.
type Auditor interface {
	MarkPlaying(ctx context.Context, venueID, videoID, requesterID, paymentID string) error
	MarkCompleted(ctx context.Context, venueID, videoID, requesterID, paymentID string) error
}

// Config tunes the engine.
type Config struct {
	Election election.Config
	// Tick is the playback poll interval.
	Tick time.Duration
	// RetryInterval paces re-claims after MASTER_ACTIVE or errors.
	RetryInterval time.Duration
	// DefaultVolume in percent.
	DefaultVolume int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.DefaultVolume <= 0 {
		c.DefaultVolume = 80
	}
	return c
}

// Engine is one playback device for one venue.
type Engine struct {
	st       store.Store
	queues   *queue.Manager
	commands *realtime.Commands
	audit    Auditor
	mets     *metrics.Metrics
	log      zerolog.Logger
	cfg      Config
	now      func() time.Time

	venueID   string
	deviceID  string
	userAgent string

	// Master-session playback state, local to this device.
	paused      bool
	pausedAt    time.Time
	pausedTotal time.Duration // accumulated pause for the current track
	volume      int
}

// NewEngine assembles a playback device.
func NewEngine(st store.Store, queues *queue.Manager, commands *realtime.Commands, audit Auditor,
	mets *metrics.Metrics, venueID, deviceID, userAgent string, cfg Config, log zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		st:        st,
		queues:    queues,
		commands:  commands,
		audit:     audit,
		mets:      mets,
		log:       log.With().Str("component", "player").Str("venue", venueID).Str("device", deviceID).Logger(),
		cfg:       cfg,
		now:       time.Now,
		venueID:   venueID,
		deviceID:  deviceID,
		userAgent: userAgent,
		volume:    cfg.DefaultVolume,
	}
}

// Run contends for mastery and plays until ctx is cancelled. Losing the
// lease drops back to contention; a live master elsewhere is observed
// with patient re-polls, never a tight claim loop.
func (e *Engine) Run(ctx context.Context) error {
	for {
		cfg := e.cfg.Election
		cfg.Clock = e.now
		elector := election.New(e.st, e.venueID, e.deviceID, e.userAgent, cfg, e.log)

		res, err := elector.Claim(ctx)
		e.countClaim(res)
		switch {
		case res.Won:
			e.log.Info().Str("reason", res.Reason).Msg("holding mastery, starting playback")
			if err := e.masterSession(ctx, elector); err != nil {
				return err
			}
		case res.Reason == election.ReasonMasterActive:
			e.log.Info().Str("master", res.CurrentMaster.DeviceID).
				Msg("another device is already playing")
		default:
			e.log.Warn().Err(err).Str("reason", res.Reason).Msg("claim failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.RetryInterval):
		}
	}
}

// masterSession owns playback while the lease is held. It returns nil
// when mastery is lost (caller re-contends) and ctx.Err on shutdown.
func (e *Engine) masterSession(ctx context.Context, elector *election.Elector) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go elector.Run(sessionCtx)

	cmdCh := make(chan realtime.Command, 16)
	go func() {
		err := e.commands.Watch(sessionCtx, e.venueID, func(cmd realtime.Command) {
			select {
			case cmdCh <- cmd:
			case <-sessionCtx.Done():
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn().Err(err).Msg("command watch ended")
		}
	}()

	e.resetTrackState()

	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: give the release a short independent
			// deadline since sessionCtx is already dying.
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = elector.Release(releaseCtx)
			releaseCancel()
			return ctx.Err()
		case <-elector.MasterLost():
			e.log.Warn().Msg("mastery lost, playback stopped")
			return nil
		case cmd := <-cmdCh:
			e.handleCommand(ctx, cmd)
		case <-ticker.C:
			e.step(ctx)
		}
	}
}

// step advances playback when the current track has run out (or none is
// playing and the queue has entries).
func (e *Engine) step(ctx context.Context) {
	if e.paused {
		return
	}

	q, err := e.queues.Load(ctx, e.venueID)
	if err != nil {
		e.log.Warn().Err(err).Msg("queue load failed")
		return
	}

	if q.NowPlaying == nil {
		if len(q.Priority)+len(q.Main) > 0 {
			e.advance(ctx, q)
		}
		return
	}

	started := time.UnixMilli(q.NowPlaying.StartedAt)
	playFor := time.Duration(q.NowPlaying.Duration)*time.Second + e.pausedTotal
	if e.now().Sub(started) >= playFor {
		e.advance(ctx, q)
	}
}

// advance completes the finished entry's audit record, moves the queue
// forward, and marks the successor as playing.
func (e *Engine) advance(ctx context.Context, q *queue.VenueQueue) {
	if prev := q.NowPlaying; prev != nil && prev.IsPaid {
		err := e.audit.MarkCompleted(ctx, e.venueID, prev.VideoID, prev.RequestedBy, prev.PaymentID)
		if err != nil && !errors.Is(err, archive.ErrNotFound) {
			e.log.Warn().Err(err).Str("video", prev.VideoID).Msg("audit completion failed")
		}
	}

	next, err := e.queues.Advance(ctx, e.venueID)
	if err != nil {
		e.log.Warn().Err(err).Msg("advance failed")
		return
	}
	e.resetTrackState()

	if next == nil {
		e.log.Info().Msg("queue exhausted, player idle")
		return
	}
	e.log.Info().Str("video", next.VideoID).Str("title", next.Title).Msg("now playing")

	if next.IsPaid {
		err := e.audit.MarkPlaying(ctx, e.venueID, next.VideoID, next.RequestedBy, next.PaymentID)
		if err != nil && !errors.Is(err, archive.ErrNotFound) {
			e.log.Warn().Err(err).Str("video", next.VideoID).Msg("audit playing failed")
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd realtime.Command) {
	switch cmd.Name {
	case realtime.CommandSkip:
		q, err := e.queues.Load(ctx, e.venueID)
		if err != nil {
			e.log.Warn().Err(err).Msg("skip: queue load failed")
			return
		}
		e.advance(ctx, q)
	case realtime.CommandPause:
		if !e.paused {
			e.paused = true
			e.pausedAt = e.now()
			e.log.Info().Msg("playback paused")
		}
	case realtime.CommandResume:
		if e.paused {
			e.paused = false
			e.pausedTotal += e.now().Sub(e.pausedAt)
			e.log.Info().Msg("playback resumed")
		}
	case realtime.CommandVolume:
		var body struct {
			Level int `json:"level"`
		}
		if err := json.Unmarshal(cmd.Payload, &body); err != nil || body.Level < 0 || body.Level > 100 {
			e.log.Warn().RawJSON("payload", cmd.Payload).Msg("ignoring bad volume command")
			return
		}
		e.volume = body.Level
		e.log.Info().Int("level", body.Level).Msg("volume changed")
	default:
		e.log.Warn().Str("command", cmd.Name).Msg("ignoring unknown command")
	}
}

func (e *Engine) resetTrackState() {
	e.paused = false
	e.pausedTotal = 0
}

func (e *Engine) countClaim(res election.ClaimResult) {
	if e.mets == nil {
		return
	}
	outcome := "network_error"
	switch res.Reason {
	case election.ReasonRegistered:
		outcome = "registered"
	case election.ReasonReconnected:
		outcome = "reconnected"
	case election.ReasonMasterActive:
		outcome = "master_active"
	}
	e.mets.Claims.WithLabelValues(outcome).Inc()
}
