package player

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"jukevox/internal/election"
	"jukevox/internal/queue"
	"jukevox/internal/realtime"
	"jukevox/internal/store"
)

type recordingAuditor struct {
	mu        sync.Mutex
	playing   []string
	completed []string
}

func (a *recordingAuditor) MarkPlaying(_ context.Context, _, videoID, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.playing = append(a.playing, videoID)
	return nil
}

func (a *recordingAuditor) MarkCompleted(_ context.Context, _, videoID, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed = append(a.completed, videoID)
	return nil
}

func (a *recordingAuditor) snapshot() (playing, completed []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.playing...), append([]string(nil), a.completed...)
}

func newTestEngine(t *testing.T) (*Engine, *queue.Manager, *recordingAuditor, store.Store) {
	t.Helper()
	st := store.NewMemory()
	queues := queue.NewManager(st, zerolog.Nop())
	commands := realtime.NewCommands(st, zerolog.Nop())
	audit := &recordingAuditor{}
	e := NewEngine(st, queues, commands, audit, nil,
		"v1", "dev-test", "test-agent", Config{}, zerolog.Nop())
	return e, queues, audit, st
}

func paidEntry(videoID string, duration int) queue.Entry {
	return queue.Entry{
		Track:       queue.Track{VideoID: videoID, Title: videoID, Artist: "artist", Duration: duration},
		RequestedBy: "patron-1",
		PaymentID:   "pay-" + videoID,
		IsPaid:      true,
	}
}

func TestStepStartsPlaybackWhenIdle(t *testing.T) {
	ctx := context.Background()
	e, queues, audit, _ := newTestEngine(t)

	if _, err := queues.EnqueuePriority(ctx, "v1", paidEntry("vid-1", 180)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e.step(ctx)

	q, err := queues.Load(ctx, "v1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if q.NowPlaying == nil || q.NowPlaying.VideoID != "vid-1" {
		t.Fatalf("nowPlaying = %+v, want vid-1", q.NowPlaying)
	}
	playing, completed := audit.snapshot()
	if len(playing) != 1 || playing[0] != "vid-1" || len(completed) != 0 {
		t.Fatalf("audit playing=%v completed=%v", playing, completed)
	}
}

func TestStepAdvancesWhenTrackElapses(t *testing.T) {
	ctx := context.Background()
	e, queues, audit, _ := newTestEngine(t)

	if _, err := queues.EnqueuePriority(ctx, "v1", paidEntry("vid-1", 180)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := queues.EnqueueMain(ctx, "v1", queue.Entry{
		Track: queue.Track{VideoID: "vid-2", Duration: 200},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e.step(ctx) // starts vid-1

	// Mid-track, nothing changes.
	e.now = func() time.Time { return time.Now().Add(90 * time.Second) }
	e.step(ctx)
	q, _ := queues.Load(ctx, "v1")
	if q.NowPlaying == nil || q.NowPlaying.VideoID != "vid-1" {
		t.Fatalf("advanced mid-track: %+v", q.NowPlaying)
	}

	// Past the 180s duration the engine must move on.
	e.now = func() time.Time { return time.Now().Add(181 * time.Second) }
	e.step(ctx)
	q, _ = queues.Load(ctx, "v1")
	if q.NowPlaying == nil || q.NowPlaying.VideoID != "vid-2" {
		t.Fatalf("nowPlaying = %+v, want vid-2", q.NowPlaying)
	}

	playing, completed := audit.snapshot()
	if len(completed) != 1 || completed[0] != "vid-1" {
		t.Fatalf("completed = %v, want [vid-1]", completed)
	}
	// vid-2 is a free main-queue entry; only the paid request is audited.
	if len(playing) != 1 || playing[0] != "vid-1" {
		t.Fatalf("playing = %v, want [vid-1]", playing)
	}
}

func TestPauseStopsTheClock(t *testing.T) {
	ctx := context.Background()
	e, queues, _, _ := newTestEngine(t)

	if _, err := queues.EnqueuePriority(ctx, "v1", paidEntry("vid-1", 100)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e.step(ctx)

	// Pause at t+50s, resume at t+200s: 150s of pause means the track
	// still has 50s of playback left at resume.
	e.now = func() time.Time { return time.Now().Add(50 * time.Second) }
	e.handleCommand(ctx, realtime.Command{Name: realtime.CommandPause})

	e.now = func() time.Time { return time.Now().Add(200 * time.Second) }
	e.step(ctx)
	q, _ := queues.Load(ctx, "v1")
	if q.NowPlaying == nil || q.NowPlaying.VideoID != "vid-1" {
		t.Fatalf("paused engine advanced: %+v", q.NowPlaying)
	}

	e.handleCommand(ctx, realtime.Command{Name: realtime.CommandResume})
	e.step(ctx)
	q, _ = queues.Load(ctx, "v1")
	if q.NowPlaying == nil || q.NowPlaying.VideoID != "vid-1" {
		t.Fatalf("resumed engine advanced too early: %+v", q.NowPlaying)
	}

	// t+251s: 100s duration + 150s pause has fully elapsed.
	e.now = func() time.Time { return time.Now().Add(251 * time.Second) }
	e.step(ctx)
	q, _ = queues.Load(ctx, "v1")
	if q.NowPlaying != nil {
		t.Fatalf("track not completed after pause credit: %+v", q.NowPlaying)
	}
}

func TestSkipCommandAdvancesImmediately(t *testing.T) {
	ctx := context.Background()
	e, queues, audit, _ := newTestEngine(t)

	if _, err := queues.EnqueuePriority(ctx, "v1", paidEntry("vid-1", 300)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := queues.EnqueuePriority(ctx, "v1", paidEntry("vid-2", 300)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e.step(ctx)

	e.handleCommand(ctx, realtime.Command{Name: realtime.CommandSkip})

	q, _ := queues.Load(ctx, "v1")
	if q.NowPlaying == nil || q.NowPlaying.VideoID != "vid-2" {
		t.Fatalf("nowPlaying = %+v, want vid-2", q.NowPlaying)
	}
	_, completed := audit.snapshot()
	if len(completed) != 1 || completed[0] != "vid-1" {
		t.Fatalf("completed = %v, want [vid-1]", completed)
	}
}

func TestVolumeCommandValidation(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newTestEngine(t)

	e.handleCommand(ctx, realtime.Command{
		Name:    realtime.CommandVolume,
		Payload: json.RawMessage(`{"level":45}`),
	})
	if e.volume != 45 {
		t.Fatalf("volume = %d, want 45", e.volume)
	}

	for _, payload := range []string{`{"level":150}`, `{"level":-5}`, `not json`} {
		e.handleCommand(ctx, realtime.Command{
			Name:    realtime.CommandVolume,
			Payload: json.RawMessage(payload),
		})
		if e.volume != 45 {
			t.Fatalf("payload %q changed volume to %d", payload, e.volume)
		}
	}
}

func TestMasterSessionStopsWhenLeaseVanishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, _, _, st := newTestEngine(t)
	e.cfg.Election = election.Config{
		HeartbeatInterval: 10 * time.Millisecond,
		RetryBase:         time.Millisecond,
	}
	e.cfg.Tick = 5 * time.Millisecond

	elector := election.New(st, "v1", "dev-test", "test-agent", e.cfg.Election, zerolog.Nop())
	res, err := elector.Claim(ctx)
	if err != nil || !res.Won {
		t.Fatalf("claim: res=%+v err=%v", res, err)
	}

	done := make(chan error, 1)
	go func() { done <- e.masterSession(ctx, elector) }()

	// Simulate a takeover by deleting the lease document out from
	// under the running master.
	time.Sleep(20 * time.Millisecond)
	if err := st.Delete(ctx, election.Collection, "v1:dev-test"); err != nil {
		t.Fatalf("delete lease: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("masterSession returned %v, want nil on lost mastery", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("master session did not stop after losing its lease")
	}
}
