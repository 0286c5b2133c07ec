package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"jukevox/internal/archive"
	"jukevox/internal/auth"
	"jukevox/internal/election"
	"jukevox/internal/intake"
	"jukevox/internal/queue"
	"jukevox/internal/realtime"
)

type stubPlayers struct {
	claimResult  election.ClaimResult
	claimErr     error
	master       bool
	status       election.VenueStatus
	releasedFor  string
	heartbeatErr error
}

func (s *stubPlayers) Claim(context.Context, string, string, string) (election.ClaimResult, error) {
	return s.claimResult, s.claimErr
}

func (s *stubPlayers) Heartbeat(context.Context, string, string) (bool, error) {
	return s.master, s.heartbeatErr
}

func (s *stubPlayers) Release(_ context.Context, _ string, deviceID string) error {
	s.releasedFor = deviceID
	return nil
}

func (s *stubPlayers) Status(context.Context, string) (election.VenueStatus, error) {
	return s.status, nil
}

type stubQueues struct {
	loaded    *queue.VenueQueue
	enqueued  []queue.Entry
	removeErr error
	removed   queue.Entry
	reordered []queue.Entry
	cleared   queue.Sub
}

func (s *stubQueues) Load(_ context.Context, venueID string) (*queue.VenueQueue, error) {
	if s.loaded != nil {
		return s.loaded, nil
	}
	return &queue.VenueQueue{VenueID: venueID}, nil
}

func (s *stubQueues) EnqueueMain(_ context.Context, _ string, e queue.Entry) (int, error) {
	s.enqueued = append(s.enqueued, e)
	return len(s.enqueued), nil
}

func (s *stubQueues) RemoveAt(context.Context, string, queue.Sub, int) (queue.Entry, error) {
	return s.removed, s.removeErr
}

func (s *stubQueues) Clear(_ context.Context, _ string, sub queue.Sub) error {
	s.cleared = sub
	return nil
}

func (s *stubQueues) Reorder(_ context.Context, _ string, _ queue.Sub, newOrder []queue.Entry) error {
	s.reordered = newOrder
	return nil
}

type stubRequests struct {
	result intake.Result
	err    error
}

func (s *stubRequests) Admit(context.Context, string, queue.Track, string, string) (intake.Result, error) {
	return s.result, s.err
}

type stubHistory struct {
	requests []archive.Request
}

func (s *stubHistory) ListByVenue(context.Context, string, int) ([]archive.Request, error) {
	return s.requests, nil
}

type stubCommands struct {
	issued []string
	err    error
}

func (s *stubCommands) Issue(_ context.Context, _ string, name string, _ json.RawMessage, _ string) (realtime.Command, error) {
	if s.err != nil {
		return realtime.Command{}, s.err
	}
	s.issued = append(s.issued, name)
	return realtime.Command{ID: "cmd-1", Name: name}, nil
}

type stubAuth struct {
	registerErr error
	loginErr    error
	tokens      map[string]string // token -> venueID
}

func (s *stubAuth) Register(_ context.Context, name, _ string) (auth.Venue, error) {
	if s.registerErr != nil {
		return auth.Venue{}, s.registerErr
	}
	return auth.Venue{ID: "venue-new", Name: name}, nil
}

func (s *stubAuth) Login(context.Context, string, string) (string, error) {
	if s.loginErr != nil {
		return "", s.loginErr
	}
	return "issued-token", nil
}

func (s *stubAuth) Verify(token string) (string, error) {
	if venueID, ok := s.tokens[token]; ok {
		return venueID, nil
	}
	return "", auth.ErrUnauthorized
}

func (s *stubAuth) Get(context.Context, string) (auth.Venue, error) {
	return auth.Venue{}, auth.ErrInvalidCredentials
}

type testEnv struct {
	players  *stubPlayers
	queues   *stubQueues
	requests *stubRequests
	history  *stubHistory
	commands *stubCommands
	auth     *stubAuth
	handler  http.Handler
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		players:  &stubPlayers{},
		queues:   &stubQueues{},
		requests: &stubRequests{},
		history:  &stubHistory{},
		commands: &stubCommands{},
		auth:     &stubAuth{tokens: map[string]string{"good-token": "v1"}},
	}
	srv := New(env.players, env.queues, env.requests, env.history, env.commands,
		env.auth, nil, nil, zerolog.Nop())
	env.handler = srv.Routes()
	return env
}

func doJSON(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestClaimWinsMastery(t *testing.T) {
	env := newTestServer(t)
	env.players.claimResult = election.ClaimResult{Won: true, Reason: election.ReasonRegistered}

	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues/v1/player/claim",
		`{"deviceId":"dev-1"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var res election.ClaimResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || !res.Won {
		t.Fatalf("body = %s (%v)", rec.Body, err)
	}
}

func TestClaimConflictWhenMasterActive(t *testing.T) {
	env := newTestServer(t)
	env.players.claimResult = election.ClaimResult{
		Won:           false,
		Reason:        election.ReasonMasterActive,
		CurrentMaster: &election.MasterInfo{DeviceID: "dev-other", LastHeartbeat: 123},
	}

	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues/v1/player/claim",
		`{"deviceId":"dev-1"}`, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var res election.ClaimResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.CurrentMaster == nil || res.CurrentMaster.DeviceID != "dev-other" {
		t.Fatalf("currentMaster = %+v", res.CurrentMaster)
	}
}

func TestClaimRequiresDeviceID(t *testing.T) {
	env := newTestServer(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues/v1/player/claim", `{}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHeartbeatReportsSupersession(t *testing.T) {
	env := newTestServer(t)
	env.players.master = false

	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues/v1/player/heartbeat",
		`{"deviceId":"dev-1"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res heartbeatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.Master {
		t.Fatalf("body = %s (%v), want master=false", rec.Body, err)
	}
}

func TestPlayerStatus(t *testing.T) {
	env := newTestServer(t)
	env.players.status = election.VenueStatus{HasMaster: true, DeviceID: "dev-1"}

	rec := doJSON(t, env.handler, http.MethodGet, "/api/venues/v1/player", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var status election.VenueStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil || !status.HasMaster {
		t.Fatalf("body = %s (%v)", rec.Body, err)
	}
}

func TestGetQueue(t *testing.T) {
	env := newTestServer(t)
	env.queues.loaded = &queue.VenueQueue{
		VenueID: "v1",
		Main:    []queue.Entry{{Track: queue.Track{VideoID: "vid-1"}}},
	}

	rec := doJSON(t, env.handler, http.MethodGet, "/api/venues/v1/queue", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res queueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Main) != 1 || res.Main[0].VideoID != "vid-1" {
		t.Fatalf("main = %+v", res.Main)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	env := newTestServer(t)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues/v1/queue/main",
		`{"videoId":"vid-1"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/api/venues/v2/queue/main",
		`{"videoId":"vid-1"}`, "good-token")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-venue token: status = %d, want 403", rec.Code)
	}
	if len(env.queues.enqueued) != 0 {
		t.Fatalf("unauthorized request reached the queue: %+v", env.queues.enqueued)
	}
}

func TestEnqueueMain(t *testing.T) {
	env := newTestServer(t)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues/v1/queue/main",
		`{"videoId":"vid-1","title":"Song","duration":200}`, "good-token")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", rec.Code, rec.Body)
	}
	if len(env.queues.enqueued) != 1 || env.queues.enqueued[0].VideoID != "vid-1" {
		t.Fatalf("enqueued = %+v", env.queues.enqueued)
	}
}

func TestRemoveEntryOutOfRange(t *testing.T) {
	env := newTestServer(t)
	env.queues.removeErr = queue.ErrIndexOutOfRange

	rec := doJSON(t, env.handler, http.MethodDelete, "/api/venues/v1/queue/main/7",
		"", "good-token")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestClearDefaultsToBoth(t *testing.T) {
	env := newTestServer(t)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues/v1/queue/clear",
		"", "good-token")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if env.queues.cleared != queue.SubBoth {
		t.Fatalf("cleared = %q, want both", env.queues.cleared)
	}
}

func TestSubmitRequestAccepted(t *testing.T) {
	env := newTestServer(t)
	env.requests.result = intake.Result{Accepted: true, Position: 2, EstimatedWaitSeconds: 420}

	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues/v1/requests",
		`{"track":{"videoId":"vid-1","artist":"A","duration":180},"paymentId":"pay-1"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", rec.Code, rec.Body)
	}
	var res intake.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.EstimatedWaitSeconds != 420 {
		t.Fatalf("wait = %d, want 420", res.EstimatedWaitSeconds)
	}
}

func TestSubmitRequestRejected(t *testing.T) {
	env := newTestServer(t)
	env.requests.result = intake.Result{Accepted: false, Reason: intake.ReasonRateLimited}

	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues/v1/requests",
		`{"track":{"videoId":"vid-1","artist":"A","duration":180},"paymentId":"pay-1"}`, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	var res intake.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.Reason != intake.ReasonRateLimited {
		t.Fatalf("body = %s (%v)", rec.Body, err)
	}
}

func TestSubmitRequestValidation(t *testing.T) {
	env := newTestServer(t)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues/v1/requests",
		`{"track":{"videoId":"vid-1"}}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing paymentId: status = %d, want 400", rec.Code)
	}
}

func TestIssueCommand(t *testing.T) {
	env := newTestServer(t)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues/v1/commands",
		`{"command":"skip"}`, "good-token")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", rec.Code, rec.Body)
	}
	if len(env.commands.issued) != 1 || env.commands.issued[0] != "skip" {
		t.Fatalf("issued = %v", env.commands.issued)
	}
}

func TestIssueUnknownCommand(t *testing.T) {
	env := newTestServer(t)
	env.commands.err = realtime.ErrUnknownCommand

	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues/v1/commands",
		`{"command":"self-destruct"}`, "good-token")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRegisterVenueConflict(t *testing.T) {
	env := newTestServer(t)
	env.auth.registerErr = auth.ErrVenueExists

	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues",
		`{"name":"The Basement","adminSecret":"hunter2"}`, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestLoginIssuesToken(t *testing.T) {
	env := newTestServer(t)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues/v1/login",
		`{"adminSecret":"hunter2"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.Token == "" {
		t.Fatalf("body = %s (%v)", rec.Body, err)
	}
}

func TestLoginRejectsBadSecret(t *testing.T) {
	env := newTestServer(t)
	env.auth.loginErr = auth.ErrInvalidCredentials

	rec := doJSON(t, env.handler, http.MethodPost, "/api/venues/v1/login",
		`{"adminSecret":"wrong"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t)
	rec := doJSON(t, env.handler, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
