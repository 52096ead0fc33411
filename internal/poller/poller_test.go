package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"daysync/internal/gcal"
	"daysync/internal/model"
)

type fakeFetcher struct {
	mu     sync.Mutex
	calls  int
	tokens []string
	items  []model.TimelineItem
	err    error
	// failToken, if set, limits err to calls with that token.
	failToken string
	// gate, if set, blocks FetchDay until closed.
	gate chan struct{}
}

var _ Fetcher = (*fakeFetcher)(nil)

func (f *fakeFetcher) FetchDay(ctx context.Context, token string, _ time.Time) ([]model.TimelineItem, error) {
	f.mu.Lock()
	f.calls++
	f.tokens = append(f.tokens, token)
	gate, items, err := f.gate, f.items, f.err
	if f.failToken != "" && token != f.failToken {
		err = nil
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return items, err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeApplier struct {
	mu      sync.Mutex
	applied map[string][]model.TimelineItem
	calls   int
	// entered and release, if set, hold ApplyRemote open.
	entered chan struct{}
	release chan struct{}
}

var _ Applier = (*fakeApplier)(nil)

func (a *fakeApplier) ApplyRemote(_ context.Context, userID string, _ time.Time, fresh []model.TimelineItem) error {
	if a.entered != nil {
		a.entered <- struct{}{}
		<-a.release
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.applied == nil {
		a.applied = make(map[string][]model.TimelineItem)
	}
	a.applied[userID] = fresh
	a.calls++
	return nil
}

func (a *fakeApplier) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeTokens struct {
	mu      sync.Mutex
	tokens  map[string]string
	cleared []string
}

var _ TokenStore = (*fakeTokens)(nil)

func (t *fakeTokens) SetToken(_ context.Context, userID, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tokens == nil {
		t.tokens = make(map[string]string)
	}
	t.tokens[userID] = token
	return nil
}

func (t *fakeTokens) ClearToken(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tokens, userID)
	t.cleared = append(t.cleared, userID)
	return nil
}

func (t *fakeTokens) Token(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokens[userID]
}

func (t *fakeTokens) Cleared() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.cleared...)
}

type stopRecorder struct {
	mu      sync.Mutex
	reasons []StopReason
}

func (r *stopRecorder) record(_ string, reason StopReason, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *stopRecorder) Reasons() []StopReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StopReason(nil), r.reasons...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestPoller(t *testing.T, f Fetcher, a Applier, tok TokenStore, rec *stopRecorder) *Poller {
	t.Helper()
	opts := Options{Schedule: "@every 1h", Location: time.UTC}
	if rec != nil {
		opts.OnStop = rec.record
	}
	p, err := New(f, a, tok, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(p.StopAll)
	return p
}

func TestStartRunsImmediately(t *testing.T) {
	t.Parallel()

	items := []model.TimelineItem{{Time: "09:00", Title: "Standup", Category: model.CategoryEvent, Origin: model.OriginRemote, OriginID: "a", ForDate: "2026-10-18"}}
	f := &fakeFetcher{items: items}
	a := &fakeApplier{}
	p := newTestPoller(t, f, a, &fakeTokens{}, nil)

	id, err := p.Start("alice", "tok-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a session id")
	}

	waitFor(t, "first apply", func() bool { return a.Calls() == 1 })

	running, ok := p.Running("alice")
	if !ok || running != id {
		t.Errorf("Expected session %s running, got %q (%v)", id, running, ok)
	}
	a.mu.Lock()
	got := a.applied["alice"]
	a.mu.Unlock()
	if len(got) != 1 || got[0].OriginID != "a" {
		t.Errorf("Expected fetched items to be applied, got %+v", got)
	}
}

func TestStartReplacesPreviousSession(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	a := &fakeApplier{}
	rec := &stopRecorder{}
	p := newTestPoller(t, f, a, &fakeTokens{}, rec)

	first, err := p.Start("alice", "tok-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	second, err := p.Start("alice", "tok-2")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if first == second {
		t.Fatal("Expected a new session id")
	}
	if n := p.Sessions(); n != 1 {
		t.Errorf("Expected 1 session, got %d", n)
	}
	if id, _ := p.Running("alice"); id != second {
		t.Errorf("Expected session %s, got %s", second, id)
	}
	reasons := rec.Reasons()
	if len(reasons) != 1 || reasons[0] != ReasonReplaced {
		t.Errorf("Expected one replaced stop, got %v", reasons)
	}
}

func TestFetchFailureStopsAndClearsToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		reason StopReason
	}{
		{name: "auth", err: &gcal.AuthError{Err: errors.New("401")}, reason: ReasonAuth},
		{name: "transient", err: &gcal.TransientError{Err: errors.New("503")}, reason: ReasonFetch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := &fakeFetcher{err: tt.err}
			a := &fakeApplier{}
			tok := &fakeTokens{}
			rec := &stopRecorder{}
			p := newTestPoller(t, f, a, tok, rec)

			if _, err := p.Start("bob", "expired"); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			waitFor(t, "token cleared", func() bool { return len(tok.Cleared()) == 1 })

			if _, ok := p.Running("bob"); ok {
				t.Error("Expected polling to stop after a failed fetch")
			}
			if a.Calls() != 0 {
				t.Errorf("Expected nothing applied, got %d calls", a.Calls())
			}
			reasons := rec.Reasons()
			if len(reasons) != 1 || reasons[0] != tt.reason {
				t.Errorf("Expected stop reason %s, got %v", tt.reason, reasons)
			}
		})
	}
}

func TestStaleResultDiscarded(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	f := &fakeFetcher{gate: gate, items: []model.TimelineItem{{OriginID: "late"}}}
	a := &fakeApplier{}
	p := newTestPoller(t, f, a, &fakeTokens{}, nil)

	if _, err := p.Start("carol", "tok"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "fetch in flight", func() bool { return f.Calls() == 1 })

	if !p.Stop("carol") {
		t.Fatal("Expected Stop to end the session")
	}
	close(gate)

	// Give the in-flight cycle time to return.
	time.Sleep(50 * time.Millisecond)
	if a.Calls() != 0 {
		t.Errorf("Expected stale result to be discarded, got %d applies", a.Calls())
	}
}

func TestStopWaitsForInFlightApply(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{items: []model.TimelineItem{{OriginID: "a"}}}
	a := &fakeApplier{entered: make(chan struct{}), release: make(chan struct{})}
	p := newTestPoller(t, f, a, &fakeTokens{}, nil)

	if _, err := p.Start("erin", "tok"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-a.entered

	stopped := make(chan bool, 1)
	go func() { stopped <- p.Stop("erin") }()

	var ok bool
	select {
	case ok = <-stopped:
		t.Error("Expected Stop to wait for the apply in progress")
		close(a.release)
	case <-time.After(50 * time.Millisecond):
		close(a.release)
		ok = <-stopped
	}
	if !ok {
		t.Error("Expected Stop to end the session")
	}
	if a.Calls() != 1 {
		t.Errorf("Expected exactly 1 apply, got %d", a.Calls())
	}
}

func TestFailedSessionKeepsReplacementToken(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	f := &fakeFetcher{gate: gate, err: &gcal.AuthError{Err: errors.New("401")}, failToken: "old"}
	a := &fakeApplier{}
	tok := &fakeTokens{}
	rec := &stopRecorder{}
	p := newTestPoller(t, f, a, tok, rec)

	if _, err := p.Start("frank", "old"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "first fetch in flight", func() bool { return f.Calls() == 1 })

	second, err := p.Start("frank", "new")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "second fetch in flight", func() bool { return f.Calls() == 2 })
	close(gate)

	waitFor(t, "replacement applied", func() bool { return a.Calls() == 1 })
	// Let the failed cycle return too.
	time.Sleep(50 * time.Millisecond)

	if got := tok.Token("frank"); got != "new" {
		t.Errorf("Expected replacement token to survive, got %q", got)
	}
	if cleared := tok.Cleared(); len(cleared) != 0 {
		t.Errorf("Expected no token clears, got %v", cleared)
	}
	if id, ok := p.Running("frank"); !ok || id != second {
		t.Errorf("Expected session %s running, got %q (%v)", second, id, ok)
	}
	for _, r := range rec.Reasons() {
		if r == ReasonAuth {
			t.Errorf("Expected the replaced session not to report an auth stop, got %v", rec.Reasons())
		}
	}
}

func TestStartStoresToken(t *testing.T) {
	t.Parallel()

	tok := &fakeTokens{}
	p := newTestPoller(t, &fakeFetcher{}, &fakeApplier{}, tok, nil)
	if _, err := p.Start("gina", "tok-9"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := tok.Token("gina"); got != "tok-9" {
		t.Errorf("Expected token stored, got %q", got)
	}
}

func TestStopWithoutSession(t *testing.T) {
	t.Parallel()

	p := newTestPoller(t, &fakeFetcher{}, &fakeApplier{}, nil, nil)
	if p.Stop("nobody") {
		t.Error("Expected Stop to report no session")
	}
}

func TestStartValidation(t *testing.T) {
	t.Parallel()

	p := newTestPoller(t, &fakeFetcher{}, &fakeApplier{}, nil, nil)
	if _, err := p.Start("", "tok"); err == nil {
		t.Error("Expected error for empty user")
	}
	if _, err := p.Start("dave", ""); !gcal.IsAuth(err) {
		t.Errorf("Expected auth error for empty token, got %v", err)
	}
	if p.Sessions() != 0 {
		t.Errorf("Expected no sessions, got %d", p.Sessions())
	}
}

func TestStopAll(t *testing.T) {
	t.Parallel()

	rec := &stopRecorder{}
	p, err := New(&fakeFetcher{}, &fakeApplier{}, nil, Options{Schedule: "@every 1h", Location: time.UTC, OnStop: rec.record})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for _, u := range []string{"a", "b"} {
		if _, err := p.Start(u, "tok"); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	}

	p.StopAll()

	if p.Sessions() != 0 {
		t.Errorf("Expected no sessions after StopAll, got %d", p.Sessions())
	}
	if len(p.cron.Entries()) != 0 {
		t.Errorf("Expected no cron entries, got %d", len(p.cron.Entries()))
	}
	if _, err := p.Start("a", "tok"); err == nil {
		t.Error("Expected Start after StopAll to fail")
	}
	if got := len(rec.Reasons()); got != 2 {
		t.Errorf("Expected 2 ended sessions, got %d", got)
	}
}

func TestBadSchedule(t *testing.T) {
	t.Parallel()

	if _, err := New(&fakeFetcher{}, &fakeApplier{}, nil, Options{Schedule: "every now and then"}); err == nil {
		t.Error("Expected error for an invalid schedule")
	}
}
