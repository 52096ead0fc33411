package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"daysync/internal/config"
	"daysync/internal/events"
	"daysync/internal/gcal"
	"daysync/internal/model"
	"daysync/internal/schedule"
	"daysync/internal/store"
)

const day = "2026-10-18"

type fakeRemote struct {
	items []model.TimelineItem
	err   error
}

var _ schedule.RemoteFetcher = (*fakeRemote)(nil)

func (f *fakeRemote) FetchDay(context.Context, string, time.Time) ([]model.TimelineItem, error) {
	return f.items, f.err
}

type fakeSyncer struct {
	mu       sync.Mutex
	sessions map[string]string
	started  []string
}

var _ Syncer = (*fakeSyncer)(nil)

func (f *fakeSyncer) Start(userID, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions == nil {
		f.sessions = map[string]string{}
	}
	id := fmt.Sprintf("s-%d", len(f.started)+1)
	f.sessions[userID] = id
	f.started = append(f.started, userID+":"+token)
	return id, nil
}

func (f *fakeSyncer) Stop(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[userID]
	delete(f.sessions, userID)
	return ok
}

func (f *fakeSyncer) Running(userID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.sessions[userID]
	return id, ok
}

type testEnv struct {
	handler http.Handler
	store   store.Store
	pub     *events.Memory
	sync    *fakeSyncer
	remote  *fakeRemote
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	env := &testEnv{
		store:  store.NewMemory(),
		pub:    &events.Memory{},
		sync:   &fakeSyncer{},
		remote: &fakeRemote{},
	}
	svc, err := schedule.New(schedule.Options{
		Store:     env.store,
		Publisher: env.pub,
		Location:  time.UTC,
		Remote:    env.remote,
		Now:       func() time.Time { return time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("schedule.New failed: %v", err)
	}
	env.handler = NewServer(cfg, svc, env.store, env.sync).Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = strings.NewReader(string(b))
	} else {
		rd = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

const calendar = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//daysync//test//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:standup\r\nSUMMARY:Standup\r\nDTSTART:20261018T093000Z\r\nDTEND:20261018T094500Z\r\nEND:VEVENT\r\n" +
	"BEGIN:VEVENT\r\nUID:lunch\r\nSUMMARY:Lunch\r\nDTSTART:20261018T120000Z\r\nDTEND:20261018T130000Z\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestHealth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("Expected 200 OK, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestPreviewImportAndComplete(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/users/alice/import/preview", previewRequest{Date: day, Source: "file", ICS: calendar})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from preview, got %d: %s", rec.Code, rec.Body.String())
	}
	p := decode[previewResponse](t, rec)
	if p.Empty || len(p.Candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %+v", p)
	}

	rec = env.do(t, http.MethodPost, "/api/users/alice/import", importRequest{Date: day, Candidates: p.Items(), Selected: []int{0, 1}})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from import, got %d: %s", rec.Code, rec.Body.String())
	}
	if res := decode[importResponse](t, rec); res.Added != 2 || len(res.Timeline) != 2 {
		t.Errorf("Expected 2 added, got %+v", res)
	}

	rec = env.do(t, http.MethodPost, "/api/users/alice/import/preview", previewRequest{Date: day, ICS: calendar})
	p = decode[previewResponse](t, rec)
	for i, c := range p.Candidates {
		if !c.Duplicate {
			t.Errorf("Expected candidate %d to be flagged duplicate", i)
		}
	}

	rec = env.do(t, http.MethodPost, "/api/users/alice/complete", completeRequest{Date: day, Key: "standup"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from complete, got %d: %s", rec.Code, rec.Body.String())
	}
	ev := decode[events.ItemCompleted](t, rec)
	if ev.Key != "standup" || ev.UserID != "alice" {
		t.Errorf("Unexpected completion event: %+v", ev)
	}

	rec = env.do(t, http.MethodPost, "/api/users/alice/complete", completeRequest{Date: day, Key: "standup"})
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 on repeat completion, got %d", rec.Code)
	}
	if n := len(env.pub.Events()); n != 1 {
		t.Errorf("Expected exactly 1 published event, got %d", n)
	}

	rec = env.do(t, http.MethodGet, "/api/users/alice/timeline?date="+day, nil)
	d := decode[schedule.Day](t, rec)
	if len(d.Items) != 2 || !d.Items[0].Done || d.Items[1].Done {
		t.Errorf("Expected only standup done, got %+v", d.Items)
	}

	q := url.Values{"date": {day}, "key": {"standup"}}
	rec = env.do(t, http.MethodDelete, "/api/users/alice/complete?"+q.Encode(), nil)
	if got := decode[map[string]bool](t, rec); !got["removed"] {
		t.Errorf("Expected removed=true, got %v", got)
	}
}

func TestErrorStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		target string
		body   any
		setup  func(e *testEnv)
		want   int
	}{
		{
			name:   "unreadable file",
			method: http.MethodPost, target: "/api/users/alice/import/preview",
			body: previewRequest{Date: day, ICS: "hello"},
			want: http.StatusUnprocessableEntity,
		},
		{
			name:   "bad date",
			method: http.MethodGet, target: "/api/users/alice/timeline?date=18-10-2026",
			want: http.StatusBadRequest,
		},
		{
			name:   "unknown key",
			method: http.MethodPost, target: "/api/users/alice/complete",
			body: completeRequest{Date: day, Key: "nope"},
			want: http.StatusNotFound,
		},
		{
			name:   "missing key",
			method: http.MethodPost, target: "/api/users/alice/complete",
			body: completeRequest{Date: day},
			want: http.StatusBadRequest,
		},
		{
			name:   "unknown source",
			method: http.MethodPost, target: "/api/users/alice/import/preview",
			body: previewRequest{Source: "ftp"},
			want: http.StatusBadRequest,
		},
		{
			name:   "remote without token",
			method: http.MethodPost, target: "/api/users/alice/import/preview",
			body: previewRequest{Date: day, Source: "remote"},
			want: http.StatusUnauthorized,
		},
		{
			name:   "remote auth failure",
			method: http.MethodPost, target: "/api/users/alice/import/preview",
			body:  previewRequest{Date: day, Source: "remote", Token: "expired"},
			setup: func(e *testEnv) { e.remote.err = &gcal.AuthError{Err: fmt.Errorf("401")} },
			want:  http.StatusUnauthorized,
		},
		{
			name:   "remote unavailable",
			method: http.MethodPost, target: "/api/users/alice/import/preview",
			body:  previewRequest{Date: day, Source: "remote", Token: "t"},
			setup: func(e *testEnv) { e.remote.err = &gcal.TransientError{Err: fmt.Errorf("503")} },
			want:  http.StatusBadGateway,
		},
		{
			name:   "invalid manual item",
			method: http.MethodPost, target: "/api/users/alice/items",
			body: addItemRequest{Date: day, ManualItem: schedule.ManualItem{Time: "25:00", Title: "Late"}},
			want: http.StatusUnprocessableEntity,
		},
		{
			name:   "candidate for another date",
			method: http.MethodPost, target: "/api/users/alice/import",
			body: importRequest{Date: day, Candidates: []model.TimelineItem{{
				Time: "09:00", Title: "Standup", Category: model.CategoryEvent,
				Origin: model.OriginImportedFile, OriginID: "standup", ForDate: "2026-10-19",
			}}, Selected: []int{0}},
			want: http.StatusUnprocessableEntity,
		},
		{
			name:   "unknown field",
			method: http.MethodPost, target: "/api/users/alice/complete",
			body: map[string]string{"date": day, "keyy": "x"},
			want: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, nil)
			if tt.setup != nil {
				tt.setup(env)
			}
			rec := env.do(t, tt.method, tt.target, tt.body)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAddItemAndCompleteTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/users/bob/items", addItemRequest{
		Date:       day,
		ManualItem: schedule.ManualItem{Time: "07:30", Title: "Breakfast"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	item := decode[model.TimelineItem](t, rec)
	if item.Category != model.CategoryBio || item.Origin != model.OriginManual {
		t.Errorf("Expected classified manual bio item, got %+v", item)
	}

	est := 45
	rec = env.do(t, http.MethodPost, "/api/users/bob/complete", completeRequest{
		Date: day,
		Task: &model.Task{ID: "t1", Title: "Write release notes", EstimateMinutes: &est},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ev := decode[events.ItemCompleted](t, rec); ev.Key != "task:t1" || ev.Minutes != 45 {
		t.Errorf("Unexpected task completion: %+v", ev)
	}
}

func TestSyncLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec := env.do(t, http.MethodPost, "/api/users/carol/sync", syncStartRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without token, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/users/carol/sync", syncStartRequest{Token: "tok"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if st := decode[syncStatus](t, rec); !st.Running || st.Session != "s-1" {
		t.Errorf("Unexpected status: %+v", st)
	}
	env.sync.mu.Lock()
	started := append([]string(nil), env.sync.started...)
	env.sync.mu.Unlock()
	if len(started) != 1 || started[0] != "carol:tok" {
		t.Errorf("Expected one start with the request token, got %v", started)
	}
	// The real poller stores the token on Start.
	if err := env.store.SetToken(ctx, "carol", "tok"); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/api/users/carol/sync", nil)
	if st := decode[syncStatus](t, rec); !st.Running {
		t.Errorf("Expected running session, got %+v", st)
	}

	rec = env.do(t, http.MethodDelete, "/api/users/carol/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if _, ok := env.sync.Running("carol"); ok {
		t.Error("Expected session to be stopped")
	}
	if tok, _ := env.store.Token(ctx, "carol"); tok != "" {
		t.Errorf("Expected token cleared, got %q", tok)
	}
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	env := newTestEnv(t, cfg)

	if rec := env.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("Expected /health to bypass auth, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/users/alice/timeline", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credentials, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/users/alice/timeline", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with credentials, got %d", rec.Code)
	}
}
