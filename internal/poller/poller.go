// Package poller drives the remote calendar client on a fixed schedule for
// each user that has an active remote session.
//
// One cron scheduler is shared by all users. Each user holds at most one
// entry; starting a new session removes the previous entry first. A session
// ends on an explicit Stop, on StopAll, or on the first failed fetch, after
// which the stored token is cleared and the user must reconnect.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"daysync/internal/gcal"
	appLog "daysync/internal/log"
	"daysync/internal/model"
)

// DefaultSchedule is the reference poll cadence.
const DefaultSchedule = "@every 3m"

// Fetcher fetches one day of remote items with a bearer token.
type Fetcher interface {
	FetchDay(ctx context.Context, accessToken string, day time.Time) ([]model.TimelineItem, error)
}

// Applier commits a successful fetch into the user's stored timeline.
type Applier interface {
	ApplyRemote(ctx context.Context, userID string, day time.Time, fresh []model.TimelineItem) error
}

// TokenStore keeps a user's remote access token.
type TokenStore interface {
	SetToken(ctx context.Context, userID, token string) error
	ClearToken(ctx context.Context, userID string) error
}

// StopReason says why a session ended.
type StopReason string

const (
	ReasonStopped  StopReason = "stopped"
	ReasonReplaced StopReason = "replaced"
	ReasonAuth     StopReason = "auth-failed"
	ReasonFetch    StopReason = "fetch-failed"
	ReasonApply    StopReason = "apply-failed"
	ReasonShutdown StopReason = "shutdown"
)

// Options configures a Poller.
type Options struct {
	// Schedule is a cron spec. Empty means DefaultSchedule.
	Schedule string
	// Location is the timezone for both the cron and the target day.
	Location *time.Location
	// FetchTimeout bounds one fetch+apply cycle. Zero means 1 minute.
	FetchTimeout time.Duration
	// Now supplies the current time. Nil uses time.Now.
	Now func() time.Time
	// OnStop, if set, is called once per ended session.
	OnStop func(userID string, reason StopReason, err error)
}

type session struct {
	id     string
	userID string
	token  string
	entry  cron.EntryID
	job    cron.Job
}

// Poller owns the cron scheduler and the active sessions.
type Poller struct {
	fetcher  Fetcher
	applier  Applier
	tokens   TokenStore
	schedule cron.Schedule
	loc      *time.Location
	timeout  time.Duration
	now      func() time.Time
	onStop   func(string, StopReason, error)

	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc

	mu        sync.Mutex
	sessions  map[string]*session
	// userLocks order Start, Stop, apply and token clearing per user.
	userLocks map[string]*sync.Mutex
	wg        sync.WaitGroup
}

// New creates a Poller and starts its scheduler. Call StopAll on teardown.
func New(fetcher Fetcher, applier Applier, tokens TokenStore, opts Options) (*Poller, error) {
	if fetcher == nil || applier == nil {
		return nil, errors.New("poller: fetcher and applier are required")
	}
	spec := opts.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}

	p := &Poller{
		fetcher:  fetcher,
		applier:  applier,
		tokens:   tokens,
		schedule: sched,
		loc:      loc,
		timeout:  opts.FetchTimeout,
		now:      opts.Now,
		onStop:   opts.OnStop,
		cron:     cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{})),
		sessions: make(map[string]*session),

		userLocks: make(map[string]*sync.Mutex),
	}
	if p.timeout <= 0 {
		p.timeout = time.Minute
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.ctx, p.stop = context.WithCancel(context.Background())
	p.cron.Start()

	appLog.Info("poller started", "schedule", spec, "timezone", loc.String())
	return p, nil
}

// Start stores accessToken and begins a session for userID, replacing any
// session the user already has. The first fetch runs immediately in the
// background. It returns the new session ID.
func (p *Poller) Start(userID, accessToken string) (string, error) {
	if userID == "" {
		return "", errors.New("poller: empty user id")
	}
	if accessToken == "" {
		return "", &gcal.AuthError{Err: errors.New("no access token")}
	}
	if p.ctx.Err() != nil {
		return "", errors.New("poller: shut down")
	}

	s := &session{
		id:     uuid.NewString(),
		userID: userID,
		token:  accessToken,
	}
	s.job = cron.NewChain(cron.SkipIfStillRunning(cronLogger{})).Then(cron.FuncJob(func() {
		p.cycle(s)
	}))

	unlock := p.lockUser(userID)
	if p.tokens != nil {
		if err := p.tokens.SetToken(p.ctx, userID, accessToken); err != nil {
			unlock()
			return "", fmt.Errorf("poller: store token: %w", err)
		}
	}
	p.mu.Lock()
	prev := p.sessions[userID]
	if prev != nil {
		p.cron.Remove(prev.entry)
		delete(p.sessions, userID)
	}
	s.entry = p.cron.Schedule(p.schedule, s.job)
	p.sessions[userID] = s
	p.mu.Unlock()
	unlock()

	if prev != nil {
		p.ended(prev, ReasonReplaced, nil)
	}

	appLog.Info("poll session started", "user", userID, "session", s.id)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		s.job.Run()
	}()
	return s.id, nil
}

// Stop ends userID's session, if any. The token is kept. An apply already
// in progress finishes before Stop returns; none starts afterwards.
func (p *Poller) Stop(userID string) bool {
	unlock := p.lockUser(userID)
	p.mu.Lock()
	s := p.sessions[userID]
	if s != nil {
		p.cron.Remove(s.entry)
		delete(p.sessions, userID)
	}
	p.mu.Unlock()
	unlock()

	if s == nil {
		return false
	}
	p.ended(s, ReasonStopped, nil)
	return true
}

// Running reports whether userID has an active session and returns its ID.
func (p *Poller) Running(userID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[userID]
	if !ok {
		return "", false
	}
	return s.id, true
}

// Sessions returns the number of active sessions.
func (p *Poller) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// StopAll ends every session, stops the scheduler and waits for in-flight
// cycles to return.
func (p *Poller) StopAll() {
	p.mu.Lock()
	ended := make([]*session, 0, len(p.sessions))
	for id, s := range p.sessions {
		p.cron.Remove(s.entry)
		delete(p.sessions, id)
		ended = append(ended, s)
	}
	p.mu.Unlock()

	p.stop()
	<-p.cron.Stop().Done()
	p.wg.Wait()

	for _, s := range ended {
		p.ended(s, ReasonShutdown, nil)
	}
	appLog.Info("poller stopped", "sessions", len(ended))
}

func (p *Poller) lockUser(userID string) func() {
	p.mu.Lock()
	m, ok := p.userLocks[userID]
	if !ok {
		m = &sync.Mutex{}
		p.userLocks[userID] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// current reports whether s is still the user's active session.
func (p *Poller) current(s *session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[s.userID] == s
}

func (p *Poller) cycle(s *session) {
	if !p.current(s) {
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	day := p.now().In(p.loc)
	items, err := p.fetcher.FetchDay(ctx, s.token, day)
	if err != nil {
		reason := ReasonFetch
		if gcal.IsAuth(err) {
			reason = ReasonAuth
		}
		p.fail(ctx, s, reason, err)
		return
	}

	unlock := p.lockUser(s.userID)
	// A result for a session that was replaced or stopped meanwhile is stale.
	if !p.current(s) {
		unlock()
		appLog.Debug("poll result discarded", "user", s.userID, "session", s.id)
		return
	}

	if err := p.applier.ApplyRemote(ctx, s.userID, day, items); err != nil {
		ended := p.terminate(ctx, s, ReasonApply, err)
		unlock()
		if ended {
			p.ended(s, ReasonApply, err)
		}
		return
	}
	unlock()
	appLog.Debug("poll cycle done", "user", s.userID, "items", len(items))
}

// fail ends s after a failed fetch. A fetch failure of any kind stops
// polling.
func (p *Poller) fail(ctx context.Context, s *session, reason StopReason, err error) {
	unlock := p.lockUser(s.userID)
	ended := p.terminate(ctx, s, reason, err)
	unlock()
	if ended {
		p.ended(s, reason, err)
	}
}

// terminate removes s and clears the user's token, but only while s is still
// the active session, so a replacement's token survives. The caller holds
// the user lock.
func (p *Poller) terminate(ctx context.Context, s *session, reason StopReason, err error) bool {
	p.mu.Lock()
	active := p.sessions[s.userID] == s
	if active {
		p.cron.Remove(s.entry)
		delete(p.sessions, s.userID)
	}
	p.mu.Unlock()

	if !active {
		return false
	}

	appLog.Error("poll cycle failed; polling stopped", err, "user", s.userID, "session", s.id, "reason", string(reason))
	if p.tokens != nil {
		if cerr := p.tokens.ClearToken(context.WithoutCancel(ctx), s.userID); cerr != nil {
			appLog.Error("clear token failed", cerr, "user", s.userID)
		}
	}
	return true
}

func (p *Poller) ended(s *session, reason StopReason, err error) {
	appLog.Info("poll session ended", "user", s.userID, "session", s.id, "reason", string(reason))
	if p.onStop != nil {
		p.onStop(s.userID, reason, err)
	}
}

// cronLogger routes cron's own messages through the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
