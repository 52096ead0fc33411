// Package schedule is the read-modify-write layer over a user's stored day.
// Every mutation of one user's data runs under that user's lock, so a poll
// cycle and a manual import never interleave against the same base state.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"daysync/internal/classify"
	"daysync/internal/events"
	"daysync/internal/ics"
	appLog "daysync/internal/log"
	"daysync/internal/model"
	"daysync/internal/reconcile"
	"daysync/internal/store"
	"daysync/internal/tier"
)

var (
	ErrAlreadyCompleted = errors.New("item already completed")
	ErrItemNotFound     = errors.New("item not found")
	ErrNoRemote         = errors.New("remote calendar is not configured")
	ErrNoToken          = errors.New("no remote access token")
	ErrBadDate          = errors.New("date is not YYYY-MM-DD")
)

// RemoteFetcher is the remote calendar client.
type RemoteFetcher interface {
	FetchDay(ctx context.Context, accessToken string, day time.Time) ([]model.TimelineItem, error)
}

// Options configures a Service.
type Options struct {
	Store     store.Store
	Publisher events.Publisher
	// Classifier is shared by every ingestion path. Nil uses the defaults.
	Classifier *classify.Classifier
	// Location is the user-facing timezone. Nil uses time.Local.
	Location *time.Location
	// Remote is optional; without it remote previews return ErrNoRemote.
	Remote RemoteFetcher
	// Fetcher downloads ICS URLs. Nil uses a non-caching fetcher.
	Fetcher *ics.Fetcher
	Now     func() time.Time
}

// Service implements the timeline operations for all users.
type Service struct {
	store      store.Store
	pub        events.Publisher
	classifier *classify.Classifier
	parser     *ics.Parser
	fetcher    *ics.Fetcher
	remote     RemoteFetcher
	loc        *time.Location
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("schedule: store is required")
	}
	s := &Service{
		store:      opts.Store,
		pub:        opts.Publisher,
		classifier: opts.Classifier,
		fetcher:    opts.Fetcher,
		remote:     opts.Remote,
		loc:        opts.Location,
		now:        opts.Now,
		locks:      make(map[string]*sync.Mutex),
	}
	if s.pub == nil {
		s.pub = events.LogPublisher{}
	}
	if s.classifier == nil {
		s.classifier = classify.New()
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.fetcher == nil {
		s.fetcher = ics.NewFetcher("", nil)
	}
	s.parser = &ics.Parser{Classifier: s.classifier, Location: s.loc, Now: s.now}
	return s, nil
}

// Location returns the service timezone.
func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) lock(userID string) func() {
	s.locksMu.Lock()
	m, ok := s.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[userID] = m
	}
	s.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

// resolveDate validates date and returns it with its midnight. An empty date
// means today.
func (s *Service) resolveDate(date string) (string, time.Time, error) {
	if date == "" {
		day := model.DayStart(s.now().In(s.loc), s.loc)
		return model.FormatDate(day), day, nil
	}
	day, err := model.ParseDate(date, s.loc)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, date)
	}
	return date, day, nil
}

// Entry is a timeline item with its completion state.
type Entry struct {
	model.TimelineItem
	Key  string `json:"key"`
	Done bool   `json:"done"`
}

// Day is a user's timeline for one date.
type Day struct {
	Date  string  `json:"date"`
	Items []Entry `json:"items"`
}

// Timeline returns the stored timeline for date with done flags.
func (s *Service) Timeline(ctx context.Context, userID, date string) (Day, error) {
	date, _, err := s.resolveDate(date)
	if err != nil {
		return Day{}, err
	}
	items, err := s.store.LoadTimeline(ctx, userID, date)
	if err != nil {
		return Day{}, err
	}
	done, err := s.store.Done(ctx, userID, date)
	if err != nil {
		return Day{}, err
	}
	out := Day{Date: date, Items: make([]Entry, 0, len(items))}
	for _, it := range items {
		out.Items = append(out.Items, Entry{TimelineItem: it, Key: it.Key(), Done: done[it.Key()]})
	}
	return out, nil
}

// Candidate is one importable item and whether the timeline already has it.
type Candidate struct {
	Item      model.TimelineItem `json:"item"`
	Duplicate bool               `json:"duplicate"`
}

// Preview is what an import would offer. Indices into Candidates are what
// ImportItems takes as its selection.
type Preview struct {
	Date       string      `json:"date"`
	Candidates []Candidate `json:"candidates"`
}

// Empty reports whether no events matched the date.
func (p Preview) Empty() bool { return len(p.Candidates) == 0 }

// Items returns the candidate items in order.
func (p Preview) Items() []model.TimelineItem {
	out := make([]model.TimelineItem, len(p.Candidates))
	for i, c := range p.Candidates {
		out[i] = c.Item
	}
	return out
}

func (s *Service) preview(ctx context.Context, userID, date string, items []model.TimelineItem) (Preview, error) {
	existing, err := s.store.LoadTimeline(ctx, userID, date)
	if err != nil {
		return Preview{}, err
	}
	dups := reconcile.Duplicates(existing, items)
	p := Preview{Date: date, Candidates: make([]Candidate, len(items))}
	for i, it := range items {
		p.Candidates[i] = Candidate{Item: it, Duplicate: dups[i]}
	}
	return p, nil
}

// PreviewFile parses an uploaded ICS payload for date.
func (s *Service) PreviewFile(ctx context.Context, userID, date string, body []byte) (Preview, error) {
	date, day, err := s.resolveDate(date)
	if err != nil {
		return Preview{}, err
	}
	items, err := s.parser.Parse(body, day)
	if err != nil {
		return Preview{}, err
	}
	return s.preview(ctx, userID, date, items)
}

// PreviewURL downloads an ICS feed and parses it for date.
func (s *Service) PreviewURL(ctx context.Context, userID, date, url string) (Preview, error) {
	date, day, err := s.resolveDate(date)
	if err != nil {
		return Preview{}, err
	}
	res, err := s.fetcher.Fetch(ctx, ics.Source{ID: "url", URL: url})
	if err != nil {
		return Preview{}, err
	}
	items, err := s.parser.ParseSource(res.Source, res.Body, day)
	if err != nil {
		return Preview{}, err
	}
	return s.preview(ctx, userID, date, items)
}

// PreviewRemote fetches date from the remote calendar. An empty token uses
// the user's stored token.
func (s *Service) PreviewRemote(ctx context.Context, userID, date, token string) (Preview, error) {
	if s.remote == nil {
		return Preview{}, ErrNoRemote
	}
	date, day, err := s.resolveDate(date)
	if err != nil {
		return Preview{}, err
	}
	if token == "" {
		token, err = s.store.Token(ctx, userID)
		if err != nil {
			return Preview{}, err
		}
		if token == "" {
			return Preview{}, ErrNoToken
		}
	}
	items, err := s.remote.FetchDay(ctx, token, day)
	if err != nil {
		return Preview{}, err
	}
	return s.preview(ctx, userID, date, items)
}

// ImportItems commits the selected candidates of a preview. Candidates whose
// origin ID is already on the timeline are skipped even when selected.
// A candidate dated for another day is rejected with an IntegrityError
// wrapping reconcile.ErrWrongDate.
func (s *Service) ImportItems(ctx context.Context, userID, date string, candidates []model.TimelineItem, selected []int) (reconcile.ImportResult, error) {
	date, _, err := s.resolveDate(date)
	if err != nil {
		return reconcile.ImportResult{}, err
	}
	candidates = append([]model.TimelineItem(nil), candidates...)
	for i := range candidates {
		switch candidates[i].ForDate {
		case "":
			candidates[i].ForDate = date
		case date:
		default:
			return reconcile.ImportResult{}, &reconcile.IntegrityError{
				Index: i,
				Item:  candidates[i],
				Err:   fmt.Errorf("%w: %s, not %s", reconcile.ErrWrongDate, candidates[i].ForDate, date),
			}
		}
	}

	unlock := s.lock(userID)
	defer unlock()

	existing, err := s.store.LoadTimeline(ctx, userID, date)
	if err != nil {
		return reconcile.ImportResult{}, err
	}
	res, err := reconcile.ImportItems(existing, candidates, selected)
	if err != nil {
		return res, err
	}
	if res.Added == 0 {
		return res, nil
	}
	if err := s.store.SaveTimeline(ctx, userID, date, res.Timeline); err != nil {
		return res, err
	}
	appLog.Info("items imported", "user", userID, "date", date, "added", res.Added, "skipped", res.Skipped)
	return res, nil
}

// ImportFile parses body and imports every candidate it yields.
func (s *Service) ImportFile(ctx context.Context, userID, date string, body []byte) (reconcile.ImportResult, error) {
	p, err := s.PreviewFile(ctx, userID, date, body)
	if err != nil {
		return reconcile.ImportResult{}, err
	}
	return s.ImportItems(ctx, userID, p.Date, p.Items(), allIndices(len(p.Candidates)))
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// ApplyRemote reconciles a fresh remote fetch for day into the stored
// timeline and announces the change.
func (s *Service) ApplyRemote(ctx context.Context, userID string, day time.Time, fresh []model.TimelineItem) error {
	date := model.FormatDate(model.DayStart(day.In(s.loc), s.loc))

	unlock := s.lock(userID)
	defer unlock()

	existing, err := s.store.LoadTimeline(ctx, userID, date)
	if err != nil {
		return err
	}
	res, err := reconcile.ReconcileRemote(existing, fresh)
	if err != nil {
		return err
	}
	if !res.Changed() {
		return nil
	}
	if err := s.store.SaveTimeline(ctx, userID, date, res.Timeline); err != nil {
		return err
	}

	ev := events.CalendarSynced{
		ID:      events.NewID(),
		UserID:  userID,
		Date:    date,
		Added:   res.Added,
		Updated: res.Updated,
		Removed: res.Removed,
		At:      s.now(),
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		appLog.Error("publish calendar synced failed", err, "user", userID)
	}
	return nil
}

// ManualItem is user-entered input for AddManual.
type ManualItem struct {
	Time        string         `json:"time"`
	Title       string         `json:"title"`
	Category    model.Category `json:"category,omitempty"`
	Description string         `json:"description,omitempty"`
}

// AddManual appends a manual item. Without a category it is classified.
func (s *Service) AddManual(ctx context.Context, userID, date string, in ManualItem) (model.TimelineItem, error) {
	date, _, err := s.resolveDate(date)
	if err != nil {
		return model.TimelineItem{}, err
	}
	item := model.TimelineItem{
		Time:        in.Time,
		Title:       in.Title,
		Category:    in.Category,
		Origin:      model.OriginManual,
		ForDate:     date,
		Description: in.Description,
	}
	if item.Category == "" {
		item.Category = s.classifier.Classify(in.Title, in.Description)
	}
	if err := reconcile.Validate([]model.TimelineItem{item}); err != nil {
		return model.TimelineItem{}, err
	}

	unlock := s.lock(userID)
	defer unlock()

	existing, err := s.store.LoadTimeline(ctx, userID, date)
	if err != nil {
		return model.TimelineItem{}, err
	}
	sorted, err := reconcile.Sorted(append(existing, item))
	if err != nil {
		return model.TimelineItem{}, err
	}
	if err := s.store.SaveTimeline(ctx, userID, date, sorted); err != nil {
		return model.TimelineItem{}, err
	}
	return item, nil
}

// Complete marks the timeline item with key done, derives its tier from the
// current timeline and publishes ItemCompleted. A second completion of the
// same key returns ErrAlreadyCompleted and publishes nothing.
func (s *Service) Complete(ctx context.Context, userID, date, key string) (events.ItemCompleted, error) {
	date, _, err := s.resolveDate(date)
	if err != nil {
		return events.ItemCompleted{}, err
	}

	unlock := s.lock(userID)
	defer unlock()

	timeline, err := s.store.LoadTimeline(ctx, userID, date)
	if err != nil {
		return events.ItemCompleted{}, err
	}
	var (
		item  model.TimelineItem
		found bool
	)
	for _, it := range timeline {
		if it.Key() == key {
			item, found = it, true
			break
		}
	}
	if !found {
		return events.ItemCompleted{}, fmt.Errorf("%w: %s", ErrItemNotFound, key)
	}

	t, minutes, err := tier.ForItem(timeline, item)
	if err != nil {
		return events.ItemCompleted{}, err
	}

	added, err := s.store.MarkDone(ctx, userID, date, key)
	if err != nil {
		return events.ItemCompleted{}, err
	}
	if !added {
		return events.ItemCompleted{}, ErrAlreadyCompleted
	}

	ev := events.ItemCompleted{
		ID:       events.NewID(),
		UserID:   userID,
		Date:     date,
		Key:      key,
		Title:    item.Title,
		Category: item.Category,
		Tier:     t,
		Weight:   t.Weight(),
		Minutes:  minutes,
		At:       s.now(),
	}
	s.publishCompleted(ctx, ev)
	return ev, nil
}

// CompleteTask marks a non-timeline task done using its estimate. A task
// without a category takes the classifier's answer for its title.
func (s *Service) CompleteTask(ctx context.Context, userID, date string, task model.Task) (events.ItemCompleted, error) {
	if task.ID == "" {
		return events.ItemCompleted{}, errors.New("task id is required")
	}
	date, _, err := s.resolveDate(date)
	if err != nil {
		return events.ItemCompleted{}, err
	}
	category := task.Category
	if !category.Valid() {
		category = s.classifier.Classify(task.Title, "")
	}

	unlock := s.lock(userID)
	defer unlock()

	added, err := s.store.MarkDone(ctx, userID, date, task.Key())
	if err != nil {
		return events.ItemCompleted{}, err
	}
	if !added {
		return events.ItemCompleted{}, ErrAlreadyCompleted
	}

	t, minutes := tier.ForTask(task)
	ev := events.ItemCompleted{
		ID:       events.NewID(),
		UserID:   userID,
		Date:     date,
		Key:      task.Key(),
		Title:    task.Title,
		Category: category,
		Tier:     t,
		Weight:   t.Weight(),
		Minutes:  minutes,
		At:       s.now(),
	}
	s.publishCompleted(ctx, ev)
	return ev, nil
}

func (s *Service) publishCompleted(ctx context.Context, ev events.ItemCompleted) {
	appLog.Info("item completed", "user", ev.UserID, "key", ev.Key, "tier", string(ev.Tier), "minutes", ev.Minutes)
	if err := s.pub.Publish(ctx, ev); err != nil {
		appLog.Error("publish item completed failed", err, "user", ev.UserID, "key", ev.Key)
	}
}

// Uncomplete clears the done mark for key. It reports whether one was set.
func (s *Service) Uncomplete(ctx context.Context, userID, date, key string) (bool, error) {
	date, _, err := s.resolveDate(date)
	if err != nil {
		return false, err
	}
	unlock := s.lock(userID)
	defer unlock()
	return s.store.UnmarkDone(ctx, userID, date, key)
}
