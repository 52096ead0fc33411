// Package gcal fetches one day of events from a user's subscribed remote
// calendars and normalizes them into timeline items.
package gcal

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"daysync/internal/classify"
	appLog "daysync/internal/log"
	"daysync/internal/model"
)

// AuthError means the access token was rejected (HTTP 401/403). The caller
// must obtain a new token; retrying is pointless.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "remote calendar: authorization failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// TransientError is any other top-level failure (network, 5xx, timeout).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "remote calendar: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Options configures a Client.
type Options struct {
	// Endpoint overrides the API base URL, e.g. for a test server.
	Endpoint string
	// Location is the display timezone. Nil uses time.Local.
	Location *time.Location
	// Classifier assigns categories. Nil uses the default rules.
	Classifier *classify.Classifier
	// HTTPClient is the base client the bearer-token transport wraps.
	HTTPClient *http.Client
	// Timeout bounds each HTTP request. Zero means 20s.
	Timeout time.Duration
}

// Client is a read-only Google Calendar v3 client. It holds no per-user
// state; the access token is passed on each call.
type Client struct {
	endpoint   string
	loc        *time.Location
	classifier *classify.Classifier
	base       *http.Client
	timeout    time.Duration
}

// New creates a Client.
func New(opts Options) *Client {
	c := &Client{
		endpoint:   opts.Endpoint,
		loc:        opts.Location,
		classifier: opts.Classifier,
		base:       opts.HTTPClient,
		timeout:    opts.Timeout,
	}
	if c.loc == nil {
		c.loc = time.Local
	}
	if c.classifier == nil {
		c.classifier = classify.New()
	}
	if c.timeout <= 0 {
		c.timeout = 20 * time.Second
	}
	return c
}

func (c *Client) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	tctx := ctx
	if c.base != nil {
		tctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	httpClient := oauth2.NewClient(tctx, ts)
	httpClient.Timeout = c.timeout

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	return calendar.NewService(ctx, opts...)
}

// FetchDay lists the user's visible calendars and returns the timed events
// starting on day (a zero day means today), sorted by time.
//
// A failure of the calendar-list call is returned as *AuthError (401/403)
// or *TransientError. A calendar whose events cannot be read is skipped.
func (c *Client) FetchDay(ctx context.Context, accessToken string, day time.Time) ([]model.TimelineItem, error) {
	if accessToken == "" {
		return nil, &AuthError{Err: errors.New("no access token")}
	}
	if day.IsZero() {
		day = time.Now().In(c.loc)
	}
	dayStart := model.DayStart(day, c.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	cals, err := c.listCalendars(ctx, svc)
	if err != nil {
		return nil, classifyError(err)
	}

	type timed struct {
		start time.Time
		item  model.TimelineItem
	}
	all := make([]timed, 0)
	forDate := model.FormatDate(dayStart)

	for _, cal := range cals {
		events, err := c.listEvents(ctx, svc, cal, dayStart, dayEnd)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &TransientError{Err: ctx.Err()}
			}
			appLog.Error("gcal: skipping calendar", err, "calendar", cal.Id)
			continue
		}
		for _, ev := range events {
			start, ok := timedStart(ev, c.loc)
			if !ok || start.Before(dayStart) || !start.Before(dayEnd) {
				continue
			}
			title := ev.Summary
			if title == "" {
				title = model.UntitledTitle
			}
			all = append(all, timed{start: start, item: model.TimelineItem{
				Time:        model.ClockTime(start),
				Title:       title,
				Category:    c.classifier.Classify(ev.Summary, ev.Description),
				Origin:      model.OriginRemote,
				OriginID:    ev.Id,
				ForDate:     forDate,
				Description: ev.Description,
			}})
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].start.Before(all[j].start) })
	items := make([]model.TimelineItem, len(all))
	for i, t := range all {
		items[i] = t.item
	}

	appLog.Info("gcal: day fetched", "date", forDate, "calendars", len(cals), "items", len(items))
	return items, nil
}

// listCalendars returns the calendars the user has not hidden or deselected.
func (c *Client) listCalendars(ctx context.Context, svc *calendar.Service) ([]*calendar.CalendarListEntry, error) {
	out := make([]*calendar.CalendarListEntry, 0)
	err := svc.CalendarList.List().Pages(ctx, func(page *calendar.CalendarList) error {
		for _, e := range page.Items {
			if e.Hidden || !e.Selected || e.Deleted {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// listEvents expands recurring events into instances whose start may fall
// in [dayStart, dayEnd), interpreted in the calendar's own timezone.
func (c *Client) listEvents(ctx context.Context, svc *calendar.Service, cal *calendar.CalendarListEntry, dayStart, dayEnd time.Time) ([]*calendar.Event, error) {
	call := svc.Events.List(cal.Id).
		SingleEvents(true).
		OrderBy("startTime").
		ShowDeleted(false).
		TimeMin(dayStart.Format(time.RFC3339)).
		TimeMax(dayEnd.Format(time.RFC3339))
	if cal.TimeZone != "" {
		call = call.TimeZone(cal.TimeZone)
	}

	out := make([]*calendar.Event, 0)
	err := call.Pages(ctx, func(page *calendar.Events) error {
		out = append(out, page.Items...)
		return nil
	})
	return out, err
}

// timedStart returns the start of ev in loc. All-day and cancelled events
// have no usable start.
func timedStart(ev *calendar.Event, loc *time.Location) (time.Time, bool) {
	if ev.Status == "cancelled" || ev.Start == nil || ev.Start.DateTime == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, ev.Start.DateTime)
	if err != nil {
		appLog.Error("gcal: bad start time", err, "event", ev.Id)
		return time.Time{}, false
	}
	return t.In(loc), true
}

func classifyError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
		return &AuthError{Err: err}
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return &AuthError{Err: err}
	}
	return &TransientError{Err: err}
}
