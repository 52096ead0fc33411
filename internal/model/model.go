package model

import (
	"strconv"
	"strings"
	"time"
)

// Category is the semantic classification of a timeline item. It is not a
// property of the source the item came from.
type Category string

const (
	CategoryBlock   Category = "block"
	CategoryEvent   Category = "event"
	CategoryBio     Category = "bio"
	CategoryProject Category = "project"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryBlock, CategoryEvent, CategoryBio, CategoryProject:
		return true
	}
	return false
}

// Origin records which system produced a timeline item.
type Origin string

const (
	OriginManual       Origin = "manual"
	OriginImportedFile Origin = "imported-file"
	OriginRemote       Origin = "remote-calendar"
)

// DateLayout is the wire/storage layout of ForDate.
const DateLayout = "2006-01-02"

// TimeLayout is the wall-clock layout of TimelineItem.Time.
const TimeLayout = "15:04"

// TimelineItem is the canonical unit of a user's daily schedule.
//
// Items are never edited in place after creation; reconciliation either keeps
// an item as-is, drops it, or swaps in a fresh copy carrying the same
// OriginID. Completion is tracked separately by Key().
type TimelineItem struct {
	// Time is the wall-clock start, HH:MM, 24-hour.
	Time     string   `json:"time" yaml:"time" validate:"required,datetime=15:04"`
	Title    string   `json:"title" yaml:"title" validate:"required"`
	Category Category `json:"category" yaml:"category" validate:"required,oneof=block event bio project"`
	Origin   Origin   `json:"origin" yaml:"origin" validate:"required,oneof=manual imported-file remote-calendar"`
	// OriginID is assigned by the origin system (ICS UID, provider event ID).
	// Empty for manual items.
	OriginID string `json:"originId,omitempty" yaml:"origin_id,omitempty"`
	// ForDate is the calendar date the item belongs to, YYYY-MM-DD.
	ForDate     string `json:"forDate" yaml:"for_date" validate:"required,datetime=2006-01-02"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Key is the identity used for completion tracking: the origin ID when the
// item has one, otherwise "HH:MM|title".
func (it TimelineItem) Key() string {
	if it.OriginID != "" {
		return it.OriginID
	}
	return it.Time + "|" + it.Title
}

// Minutes parses an HH:MM string into minutes since midnight.
func Minutes(hhmm string) (int, bool) {
	h, m, ok := strings.Cut(hhmm, ":")
	if !ok || len(h) != 2 || len(m) != 2 {
		return 0, false
	}
	hi, err := strconv.Atoi(h)
	if err != nil || hi < 0 || hi > 23 {
		return 0, false
	}
	mi, err := strconv.Atoi(m)
	if err != nil || mi < 0 || mi > 59 {
		return 0, false
	}
	return hi*60 + mi, true
}

// ClockTime formats t (already in the display location) as HH:MM, truncated
// to the minute.
func ClockTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// FormatDate formats the calendar date of t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// DayStart returns midnight in loc of the calendar date of t, read in t's own
// location.
func DayStart(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// ParseDate parses a YYYY-MM-DD date as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, loc)
}

// UntitledTitle replaces an empty event summary.
const UntitledTitle = "(No title)"

// Task is a to-do that is not on the timeline but can still be completed.
type Task struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// EstimateMinutes is the caller's pre-tagged effort estimate. Nil means
	// unknown.
	EstimateMinutes *int     `json:"estimateMinutes,omitempty"`
	Category        Category `json:"category,omitempty"`
}

// Key is the completion identity of a task.
func (t Task) Key() string {
	return "task:" + t.ID
}
