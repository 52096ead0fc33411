// Package events carries the outbound notifications other services consume:
// an item was completed, or a poll cycle changed a timeline.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	appLog "daysync/internal/log"
	"daysync/internal/model"
	"daysync/internal/tier"
)

// Type is the routing name of an event.
type Type string

const (
	TypeItemCompleted  Type = "item.completed"
	TypeCalendarSynced Type = "calendar.synced"
)

// Event is implemented by every outbound event.
type Event interface {
	EventType() Type
	EventID() string
}

// ItemCompleted is emitted once per completion. The scoring side applies
// Weight; this service does not keep any score.
type ItemCompleted struct {
	ID       string         `json:"id"`
	UserID   string         `json:"userId"`
	Date     string         `json:"date"`
	Key      string         `json:"key"`
	Title    string         `json:"title"`
	Category model.Category `json:"category"`
	Tier     tier.Tier      `json:"tier"`
	Weight   int            `json:"weight"`
	Minutes  int            `json:"minutes"`
	At       time.Time      `json:"at"`
}

func (e ItemCompleted) EventType() Type { return TypeItemCompleted }
func (e ItemCompleted) EventID() string { return e.ID }

// CalendarSynced is emitted after a poll cycle commits. Added may be zero;
// consumers should only notify the user for positive counts.
type CalendarSynced struct {
	ID      string    `json:"id"`
	UserID  string    `json:"userId"`
	Date    string    `json:"date"`
	Added   int       `json:"added"`
	Updated int       `json:"updated"`
	Removed int       `json:"removed"`
	At      time.Time `json:"at"`
}

func (e CalendarSynced) EventType() Type { return TypeCalendarSynced }
func (e CalendarSynced) EventID() string { return e.ID }

// Notifiable reports whether the user should be told about this sync.
func (e CalendarSynced) Notifiable() bool { return e.Added > 0 }

// NewID returns a fresh event ID.
func NewID() string { return uuid.NewString() }

// Publisher delivers events. Publish must not retain ev after returning.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes events to the application log.
type LogPublisher struct{}

var _ Publisher = LogPublisher{}

func (LogPublisher) Publish(_ context.Context, ev Event) error {
	switch e := ev.(type) {
	case ItemCompleted:
		appLog.Info("event", "type", string(e.EventType()), "id", e.ID, "user", e.UserID,
			"key", e.Key, "category", string(e.Category), "tier", string(e.Tier), "weight", e.Weight)
	case CalendarSynced:
		appLog.Info("event", "type", string(e.EventType()), "id", e.ID, "user", e.UserID,
			"date", e.Date, "added", e.Added, "updated", e.Updated, "removed", e.Removed)
	default:
		appLog.Info("event", "type", string(ev.EventType()), "id", ev.EventID())
	}
	return nil
}

func (LogPublisher) Close() error { return nil }

// Discard drops every event.
type Discard struct{}

var _ Publisher = Discard{}

func (Discard) Publish(context.Context, Event) error { return nil }
func (Discard) Close() error { return nil }

// Memory records published events.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

var _ Publisher = (*Memory)(nil)

func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func (m *Memory) Close() error { return nil }

// Multi fans out to several publishers and returns the first error.
type Multi []Publisher

var _ Publisher = Multi(nil)

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
