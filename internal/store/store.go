// Package store persists per-user timelines, completion sets and remote
// access tokens. Every write is an upsert of a whole value keyed by
// (user, date); read-modify-write serialization is the caller's job.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"daysync/internal/model"
)

// ErrInvalidKey is returned for user IDs or dates that cannot be used as keys.
var ErrInvalidKey = errors.New("store: invalid key")

// Store is the persistence contract the schedule service depends on.
type Store interface {
	// LoadTimeline returns the stored timeline, or an empty slice if none.
	LoadTimeline(ctx context.Context, userID, date string) ([]model.TimelineItem, error)
	SaveTimeline(ctx context.Context, userID, date string, items []model.TimelineItem) error

	// Done returns the completion keys for the day.
	Done(ctx context.Context, userID, date string) (map[string]bool, error)
	// MarkDone adds key and reports whether it was newly added.
	MarkDone(ctx context.Context, userID, date, key string) (bool, error)
	// UnmarkDone removes key and reports whether it was present.
	UnmarkDone(ctx context.Context, userID, date, key string) (bool, error)

	SetToken(ctx context.Context, userID, token string) error
	// Token returns "" when no token is stored.
	Token(ctx context.Context, userID string) (string, error)
	ClearToken(ctx context.Context, userID string) error

	Close() error
}

// Options selects and configures a Store implementation.
type Options struct {
	// Driver is "memory", "file" or "redis".
	Driver string
	// Dir is the data directory for the file driver.
	Dir string
	// RedisURL is the connection URL for the redis driver.
	RedisURL string
}

// Open builds the Store named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(opts.Dir)
	case "redis":
		return NewRedisURL(ctx, opts.RedisURL)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}
}

// checkKey rejects IDs that would escape a file path or collide with the
// redis key separator.
func checkKey(userID string, date ...string) error {
	if !validPart(userID) {
		return fmt.Errorf("%w: user %q", ErrInvalidKey, userID)
	}
	for _, d := range date {
		if !validPart(d) {
			return fmt.Errorf("%w: date %q", ErrInvalidKey, d)
		}
	}
	return nil
}

func validPart(s string) bool {
	if s == "" || s == "." || s == ".." || len(s) > 128 {
		return false
	}
	return !strings.ContainsAny(s, "/\\:\x00")
}
