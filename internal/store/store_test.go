package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"daysync/internal/model"
)

func drivers(t *testing.T) map[string]Store {
	t.Helper()

	f, err := NewFile(t.TempDir())
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	mr := miniredis.RunT(t)
	r, err := NewRedisURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisURL failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"file":   f,
		"redis":  r,
	}
}

func TestStoreTimeline(t *testing.T) {
	t.Parallel()

	items := []model.TimelineItem{
		{Time: "09:00", Title: "Standup", Category: model.CategoryEvent, Origin: model.OriginRemote, OriginID: "r1", ForDate: "2026-10-18"},
		{Time: "12:00", Title: "Lunch", Category: model.CategoryBio, Origin: model.OriginManual, ForDate: "2026-10-18"},
	}

	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := s.LoadTimeline(ctx, "alice", "2026-10-18")
			if err != nil {
				t.Fatalf("LoadTimeline failed: %v", err)
			}
			if got == nil || len(got) != 0 {
				t.Errorf("Expected empty non-nil timeline, got %#v", got)
			}

			if err := s.SaveTimeline(ctx, "alice", "2026-10-18", items); err != nil {
				t.Fatalf("SaveTimeline failed: %v", err)
			}
			got, err = s.LoadTimeline(ctx, "alice", "2026-10-18")
			if err != nil {
				t.Fatalf("LoadTimeline failed: %v", err)
			}
			if len(got) != len(items) {
				t.Fatalf("Expected %d items, got %d", len(items), len(got))
			}
			for i := range items {
				if got[i] != items[i] {
					t.Errorf("item %d: expected %+v, got %+v", i, items[i], got[i])
				}
			}

			other, err := s.LoadTimeline(ctx, "bob", "2026-10-18")
			if err != nil {
				t.Fatalf("LoadTimeline failed: %v", err)
			}
			if len(other) != 0 {
				t.Errorf("Expected users to be isolated, got %+v", other)
			}
		})
	}
}

func TestStoreDone(t *testing.T) {
	t.Parallel()

	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			added, err := s.MarkDone(ctx, "alice", "2026-10-18", "r1")
			if err != nil || !added {
				t.Fatalf("Expected first MarkDone to add, got %v, %v", added, err)
			}
			added, err = s.MarkDone(ctx, "alice", "2026-10-18", "r1")
			if err != nil || added {
				t.Errorf("Expected second MarkDone to be a no-op, got %v, %v", added, err)
			}
			if _, err := s.MarkDone(ctx, "alice", "2026-10-18", "12:00|Lunch"); err != nil {
				t.Fatalf("MarkDone failed: %v", err)
			}

			done, err := s.Done(ctx, "alice", "2026-10-18")
			if err != nil {
				t.Fatalf("Done failed: %v", err)
			}
			if len(done) != 2 || !done["r1"] || !done["12:00|Lunch"] {
				t.Errorf("Expected both keys done, got %v", done)
			}

			removed, err := s.UnmarkDone(ctx, "alice", "2026-10-18", "r1")
			if err != nil || !removed {
				t.Errorf("Expected UnmarkDone to remove, got %v, %v", removed, err)
			}
			removed, err = s.UnmarkDone(ctx, "alice", "2026-10-18", "r1")
			if err != nil || removed {
				t.Errorf("Expected second UnmarkDone to be a no-op, got %v, %v", removed, err)
			}

			done, err = s.Done(ctx, "alice", "2026-10-19")
			if err != nil {
				t.Fatalf("Done failed: %v", err)
			}
			if len(done) != 0 {
				t.Errorf("Expected other day to be empty, got %v", done)
			}
		})
	}
}

func TestStoreToken(t *testing.T) {
	t.Parallel()

	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			tok, err := s.Token(ctx, "alice")
			if err != nil || tok != "" {
				t.Errorf("Expected no token, got %q, %v", tok, err)
			}
			if err := s.SetToken(ctx, "alice", "ya29.secret"); err != nil {
				t.Fatalf("SetToken failed: %v", err)
			}
			tok, err = s.Token(ctx, "alice")
			if err != nil || tok != "ya29.secret" {
				t.Errorf("Expected stored token, got %q, %v", tok, err)
			}
			if err := s.ClearToken(ctx, "alice"); err != nil {
				t.Fatalf("ClearToken failed: %v", err)
			}
			if err := s.ClearToken(ctx, "alice"); err != nil {
				t.Errorf("Expected clearing twice to succeed, got %v", err)
			}
			tok, _ = s.Token(ctx, "alice")
			if tok != "" {
				t.Errorf("Expected token cleared, got %q", tok)
			}
		})
	}
}

func TestStoreInvalidKeys(t *testing.T) {
	t.Parallel()

	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, user := range []string{"", "..", "a/b", "a:b"} {
				if _, err := s.LoadTimeline(ctx, user, "2026-10-18"); !errors.Is(err, ErrInvalidKey) {
					t.Errorf("user %q: expected ErrInvalidKey, got %v", user, err)
				}
			}
			if err := s.SaveTimeline(ctx, "alice", "../x", nil); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Expected ErrInvalidKey for bad date, got %v", err)
			}
		})
	}
}

func TestFilePermissions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}
	if err := f.SetToken(context.Background(), "alice", "secret"); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "alice", "token"))
	if err != nil {
		t.Fatalf("stat token: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("Expected 0600, got %o", perm)
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if s, err := Open(ctx, Options{}); err != nil {
		t.Errorf("Expected memory default, got %v", err)
	} else if _, ok := s.(*Memory); !ok {
		t.Errorf("Expected *Memory, got %T", s)
	}
	if _, err := Open(ctx, Options{Driver: "file"}); err == nil {
		t.Error("Expected error for file driver without dir")
	}
	if _, err := Open(ctx, Options{Driver: "etcd"}); err == nil {
		t.Error("Expected error for unknown driver")
	}
}
