package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"daysync/internal/model"
)

// dayDoc is the on-disk shape of one user's day.
type dayDoc struct {
	Timeline []model.TimelineItem `json:"timeline"`
	Done     []string             `json:"done,omitempty"`
}

// File stores one JSON document per (user, date) under Dir/<user>/<date>.json
// and the access token in Dir/<user>/token, all written atomically with 0600
// permissions. It serializes access within one process only.
type File struct {
	dir string
	mu  sync.Mutex
}

var _ Store = (*File)(nil)

// NewFile creates the data directory if needed.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.New("store: file driver needs a directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &File{dir: dir}, nil
}

func (f *File) dayPath(userID, date string) string {
	return filepath.Join(f.dir, userID, date+".json")
}

func (f *File) tokenPath(userID string) string {
	return filepath.Join(f.dir, userID, "token")
}

func (f *File) readDay(userID, date string) (dayDoc, error) {
	var doc dayDoc
	data, err := os.ReadFile(f.dayPath(userID, date))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, err
	}
	return doc, nil
}

func (f *File) writeDay(userID, date string, doc dayDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(f.dayPath(userID, date), data)
}

func (f *File) LoadTimeline(_ context.Context, userID, date string) ([]model.TimelineItem, error) {
	if err := checkKey(userID, date); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.readDay(userID, date)
	if err != nil {
		return nil, err
	}
	if doc.Timeline == nil {
		return []model.TimelineItem{}, nil
	}
	return doc.Timeline, nil
}

func (f *File) SaveTimeline(_ context.Context, userID, date string, items []model.TimelineItem) error {
	if err := checkKey(userID, date); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.readDay(userID, date)
	if err != nil {
		return err
	}
	doc.Timeline = items
	return f.writeDay(userID, date, doc)
}

func (f *File) Done(_ context.Context, userID, date string) (map[string]bool, error) {
	if err := checkKey(userID, date); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.readDay(userID, date)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(doc.Done))
	for _, k := range doc.Done {
		out[k] = true
	}
	return out, nil
}

func (f *File) MarkDone(_ context.Context, userID, date, key string) (bool, error) {
	if err := checkKey(userID, date); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.readDay(userID, date)
	if err != nil {
		return false, err
	}
	for _, k := range doc.Done {
		if k == key {
			return false, nil
		}
	}
	doc.Done = append(doc.Done, key)
	sort.Strings(doc.Done)
	return true, f.writeDay(userID, date, doc)
}

func (f *File) UnmarkDone(_ context.Context, userID, date, key string) (bool, error) {
	if err := checkKey(userID, date); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.readDay(userID, date)
	if err != nil {
		return false, err
	}
	kept := doc.Done[:0]
	found := false
	for _, k := range doc.Done {
		if k == key {
			found = true
			continue
		}
		kept = append(kept, k)
	}
	if !found {
		return false, nil
	}
	doc.Done = kept
	return true, f.writeDay(userID, date, doc)
}

func (f *File) SetToken(_ context.Context, userID, token string) error {
	if err := checkKey(userID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeFileAtomic(f.tokenPath(userID), []byte(token))
}

func (f *File) Token(_ context.Context, userID string) (string, error) {
	if err := checkKey(userID); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.tokenPath(userID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (f *File) ClearToken(_ context.Context, userID string) error {
	if err := checkKey(userID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.tokenPath(userID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *File) Close() error { return nil }

// writeFileAtomic writes data to a temp file in the target directory, sets
// 0600 and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".daysync-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
