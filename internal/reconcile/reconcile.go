// Package reconcile merges newly arrived timeline items into a stored
// timeline. Every function here is a pure transformation: inputs are never
// mutated and the result is always sorted by time.
package reconcile

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"daysync/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// IntegrityError reports an item that cannot be placed on a timeline,
// typically a malformed time. Such items are reported, never dropped.
type IntegrityError struct {
	Index int
	Item  model.TimelineItem
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("timeline item %d (%q at %q): %v", e.Index, e.Item.Title, e.Item.Time, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// ErrBadTime is wrapped by IntegrityError when Time is not HH:MM.
var ErrBadTime = errors.New("time is not HH:MM")

// ErrWrongDate is wrapped by IntegrityError when an item's ForDate is not
// the date of the timeline it is being placed on.
var ErrWrongDate = errors.New("item belongs to another date")

// Validate checks every item's fields.
func Validate(items []model.TimelineItem) error {
	for i, it := range items {
		if err := validate.Struct(it); err != nil {
			if _, ok := model.Minutes(it.Time); !ok {
				err = fmt.Errorf("%w: %v", ErrBadTime, err)
			}
			return &IntegrityError{Index: i, Item: it, Err: err}
		}
	}
	return nil
}

// Sorted returns a copy of items stably sorted ascending by time.
func Sorted(items []model.TimelineItem) ([]model.TimelineItem, error) {
	mins := make([]int, len(items))
	for i, it := range items {
		m, ok := model.Minutes(it.Time)
		if !ok {
			return nil, &IntegrityError{Index: i, Item: it, Err: ErrBadTime}
		}
		mins[i] = m
	}

	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return mins[idx[a]] < mins[idx[b]]
	})

	out := make([]model.TimelineItem, len(items))
	for i, j := range idx {
		out[i] = items[j]
	}
	return out, nil
}

// originIDs collects the non-empty origin IDs of items.
func originIDs(items []model.TimelineItem) map[string]struct{} {
	ids := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.OriginID != "" {
			ids[it.OriginID] = struct{}{}
		}
	}
	return ids
}

// Duplicates reports, per candidate, whether its origin ID already exists
// in existing. Candidates without an origin ID are never duplicates.
func Duplicates(existing, candidates []model.TimelineItem) []bool {
	ids := originIDs(existing)
	out := make([]bool, len(candidates))
	for i, c := range candidates {
		if c.OriginID == "" {
			continue
		}
		_, out[i] = ids[c.OriginID]
	}
	return out
}

// ImportResult describes the outcome of ImportItems.
type ImportResult struct {
	Timeline []model.TimelineItem
	// Added is the number of candidates appended.
	Added int
	// Skipped counts selected candidates rejected as duplicates.
	Skipped int
}

// ImportItems appends the selected, non-duplicate candidates to existing
// and re-sorts. Out-of-range and repeated indices are ignored. When nothing
// is appended the existing timeline is returned unchanged.
func ImportItems(existing, candidates []model.TimelineItem, selected []int) (ImportResult, error) {
	if err := Validate(candidates); err != nil {
		return ImportResult{Timeline: existing}, err
	}

	chosen := make([]bool, len(candidates))
	for _, i := range selected {
		if i >= 0 && i < len(candidates) {
			chosen[i] = true
		}
	}

	ids := originIDs(existing)
	appended := make([]model.TimelineItem, 0)
	skipped := 0
	for i, c := range candidates {
		if !chosen[i] {
			continue
		}
		if c.OriginID != "" {
			if _, dup := ids[c.OriginID]; dup {
				skipped++
				continue
			}
			ids[c.OriginID] = struct{}{}
		}
		appended = append(appended, c)
	}

	if len(appended) == 0 {
		return ImportResult{Timeline: existing, Skipped: skipped}, nil
	}

	merged := make([]model.TimelineItem, 0, len(existing)+len(appended))
	merged = append(merged, existing...)
	merged = append(merged, appended...)
	sorted, err := Sorted(merged)
	if err != nil {
		return ImportResult{Timeline: existing}, err
	}
	return ImportResult{Timeline: sorted, Added: len(appended), Skipped: skipped}, nil
}

// RemoteResult describes the outcome of ReconcileRemote.
type RemoteResult struct {
	Timeline []model.TimelineItem
	// Added counts fresh origin IDs that were not on the timeline before.
	Added int
	// Updated counts remote items replaced by their fresh copy.
	Updated int
	// Removed counts previously synced remote items missing upstream.
	Removed int
}

// Changed reports whether anything was added, replaced or removed.
func (r RemoteResult) Changed() bool {
	return r.Added > 0 || r.Updated > 0 || r.Removed > 0
}

// ReconcileRemote merges a fresh remote fetch into existing:
//
//   - items whose origin is not remote-calendar are kept untouched
//   - remote items still present upstream are replaced in place by their
//     fresh copy, so title, category and time follow the provider
//   - remote items whose origin ID is absent from fresh are dropped
//   - fresh items with an origin ID not seen before are appended
//
// Fresh items without an origin ID, repeated within fresh, or colliding with
// a kept item's origin ID are ignored. Applying the same fresh result twice
// yields the same timeline.
func ReconcileRemote(existing, fresh []model.TimelineItem) (RemoteResult, error) {
	if err := Validate(fresh); err != nil {
		return RemoteResult{Timeline: existing}, err
	}

	keptIDs := make(map[string]struct{})
	for _, it := range existing {
		if it.Origin != model.OriginRemote && it.OriginID != "" {
			keptIDs[it.OriginID] = struct{}{}
		}
	}

	freshByID := make(map[string]model.TimelineItem, len(fresh))
	freshOrder := make([]string, 0, len(fresh))
	for _, f := range fresh {
		if f.OriginID == "" {
			continue
		}
		if _, clash := keptIDs[f.OriginID]; clash {
			continue
		}
		if _, seen := freshByID[f.OriginID]; seen {
			continue
		}
		freshByID[f.OriginID] = f
		freshOrder = append(freshOrder, f.OriginID)
	}

	var res RemoteResult
	used := make(map[string]struct{}, len(freshByID))
	merged := make([]model.TimelineItem, 0, len(existing)+len(freshByID))

	for _, it := range existing {
		if it.Origin != model.OriginRemote {
			merged = append(merged, it)
			continue
		}
		f, ok := freshByID[it.OriginID]
		if !ok {
			res.Removed++
			continue
		}
		if _, dup := used[it.OriginID]; dup {
			// A stale duplicate already replaced once.
			res.Removed++
			continue
		}
		used[it.OriginID] = struct{}{}
		if f != it {
			res.Updated++
		}
		merged = append(merged, f)
	}

	for _, id := range freshOrder {
		if _, ok := used[id]; ok {
			continue
		}
		merged = append(merged, freshByID[id])
		res.Added++
	}

	sorted, err := Sorted(merged)
	if err != nil {
		return RemoteResult{Timeline: existing}, err
	}
	res.Timeline = sorted
	return res, nil
}
