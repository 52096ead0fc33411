// Package tier maps a completed item's duration onto a coarse effort tier.
package tier

import (
	"errors"
	"fmt"

	"daysync/internal/model"
)

// Tier is the effort tier of a completed item.
type Tier string

const (
	Drop    Tier = "drop"
	Tend    Tier = "tend"
	Mulch   Tier = "mulch"
	Compost Tier = "compost"
)

const (
	// LastItemMinutes is the window assumed after the last item of a day.
	LastItemMinutes = 60
	// DefaultTaskMinutes is used for tasks without an estimate.
	DefaultTaskMinutes = 15
)

// Weight is the progress boost a scoring collaborator applies for t.
func (t Tier) Weight() int {
	switch t {
	case Compost:
		return 5
	case Mulch:
		return 3
	case Tend:
		return 2
	case Drop:
		return 1
	}
	return 0
}

// ForMinutes applies the fixed thresholds.
func ForMinutes(minutes int) Tier {
	switch {
	case minutes >= 120:
		return Compost
	case minutes >= 60:
		return Mulch
	case minutes >= 30:
		return Tend
	default:
		return Drop
	}
}

// ErrNotOnTimeline is returned when the item is not part of the timeline.
var ErrNotOnTimeline = errors.New("item is not on the timeline")

// ItemMinutes returns the minutes between item and the next item of the
// sorted timeline, or LastItemMinutes for the last one. The item is located
// by its identity key, not by reference.
func ItemMinutes(timeline []model.TimelineItem, item model.TimelineItem) (int, error) {
	key := item.Key()
	idx := -1
	for i, it := range timeline {
		if it.Key() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, ErrNotOnTimeline
	}

	start, ok := model.Minutes(timeline[idx].Time)
	if !ok {
		return 0, fmt.Errorf("item %q: bad time %q", timeline[idx].Title, timeline[idx].Time)
	}
	if idx == len(timeline)-1 {
		return LastItemMinutes, nil
	}
	next, ok := model.Minutes(timeline[idx+1].Time)
	if !ok {
		return 0, fmt.Errorf("item %q: bad time %q", timeline[idx+1].Title, timeline[idx+1].Time)
	}
	if next < start {
		return 0, nil
	}
	return next - start, nil
}

// ForItem derives the tier of a timeline item.
func ForItem(timeline []model.TimelineItem, item model.TimelineItem) (Tier, int, error) {
	mins, err := ItemMinutes(timeline, item)
	if err != nil {
		return "", 0, err
	}
	return ForMinutes(mins), mins, nil
}

// ForTask derives the tier of a task from its estimate.
func ForTask(task model.Task) (Tier, int) {
	mins := DefaultTaskMinutes
	if task.EstimateMinutes != nil {
		mins = *task.EstimateMinutes
	}
	return ForMinutes(mins), mins
}
