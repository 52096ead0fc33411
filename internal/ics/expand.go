package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "daysync/internal/log"
)

const (
	defaultMaxOccurrencesPerEvent = 500

	// instanceLayout formats the original start of a recurring instance
	// when building its per-instance origin ID.
	instanceLayout = "20060102T150405Z"
)

// Occurrence is a single concrete instance of an event after recurrence
// expansion, with Start/End in the display location.
type Occurrence struct {
	UID string
	// InstanceID is UID for non-recurring events and UID_<original start in
	// UTC> for recurring instances, so it stays stable across re-imports.
	InstanceID string

	Summary     string
	Description string
	AllDay      bool

	Start time.Time
	End   time.Time
}

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone all occurrences are converted to.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// Occurrences must start in [RangeStart, RangeEnd).
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single RRULE. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandOccurrences expands parsed events into concrete occurrences whose
// start falls in the configured range. It handles:
//
//   - single non-recurring events
//   - RRULE-based recurrence
//   - EXDATE exception removal
//   - RECURRENCE-ID overrides (including overrides that move an instance)
//   - duplicate VEVENTs for the same UID, where the highest SEQUENCE wins
//
// Cancelled events and cancelled overrides produce no occurrence. The
// result is sorted by start time.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) ([]Occurrence, error) {
	if !cfg.RangeStart.Before(cfg.RangeEnd) {
		return nil, errors.New("expand: RangeEnd is not after RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	baseByUID := make(map[string]ParsedEvent)
	overridesByUID := make(map[string]map[int64]ParsedEvent)
	uids := make([]string, 0)

	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			byRID := overridesByUID[ev.UID]
			if byRID == nil {
				byRID = make(map[int64]ParsedEvent)
				overridesByUID[ev.UID] = byRID
			}
			rid := ev.Recurrence.Unix()
			if prev, ok := byRID[rid]; !ok || ev.Seq >= prev.Seq {
				byRID[rid] = ev
			}
			continue
		}
		prev, seen := baseByUID[ev.UID]
		if !seen {
			uids = append(uids, ev.UID)
		}
		if !seen || ev.Seq >= prev.Seq {
			baseByUID[ev.UID] = ev
		}
	}

	out := make([]Occurrence, 0)
	for _, uid := range uids {
		ev := baseByUID[uid]
		if ev.Cancelled {
			continue
		}
		var occ []Occurrence
		if ev.RawRRule == "" {
			occ = expandSingleEvent(ev, cfg)
		} else {
			occ = expandRecurringEvent(ev, overridesByUID[uid], cfg)
		}
		out = append(out, occ...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

func expandSingleEvent(ev ParsedEvent, cfg ExpandConfig) []Occurrence {
	if !inRange(ev.Start, cfg) {
		return nil
	}
	return []Occurrence{makeOccurrence(ev, ev.UID, ev.Start, ev.End, cfg.DisplayLocation)}
}

func expandRecurringEvent(ev ParsedEvent, overrides map[int64]ParsedEvent, cfg ExpandConfig) []Occurrence {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// An override can move an instance into the range from outside it, so
	// widen the search by a day on each side and filter on the final start.
	loc := ev.Start.Location()
	searchStart := cfg.RangeStart.In(loc).AddDate(0, 0, -1)
	searchEnd := cfg.RangeEnd.In(loc).AddDate(0, 0, 1)

	occTimes := set.Between(searchStart, searchEnd, true)
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		appLog.Error("expand: truncated occurrences for UID due to cap",
			errors.New("max occurrences reached"),
			"uid", ev.UID,
			"cap", cfg.MaxOccurrencesPerEvent,
		)
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]Occurrence, 0, len(occTimes))
	for _, occStart := range occTimes {
		instanceID := ev.UID + "_" + occStart.UTC().Format(instanceLayout)
		start, end, src := occStart, occStart.Add(dur), ev

		if o, ok := overrides[occStart.Unix()]; ok {
			if o.Cancelled {
				continue
			}
			start, end, src = o.Start, o.End, o
		}
		if !inRange(start, cfg) {
			continue
		}
		out = append(out, makeOccurrence(src, instanceID, start, end, cfg.DisplayLocation))
	}
	return out
}

func inRange(t time.Time, cfg ExpandConfig) bool {
	return !t.Before(cfg.RangeStart) && t.Before(cfg.RangeEnd)
}

func makeOccurrence(ev ParsedEvent, instanceID string, start, end time.Time, displayLoc *time.Location) Occurrence {
	return Occurrence{
		UID:         ev.UID,
		InstanceID:  instanceID,
		Summary:     ev.Summary,
		Description: ev.Description,
		AllDay:      ev.AllDay,
		Start:       start.In(displayLoc),
		End:         end.In(displayLoc),
	}
}
