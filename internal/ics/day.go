package ics

import (
	"time"

	"daysync/internal/classify"
	appLog "daysync/internal/log"
	"daysync/internal/model"
)

// Parser turns an ICS payload into timeline items for one day.
type Parser struct {
	// Classifier assigns categories. Nil uses the default rules.
	Classifier *classify.Classifier
	// Location is the display timezone. Nil uses time.Local.
	Location *time.Location
	// Now supplies the default target date. Nil uses time.Now.
	Now func() time.Time
}

// NewParser builds a Parser for loc with the given classifier.
func NewParser(c *classify.Classifier, loc *time.Location) *Parser {
	return &Parser{Classifier: c, Location: loc}
}

// Parse decodes body and returns the timed events starting on day, as
// imported-file timeline items sorted by time. A zero day means today in
// the parser's location.
//
// A payload that cannot be decoded returns a *ParseError. No matching events
// is an empty, non-nil slice and no error.
func (p *Parser) Parse(body []byte, day time.Time) ([]model.TimelineItem, error) {
	return p.ParseSource(Source{ID: "upload"}, body, day)
}

// ParseSource is Parse with an explicit source. Floating times are read in
// the parser's location unless src says otherwise.
func (p *Parser) ParseSource(src Source, body []byte, day time.Time) ([]model.TimelineItem, error) {
	if src.Floating == nil {
		src.Floating = p.location()
	}
	events, err := Decode(src, body)
	if err != nil {
		return nil, err
	}

	loc := p.location()
	dayStart := p.dayStart(day)
	occs, err := ExpandOccurrences(events, ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      dayStart,
		RangeEnd:        dayStart.AddDate(0, 0, 1),
	})
	if err != nil {
		return nil, err
	}

	classifier := p.Classifier
	if classifier == nil {
		classifier = classify.New()
	}

	forDate := model.FormatDate(dayStart)
	items := make([]model.TimelineItem, 0, len(occs))
	for _, occ := range occs {
		// All-day entries carry no actionable slot.
		if occ.AllDay {
			continue
		}
		title := occ.Summary
		if title == "" {
			title = model.UntitledTitle
		}
		items = append(items, model.TimelineItem{
			Time:        model.ClockTime(occ.Start),
			Title:       title,
			Category:    classifier.Classify(occ.Summary, occ.Description),
			Origin:      model.OriginImportedFile,
			OriginID:    occ.InstanceID,
			ForDate:     forDate,
			Description: occ.Description,
		})
	}

	appLog.Info("ics day parsed", "id", src.ID, "date", forDate, "events", len(events), "items", len(items))
	return items, nil
}

func (p *Parser) location() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

// dayStart returns midnight in the parser's location of the calendar date
// day carries, or of today for a zero day.
func (p *Parser) dayStart(day time.Time) time.Time {
	loc := p.location()
	if day.IsZero() {
		now := time.Now
		if p.Now != nil {
			now = p.Now
		}
		day = now().In(loc)
	}
	return model.DayStart(day, loc)
}
