package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event represents a single calendar entry extracted from a voice note.
// Field names follow the Google Calendar event resource so the same JSON can be
// written to disk, sent to the calendar API and read back by the pipeline.
type Event struct {
	Summary      string          `json:"summary,omitempty"`
	Location     string          `json:"location,omitempty"`
	Description  string          `json:"description,omitempty"`
	Start        *EventTime      `json:"start,omitempty"`
	End          *EventTime      `json:"end,omitempty"`
	Attendees    []Attendee      `json:"attendees,omitempty"`
	Recurrence   []string        `json:"recurrence,omitempty"`
	Reminders    json.RawMessage `json:"reminders,omitempty"` // Passed through untouched
	Visibility   string          `json:"visibility,omitempty"`
	ColorID      string          `json:"colorId,omitempty"`
	Transparency string          `json:"transparency,omitempty"`
	Status       string          `json:"status,omitempty"`
}

// EventTime is either a timed instant (DateTime) or an all-day date (Date).
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"` // ISO 8601, offset optional
	Date     string `json:"date,omitempty"`     // YYYY-MM-DD
	TimeZone string `json:"timeZone,omitempty"` // IANA name
}

// Attendee is a guest of the event.
type Attendee struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
}

// IsZero reports whether neither a date nor a date-time is set.
func (t *EventTime) IsZero() bool {
	return t == nil || (t.DateTime == "" && t.Date == "")
}

// Value returns the date-time if set, otherwise the date.
func (t *EventTime) Value() string {
	if t == nil {
		return ""
	}
	if t.DateTime != "" {
		return t.DateTime
	}
	return t.Date
}

// AllDay reports whether the time is a bare date.
func (t *EventTime) AllDay() bool {
	return t != nil && t.DateTime == "" && t.Date != ""
}

// Clone returns a deep copy of the event so callers can repair it without
// touching the original.
func (e Event) Clone() Event {
	out := e
	if e.Start != nil {
		s := *e.Start
		out.Start = &s
	}
	if e.End != nil {
		en := *e.End
		out.End = &en
	}
	if e.Attendees != nil {
		out.Attendees = append([]Attendee(nil), e.Attendees...)
	}
	if e.Recurrence != nil {
		out.Recurrence = append([]string(nil), e.Recurrence...)
	}
	if e.Reminders != nil {
		out.Reminders = append(json.RawMessage(nil), e.Reminders...)
	}
	return out
}

var (
	offsetLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999-0700"}
	localLayouts  = []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04", time.DateOnly}
)

// Time resolves the instant t denotes. A date-time with an offset is taken as
// is; otherwise TimeZone is used when it names a known zone, then fallback.
// A date resolves to midnight.
func (t *EventTime) Time(fallback *time.Location) (time.Time, error) {
	if t.IsZero() {
		return time.Time{}, errors.New("no date or date-time")
	}
	loc := fallback
	if t.TimeZone != "" {
		if l, err := time.LoadLocation(t.TimeZone); err == nil {
			loc = l
		}
	}
	if loc == nil {
		loc = time.Local
	}
	if t.DateTime == "" {
		return time.ParseInLocation(time.DateOnly, t.Date, loc)
	}
	for _, layout := range offsetLayouts {
		if ts, err := time.Parse(layout, t.DateTime); err == nil {
			return ts, nil
		}
	}
	for _, layout := range localLayouts {
		if ts, err := time.ParseInLocation(layout, t.DateTime, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date-time %q", t.DateTime)
}
