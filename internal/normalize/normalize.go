// Package normalize completes partially specified events so they can be stored
// and inserted into a calendar. Normalization never fails: every repair is
// reported as a Warning and the best-effort event is returned.
package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/teambition/rrule-go"

	"voicecal/internal/models"
)

const (
	// DefaultDuration is used when no duration is configured.
	DefaultDuration = time.Hour

	maxDerivedSummary = 30
	placeholderDomain = "example.com"
	localLayout       = "2006-01-02T15:04:05"
)

var parseLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Warning records a single repair applied to an event.
type Warning struct {
	Field  string
	Action string
}

func (w Warning) String() string { return w.Field + ": " + w.Action }

// Normalizer applies the completion rules. The zero value is not usable; use New.
type Normalizer struct {
	duration time.Duration
	now      func() time.Time
}

// New returns a Normalizer that adds d to start times when synthesizing end
// times. A non-positive d falls back to DefaultDuration.
func New(d time.Duration) *Normalizer {
	if d <= 0 {
		d = DefaultDuration
	}
	return &Normalizer{duration: d, now: time.Now}
}

// WithClock replaces the clock used for synthesized summaries and start times.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize returns a completed copy of ev along with the repairs applied.
// Summary, start, end and attendee emails are guaranteed on the result.
func (n *Normalizer) Normalize(ev models.Event) (models.Event, []Warning) {
	out := ev.Clone()
	var warnings []Warning

	if strings.TrimSpace(out.Summary) == "" {
		out.Summary = n.summary(out.Description)
		warnings = append(warnings, Warning{Field: "summary", Action: "missing, set to " + strconv.Quote(out.Summary)})
	}

	if out.Start.IsZero() {
		if out.Start == nil {
			out.Start = &models.EventTime{}
		}
		out.Start.DateTime = n.now().Format(localLayout)
		warnings = append(warnings, Warning{Field: "start.dateTime", Action: "missing, set to current time " + out.Start.DateTime})
	}

	warnings = append(warnings, n.complete(&out)...)
	warnings = append(warnings, checkRecurrence(out.Recurrence)...)
	return out, warnings
}

// Complete only synthesizes a missing end and missing attendee emails. It is
// used after validation, when summary and start must not be invented.
func (n *Normalizer) Complete(ev models.Event) (models.Event, []Warning) {
	out := ev.Clone()
	return out, n.complete(&out)
}

func (n *Normalizer) complete(ev *models.Event) []Warning {
	var warnings []Warning
	if ev.End.IsZero() && !ev.Start.IsZero() {
		end, w := n.synthesizeEnd(ev.Start)
		ev.End = end
		warnings = append(warnings, w...)
	}
	warnings = append(warnings, fillAttendeeEmails(ev.Attendees)...)
	return warnings
}

func (n *Normalizer) summary(description string) string {
	if line := firstLine(description); line != "" {
		return line
	}
	return "Calendar Event " + n.now().Format("2006-01-02 15:04")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	line, _, _ := strings.Cut(s, "\n")
	r := []rune(line)
	if len(r) > maxDerivedSummary {
		r = r[:maxDerivedSummary]
	}
	return strings.TrimSpace(string(r))
}

// synthesizeEnd derives an end from start. All-day starts are copied; timed
// starts get the configured duration added with the offset suffix preserved.
func (n *Normalizer) synthesizeEnd(start *models.EventTime) (*models.EventTime, []Warning) {
	end := &models.EventTime{TimeZone: start.TimeZone}

	if start.DateTime == "" {
		end.Date = start.Date
		return end, []Warning{{Field: "end.date", Action: "missing, copied from start " + start.Date}}
	}

	local, offset := splitOffset(start.DateTime)
	if t, err := parseLocal(local); err == nil {
		end.DateTime = formatLocal(t.Add(n.duration)) + offset
		return end, []Warning{{Field: "end.dateTime", Action: fmt.Sprintf("missing, set to start + %s = %s", n.duration, end.DateTime)}}
	}

	if s, ok := shiftHour(start.DateTime, int(n.duration/time.Hour)); ok {
		end.DateTime = s
		return end, []Warning{{
			Field:  "end.dateTime",
			Action: "start unparseable, hour shifted to " + s + " (may precede start across midnight)",
		}}
	}

	end.DateTime = start.DateTime
	return end, []Warning{{Field: "end.dateTime", Action: "start unparseable, copied from start"}}
}

// splitOffset separates a trailing "Z" or "+HH:MM"/"-HH:MM"/"+HHMM" suffix from
// the local part of an ISO date-time.
func splitOffset(s string) (string, string) {
	if strings.HasSuffix(s, "Z") || strings.HasSuffix(s, "z") {
		return s[:len(s)-1], s[len(s)-1:]
	}
	t := strings.IndexAny(s, "Tt")
	if t < 0 {
		return s, ""
	}
	if i := strings.LastIndexAny(s, "+-"); i > t {
		return s[:i], s[i:]
	}
	return s, ""
}

func parseLocal(s string) (time.Time, error) {
	var err error
	for _, layout := range parseLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

func formatLocal(t time.Time) string {
	if t.Nanosecond() != 0 {
		return t.Format("2006-01-02T15:04:05.000000")
	}
	return t.Format(localLayout)
}

// shiftHour adds hours to the HH component of "<date>T<HH>:<MM>..." without
// touching the date. The result wraps at 24.
func shiftHour(s string, hours int) (string, bool) {
	date, clock, ok := strings.Cut(s, "T")
	if !ok {
		return "", false
	}
	parts := strings.Split(clock, ":")
	if len(parts) < 2 {
		return "", false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", false
	}
	parts[0] = fmt.Sprintf("%02d", (h+hours)%24)
	return date + "T" + strings.Join(parts, ":"), true
}

// fillAttendeeEmails assigns placeholder addresses in place. Attendees that
// already carry an email are left alone, so the operation is idempotent.
func fillAttendeeEmails(attendees []models.Attendee) []Warning {
	var warnings []Warning
	for i := range attendees {
		if attendees[i].Email != "" {
			continue
		}
		local := sanitize(attendees[i].DisplayName)
		if local == "" {
			local = fmt.Sprintf("attendee%d", i+1)
		}
		attendees[i].Email = local + "@" + placeholderDomain
		warnings = append(warnings, Warning{
			Field:  fmt.Sprintf("attendees[%d].email", i),
			Action: "missing, set placeholder " + attendees[i].Email,
		})
	}
	return warnings
}

// sanitize keeps letters, digits and whitespace, lowercases and joins the
// remaining words with single dots.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(strings.ToLower(b.String())), ".")
}

func checkRecurrence(rules []string) []Warning {
	var warnings []Warning
	for i, rule := range rules {
		body, ok := strings.CutPrefix(rule, "RRULE:")
		if !ok {
			continue
		}
		if _, err := rrule.StrToRRule(body); err != nil {
			warnings = append(warnings, Warning{
				Field:  fmt.Sprintf("recurrence[%d]", i),
				Action: "unparseable rule kept as is: " + err.Error(),
			})
		}
	}
	return warnings
}
