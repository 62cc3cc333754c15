package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"voicecal/internal/models"
	"voicecal/internal/store"
)

const (
	digestEmpty  = "No upcoming calendar events found."
	digestHeader = "Upcoming Calendar Events:\n\n"
	digestFooter = "\nThis email was automatically generated by Voice Calendar.\n"
)

var offsetRe = regexp.MustCompile(`(Z|z|[+-]\d{2}:?\d{2})$`)

// DigestSubject is the subject line of the daily summary sent on day.
func DigestSubject(day time.Time) string {
	return "Voice Calendar Events Summary for " + day.Format("2006-01-02")
}

// FormatDigest renders records as the plaintext body of the daily summary.
// now is used to describe the next occurrence of recurring events.
func FormatDigest(records []store.Record, now time.Time) string {
	if len(records) == 0 {
		return digestEmpty
	}

	var b strings.Builder
	b.WriteString(digestHeader)
	for i, rec := range records {
		ev := rec.Event
		summary := ev.Summary
		if summary == "" {
			summary = "Untitled Event"
		}
		fmt.Fprintf(&b, "%d. %s\n   When: %s", i+1, summary, formatWhen(ev.Start.Value()))
		if ev.Location != "" {
			b.WriteString("\nLocation: " + ev.Location)
		}
		if next, ok := nextOccurrence(ev.Recurrence, ev.Start, now); ok {
			b.WriteString("\n   Next: " + next.Format("2006-01-02 at 15:04"))
		}
		b.WriteString("\n\n")
	}
	b.WriteString(digestFooter)
	return b.String()
}

func formatWhen(start string) string {
	if start == "" {
		return "No start time"
	}
	date, clock, ok := strings.Cut(start, "T")
	if !ok {
		return start
	}
	return date + " at " + offsetRe.ReplaceAllString(clock, "")
}

// nextOccurrence returns the first occurrence of a recurring event after now.
func nextOccurrence(recurrence []string, start *models.EventTime, now time.Time) (time.Time, bool) {
	if len(recurrence) == 0 {
		return time.Time{}, false
	}
	dtstart, err := start.Time(now.Location())
	if err != nil {
		return time.Time{}, false
	}
	for _, line := range recurrence {
		if !strings.HasPrefix(strings.ToUpper(line), "RRULE:") {
			continue
		}
		opt, err := rrule.StrToROption(line[len("RRULE:"):])
		if err != nil {
			return time.Time{}, false
		}
		opt.Dtstart = dtstart
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return time.Time{}, false
		}
		next := r.After(now, false)
		return next, !next.IsZero()
	}
	return time.Time{}, false
}

// BuildICS renders records as an iCalendar document that mail clients can
// import in one step.
func BuildICS(records []store.Record, now time.Time) []byte {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//voicecal//daily summary//EN")

	for _, rec := range records {
		ev := rec.Event
		start, err := ev.Start.Time(now.Location())
		if err != nil {
			continue
		}
		vev := cal.AddEvent("voicecal-" + strconv.FormatInt(rec.ID, 10))
		vev.SetDtStampTime(now)
		if ev.Summary != "" {
			vev.SetSummary(ev.Summary)
		}
		if ev.Location != "" {
			vev.SetLocation(ev.Location)
		}
		if ev.Description != "" {
			vev.SetDescription(ev.Description)
		}
		end, endErr := ev.End.Time(now.Location())
		if ev.Start.AllDay() {
			vev.SetAllDayStartAt(start)
			// All-day ends are exclusive.
			if endErr != nil || !end.After(start) {
				end = start.AddDate(0, 0, 1)
			}
			vev.SetAllDayEndAt(end)
		} else {
			vev.SetStartAt(start)
			if endErr == nil {
				vev.SetEndAt(end)
			}
		}
		for _, line := range ev.Recurrence {
			if rule, ok := strings.CutPrefix(line, "RRULE:"); ok {
				vev.AddRrule(rule)
			}
		}
	}
	return []byte(cal.Serialize())
}
