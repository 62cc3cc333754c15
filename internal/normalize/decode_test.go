package normalize

import (
	"encoding/json"
	"strings"
	"testing"

	"voicecal/internal/models"
)

func hasWarning(warnings []Warning, field string) bool {
	for _, w := range warnings {
		if w.Field == field {
			return true
		}
	}
	return false
}

func TestDecodeWellTypedEvent(t *testing.T) {
	raw := json.RawMessage(`{
		"summary": "Lunch",
		"start": {"dateTime": "2025-04-08T12:30:00+02:00", "timeZone": "Europe/Berlin"},
		"end": {"date": "2025-04-08"},
		"attendees": [{"email": "jane@example.com", "displayName": "Jane", "optional": true}],
		"recurrence": ["RRULE:FREQ=WEEKLY"],
		"reminders": {"useDefault": false},
		"colorId": "5",
		"unknownField": 1
	}`)
	ev, warnings, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if ev.Summary != "Lunch" || ev.Start.TimeZone != "Europe/Berlin" || ev.End.Date != "2025-04-08" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(ev.Attendees) != 1 || !ev.Attendees[0].Optional || ev.ColorID != "5" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if string(ev.Reminders) != `{"useDefault": false}` {
		t.Fatalf("reminders = %s", ev.Reminders)
	}
}

func TestDecodeNumericColor(t *testing.T) {
	ev, warnings, err := Decode(json.RawMessage(`{"summary":"Gym","colorId":5,"status":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ColorID != "5" || ev.Status != "true" {
		t.Fatalf("colorId = %q status = %q", ev.ColorID, ev.Status)
	}
	if !hasWarning(warnings, "colorId") || !hasWarning(warnings, "status") {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestDecodeStringAttendees(t *testing.T) {
	ev, warnings, err := Decode(json.RawMessage(`{"summary":"Sync","attendees":["bob@example.com","Jane Q. Doe",7]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []models.Attendee{{Email: "bob@example.com"}, {DisplayName: "Jane Q. Doe"}}
	if len(ev.Attendees) != len(want) {
		t.Fatalf("attendees = %+v", ev.Attendees)
	}
	for i := range want {
		if ev.Attendees[i] != want[i] {
			t.Errorf("attendee %d = %+v, want %+v", i, ev.Attendees[i], want[i])
		}
	}
	for _, f := range []string{"attendees[0]", "attendees[1]", "attendees[2]"} {
		if !hasWarning(warnings, f) {
			t.Errorf("no warning for %s in %v", f, warnings)
		}
	}
}

func TestDecodeStringTimes(t *testing.T) {
	ev, warnings, err := Decode(json.RawMessage(`{"summary":"Call","start":"2025-04-09T15:00:00","end":"2025-04-10"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Start == nil || ev.Start.DateTime != "2025-04-09T15:00:00" || ev.Start.Date != "" {
		t.Fatalf("start = %+v", ev.Start)
	}
	if ev.End == nil || ev.End.Date != "2025-04-10" {
		t.Fatalf("end = %+v", ev.End)
	}
	if !hasWarning(warnings, "start") || !hasWarning(warnings, "end") {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestDecodeDropsUnusableValues(t *testing.T) {
	ev, warnings, err := Decode(json.RawMessage(`{"summary":{"text":"x"},"start":42,"recurrence":"RRULE:FREQ=DAILY","attendees":{"email":"a@example.com"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Summary != "" || ev.Start != nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(ev.Recurrence) != 1 || ev.Recurrence[0] != "RRULE:FREQ=DAILY" {
		t.Fatalf("recurrence = %v", ev.Recurrence)
	}
	if len(ev.Attendees) != 1 || ev.Attendees[0].Email != "a@example.com" {
		t.Fatalf("attendees = %+v", ev.Attendees)
	}
	for _, f := range []string{"summary", "start", "recurrence", "attendees"} {
		if !hasWarning(warnings, f) {
			t.Errorf("no warning for %s in %v", f, warnings)
		}
	}
}

func TestDecodeRejectsNonObject(t *testing.T) {
	for _, raw := range []string{`[1]`, `"text"`, ``, `null`} {
		if _, _, err := Decode(json.RawMessage(raw)); err == nil {
			t.Errorf("Decode(%q) succeeded", raw)
		}
	}
}

func TestNormalizeRawCompletesLooselyTypedReply(t *testing.T) {
	n := newTestNormalizer()
	out, warnings := n.NormalizeRaw(json.RawMessage(`{"summary":"Call","start":"2025-04-09T15:00:00","attendees":["Bob Stone"],"colorId":5}`))
	if out.End == nil || out.End.DateTime != "2025-04-09T16:00:00" {
		t.Fatalf("end = %+v", out.End)
	}
	if out.Attendees[0].Email != "bob.stone@example.com" || out.ColorID != "5" {
		t.Fatalf("unexpected event: %+v", out)
	}
	if !hasWarning(warnings, "start") || !hasWarning(warnings, "end.dateTime") {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestNormalizeRawNeverFails(t *testing.T) {
	out, warnings := newTestNormalizer().NormalizeRaw(json.RawMessage(`"just text"`))
	if out.Summary == "" || out.Start.IsZero() || out.End.IsZero() {
		t.Fatalf("unexpected event: %+v", out)
	}
	if len(warnings) == 0 || !strings.Contains(warnings[0].Action, "not an object") {
		t.Fatalf("warnings = %v", warnings)
	}
}
