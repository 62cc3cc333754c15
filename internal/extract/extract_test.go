package extract

import (
	"encoding/json"
	"errors"
	"testing"
)

func fields(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("object %s does not decode: %v", raw, err)
	}
	return m
}

func TestExtractPlainObject(t *testing.T) {
	objects, err := Extract(`{"summary":"Dentist","start":{"dateTime":"2025-04-07T09:00:00"}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("unexpected objects: %s", objects)
	}
	ev := fields(t, objects[0])
	if ev["summary"] != "Dentist" {
		t.Fatalf("unexpected summary: %v", ev["summary"])
	}
	start, _ := ev["start"].(map[string]any)
	if start["dateTime"] != "2025-04-07T09:00:00" {
		t.Fatalf("unexpected start: %v", ev["start"])
	}
}

func TestExtractFencedBlock(t *testing.T) {
	text := "Here is the event you asked for:\n```json\n{\"summary\": \"Lunch with Ana\", \"start\": {\"date\": \"2025-05-01\"}}\n```\nLet me know if anything is off."
	objects, err := Extract(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev := fields(t, objects[0]); ev["summary"] != "Lunch with Ana" {
		t.Fatalf("unexpected event: %v", ev)
	}
}

func TestExtractSkipsBrokenFenceAndUsesNext(t *testing.T) {
	text := "```\nnot json at all\n```\nand\n```json\n{\"summary\":\"Second\"}\n```"
	objects, err := Extract(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev := fields(t, objects[0]); ev["summary"] != "Second" {
		t.Fatalf("expected second block to win, got %v", ev["summary"])
	}
}

func TestExtractEmbeddedInProse(t *testing.T) {
	text := `Sure! {"summary":"Standup","location":"Room {4}"} hope that helps`
	objects, err := Extract(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ev := fields(t, objects[0])
	if ev["summary"] != "Standup" || ev["location"] != "Room {4}" {
		t.Fatalf("unexpected event: %v", ev)
	}
}

func TestExtractArray(t *testing.T) {
	objects, err := Extract(`[{"summary":"A"},{"summary":"B"}]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(objects) != 2 || fields(t, objects[1])["summary"] != "B" {
		t.Fatalf("unexpected objects: %s", objects)
	}
}

func TestExtractArrayEmbeddedInProse(t *testing.T) {
	text := `Here are both events: [{"summary":"A","start":{"date":"2025-04-08"}},{"summary":"B"}] Anything else?`
	objects, err := Extract(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(objects) != 2 || fields(t, objects[0])["summary"] != "A" || fields(t, objects[1])["summary"] != "B" {
		t.Fatalf("unexpected objects: %s", objects)
	}
}

func TestExtractBracketInProseBeforeObject(t *testing.T) {
	objects, err := Extract(`Note [draft]: {"summary":"Call Bob"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(objects) != 1 || fields(t, objects[0])["summary"] != "Call Bob" {
		t.Fatalf("unexpected objects: %s", objects)
	}
}

// Field types are not checked here; loosely typed replies must survive.
func TestExtractKeepsLooselyTypedFields(t *testing.T) {
	cases := map[string]string{
		"numeric color":    `{"summary":"Gym","colorId":5}`,
		"string attendees": `{"summary":"Sync","attendees":["bob@example.com"]}`,
		"string start":     `Sure: {"summary":"Call","start":"2025-04-09T15:00:00"}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			objects, err := Extract(text)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(objects) != 1 || fields(t, objects[0])["summary"] == nil {
				t.Fatalf("unexpected objects: %s", objects)
			}
		})
	}
}

func TestExtractFailures(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"prose":          "I could not find any event in this note.",
		"unbalanced":     "start { but never closed",
		"broken object":  "{summary: oops}",
		"empty list":     "[]",
		"scalar":         "42",
		"list of values": "[1, 2]",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Extract(text)
			if err == nil {
				t.Fatalf("expected error for %q", text)
			}
			var extractErr *Error
			if !errors.As(err, &extractErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
		})
	}
}

func TestExtractNoBracesWrapsErrNoJSON(t *testing.T) {
	_, err := Extract("nothing here")
	if !errors.Is(err, ErrNoJSON) {
		t.Fatalf("expected ErrNoJSON, got %v", err)
	}
}

func TestSplitKeepsObjectsVerbatim(t *testing.T) {
	const obj = `{"summary":"x","reminders":{"useDefault":false,"overrides":[{"method":"popup","minutes":10}]}}`
	objects, err := Split([]byte("  " + obj + "\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(objects[0]) != obj {
		t.Fatalf("object changed: %s", objects[0])
	}
}
