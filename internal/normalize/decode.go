package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"voicecal/internal/models"
)

// Decode maps a raw event object onto models.Event. Values of the wrong JSON
// type are coerced where the intent is clear and dropped otherwise, and every
// coercion is reported as a Warning. Only a value that is not an object fails.
func Decode(raw json.RawMessage) (models.Event, []Warning, error) {
	if kind(raw) != '{' {
		return models.Event{}, nil, fmt.Errorf("event is %s, not an object", typeName(kind(raw)))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.Event{}, nil, fmt.Errorf("failed to decode event: %w", err)
	}

	d := &decoder{}
	ev := models.Event{
		Summary:      d.text("summary", fields["summary"]),
		Location:     d.text("location", fields["location"]),
		Description:  d.text("description", fields["description"]),
		Start:        d.eventTime("start", fields["start"]),
		End:          d.eventTime("end", fields["end"]),
		Attendees:    d.attendees(fields["attendees"]),
		Recurrence:   d.recurrence(fields["recurrence"]),
		Visibility:   d.text("visibility", fields["visibility"]),
		ColorID:      d.text("colorId", fields["colorId"]),
		Transparency: d.text("transparency", fields["transparency"]),
		Status:       d.text("status", fields["status"]),
	}
	if r := fields["reminders"]; !isNull(r) {
		ev.Reminders = append(json.RawMessage(nil), bytes.TrimSpace(r)...)
	}
	return ev, d.warnings, nil
}

// NormalizeRaw decodes raw leniently and normalizes the result. Like
// Normalize it never fails: a value that is not an object is reported and
// treated as an empty event.
func (n *Normalizer) NormalizeRaw(raw json.RawMessage) (models.Event, []Warning) {
	ev, warnings, err := Decode(raw)
	if err != nil {
		warnings = append(warnings, Warning{Field: "event", Action: err.Error() + ", starting from an empty event"})
	}
	out, more := n.Normalize(ev)
	return out, append(warnings, more...)
}

type decoder struct {
	warnings []Warning
}

func (d *decoder) warn(field, action string) {
	d.warnings = append(d.warnings, Warning{Field: field, Action: action})
}

// kind returns the first byte of a JSON value, or 0 for an absent one.
func kind(raw json.RawMessage) byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}

func isNull(raw json.RawMessage) bool {
	k := kind(raw)
	return k == 0 || k == 'n'
}

func typeName(k byte) string {
	switch k {
	case 0, 'n':
		return "null"
	case '{':
		return "an object"
	case '[':
		return "a list"
	case '"':
		return "a string"
	case 't', 'f':
		return "a boolean"
	default:
		return "a number"
	}
}

func unquote(raw json.RawMessage) string {
	var s string
	_ = json.Unmarshal(raw, &s)
	return strings.TrimSpace(s)
}

// text reads a string. Numbers and booleans keep their JSON text.
func (d *decoder) text(field string, raw json.RawMessage) string {
	switch k := kind(raw); k {
	case 0, 'n':
		return ""
	case '"':
		var s string
		_ = json.Unmarshal(raw, &s)
		return s
	case '{', '[':
		d.warn(field, "expected a string, dropped "+typeName(k))
		return ""
	default:
		s := string(bytes.TrimSpace(raw))
		d.warn(field, fmt.Sprintf("%s coerced to string %q", typeName(k), s))
		return s
	}
}

func (d *decoder) flag(field string, raw json.RawMessage) bool {
	switch k := kind(raw); k {
	case 0, 'n':
		return false
	case 't', 'f':
		return k == 't'
	case '"':
		if b, err := strconv.ParseBool(unquote(raw)); err == nil {
			d.warn(field, "string coerced to boolean "+strconv.FormatBool(b))
			return b
		}
	}
	d.warn(field, "expected a boolean, dropped "+typeName(kind(raw)))
	return false
}

// eventTime reads a start or end. A bare string is taken as a date when it is
// exactly YYYY-MM-DD and as a date-time otherwise.
func (d *decoder) eventTime(field string, raw json.RawMessage) *models.EventTime {
	switch k := kind(raw); k {
	case 0, 'n':
		return nil
	case '{':
		var m map[string]json.RawMessage
		_ = json.Unmarshal(raw, &m)
		return &models.EventTime{
			DateTime: d.text(field+".dateTime", m["dateTime"]),
			Date:     d.text(field+".date", m["date"]),
			TimeZone: d.text(field+".timeZone", m["timeZone"]),
		}
	case '"':
		s := unquote(raw)
		if s == "" {
			return nil
		}
		if _, err := time.Parse(time.DateOnly, s); err == nil {
			d.warn(field, "bare string taken as date "+s)
			return &models.EventTime{Date: s}
		}
		d.warn(field, "bare string taken as dateTime "+s)
		return &models.EventTime{DateTime: s}
	default:
		d.warn(field, "expected an object, dropped "+typeName(k))
		return nil
	}
}

// items returns the entries of a list. A lone object or string is treated as
// a list of one.
func (d *decoder) items(field string, raw json.RawMessage) []json.RawMessage {
	switch k := kind(raw); k {
	case 0, 'n':
		return nil
	case '[':
		var items []json.RawMessage
		_ = json.Unmarshal(raw, &items)
		return items
	case '{', '"':
		d.warn(field, typeName(k)+" wrapped in a list")
		return []json.RawMessage{raw}
	default:
		d.warn(field, "expected a list, dropped "+typeName(k))
		return nil
	}
}

func (d *decoder) attendees(raw json.RawMessage) []models.Attendee {
	var out []models.Attendee
	for i, item := range d.items("attendees", raw) {
		field := fmt.Sprintf("attendees[%d]", i)
		switch k := kind(item); k {
		case '{':
			var m map[string]json.RawMessage
			_ = json.Unmarshal(item, &m)
			out = append(out, models.Attendee{
				Email:       d.text(field+".email", m["email"]),
				DisplayName: d.text(field+".displayName", m["displayName"]),
				Optional:    d.flag(field+".optional", m["optional"]),
			})
		case '"':
			s := unquote(item)
			switch {
			case s == "":
				d.warn(field, "empty string dropped")
			case strings.Contains(s, "@"):
				out = append(out, models.Attendee{Email: s})
				d.warn(field, "string taken as email "+s)
			default:
				out = append(out, models.Attendee{DisplayName: s})
				d.warn(field, "string taken as displayName "+s)
			}
		default:
			d.warn(field, "expected an object, dropped "+typeName(k))
		}
	}
	return out
}

func (d *decoder) recurrence(raw json.RawMessage) []string {
	var out []string
	for i, item := range d.items("recurrence", raw) {
		if kind(item) != '"' {
			d.warn(fmt.Sprintf("recurrence[%d]", i), "expected a string, dropped "+typeName(kind(item)))
			continue
		}
		if s := unquote(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
