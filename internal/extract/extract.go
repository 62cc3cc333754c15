// Package extract recovers structured event data from free-form assistant replies.
//
// The assistant is asked for JSON but frequently wraps it in prose or markdown
// fences. Extract tries, in order:
//
//  1. the whole reply as JSON
//  2. each fenced code block (```json ... ``` or bare ```)
//  3. the outermost [...] substring when it opens before the first '{'
//  4. the outermost {...} substring (first '{' through last '}')
//
// The first candidate that is syntactically valid JSON wins. No semantic checks
// are made here: field types are left to package normalize.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON is wrapped by Error when no strategy produced a parseable object.
var ErrNoJSON = errors.New("no parseable JSON object in response")

// Error reports that nothing usable could be recovered from a reply.
type Error struct {
	Err error
}

func (e *Error) Error() string { return "extract: " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

var fenceRe = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*\\s*(.*?)\\s*```")

// Extract returns the event objects encoded in text. A JSON object yields one
// element, a JSON array of objects yields one element per entry. The objects
// are returned as raw JSON.
func Extract(text string) ([]json.RawMessage, error) {
	raw, ok := findJSON(text)
	if !ok {
		return nil, &Error{Err: ErrNoJSON}
	}
	objects, err := split(raw)
	if err != nil {
		return nil, &Error{Err: err}
	}
	return objects, nil
}

// FindJSON returns the first syntactically valid JSON object (or array of
// objects) found in text using the strategies described in the package doc.
func FindJSON(text string) (json.RawMessage, bool) {
	return findJSON(text)
}

func findJSON(text string) (json.RawMessage, bool) {
	if raw, ok := candidate(text); ok {
		return raw, true
	}

	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		if raw, ok := candidate(m[1]); ok {
			return raw, true
		}
	}

	start := strings.Index(text, "{")
	if open := strings.Index(text, "["); open >= 0 && (start < 0 || open < start) {
		if end := strings.LastIndex(text, "]"); end > open {
			if raw, ok := candidate(text[open : end+1]); ok {
				return raw, true
			}
		}
	}

	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if raw, ok := candidate(text[start : end+1]); ok {
			return raw, true
		}
	}
	return nil, false
}

// candidate accepts s when it is valid JSON whose top level is an object or an array.
func candidate(s string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, false
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, false
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}

// Split breaks a JSON object or array of objects into its objects. It is
// also used by the pipeline to read event files back from disk.
func Split(raw []byte) ([]json.RawMessage, error) {
	return split(raw)
}

func split(raw []byte) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrNoJSON
	}
	if raw[0] != '[' {
		if raw[0] != '{' {
			return nil, errors.New("top-level value is not an object")
		}
		return []json.RawMessage{json.RawMessage(raw)}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("split event list: %w", err)
	}
	if len(items) == 0 {
		return nil, errors.New("event list is empty")
	}
	for i, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			return nil, fmt.Errorf("event list entry %d is not an object", i)
		}
		items[i] = item
	}
	return items, nil
}
