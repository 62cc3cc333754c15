// Package pipeline turns voice-note transcripts into calendar events and runs
// the two scheduled loops: the main pipeline and the daily summary.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"voicecal/internal/config"
	"voicecal/internal/models"
	"voicecal/internal/session"
	"voicecal/internal/store"
)

// ConfigSource yields the current configuration. It is consulted at the start
// of every cycle.
type ConfigSource interface {
	Load() (*config.Config, error)
}

// Downloader fetches new audio recordings into dir and returns the local paths.
type Downloader interface {
	Download(ctx context.Context, dir string, extensions []string) ([]string, error)
}

// Transcriber converts one audio file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Extractor sends a prompt through the conversational session and returns the
// raw reply. *session.Manager implements it.
type Extractor interface {
	Load() (session.Session, error)
	Run(ctx context.Context, s session.Session, prompt string) (string, session.Session, error)
}

// Inserter creates an event in the user's calendar and returns its remote id.
type Inserter interface {
	Insert(ctx context.Context, ev models.Event) (string, error)
}

// EventSaver persists inserted events.
type EventSaver interface {
	Save(ctx context.Context, ev models.Event) (int64, error)
}

// EventQuerier reads stored events for the daily summary.
type EventQuerier interface {
	QueryByConfiguredInterval(ctx context.Context, src store.IntervalSource) ([]store.Record, error)
	QueryUpcoming(ctx context.Context, limit int) ([]store.Record, error)
}

// Attachment is a file attached to an outgoing message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is a plaintext email.
type Message struct {
	From        string
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// ValidationError reports an event rejected before insertion.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "invalid event: missing " + strings.Join(e.Missing, ", ")
}

// InsertError reports a calendar insertion failure for one event.
type InsertError struct {
	Summary string
	Err     error
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("failed to insert event %q: %v", e.Summary, e.Err)
}

func (e *InsertError) Unwrap() error { return e.Err }

// CalculateIntervalSeconds returns the delay between pipeline cycles for the
// given cadence. Zero or negative cadences mean "run once" and return 0.
func CalculateIntervalSeconds(runsPerDay float64) int {
	if runsPerDay <= 0 {
		return 0
	}
	return int(86400 / runsPerDay)
}

func intervalDuration(runsPerDay float64) time.Duration {
	return time.Duration(CalculateIntervalSeconds(runsPerDay)) * time.Second
}
