// Package session manages the long-lived assistant conversation used for
// event extraction. The Manager is the only writer of the persisted Session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultRetentionDays is how long a thread is reused before a fresh one is created.
const DefaultRetentionDays = 30

// Session identifies the remote assistant and the thread messages are appended to.
type Session struct {
	AssistantID     string    `json:"assistant_id,omitempty"`
	ThreadID        string    `json:"thread_id,omitempty"`
	ThreadCreatedAt time.Time `json:"thread_created_at,omitzero"`
	RetentionDays   int       `json:"retention_days"`
}

// ThreadExpired reports whether the thread must be rotated at now. A thread
// without a creation time is treated as expired.
func (s Session) ThreadExpired(now time.Time) bool {
	if s.ThreadID == "" || s.ThreadCreatedAt.IsZero() {
		return true
	}
	retention := s.RetentionDays
	if retention <= 0 {
		retention = DefaultRetentionDays
	}
	days := int(now.Sub(s.ThreadCreatedAt) / (24 * time.Hour))
	return days > retention
}

// Store persists the session between runs.
type Store interface {
	Load() (Session, error)
	Save(Session) error
}

// FileStore keeps the session as a JSON document on disk.
type FileStore struct {
	Path string
}

// Load returns the stored session. A missing file yields an empty session.
func (f FileStore) Load() (Session, error) {
	var s Session
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to read session file: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse session file %s: %w", f.Path, err)
	}
	return s, nil
}

// Save writes the session atomically.
func (f FileStore) Save(s Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Error is returned by Manager.Run for every failure that could not be healed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("session %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Remote resources that can disappear under a stored identifier.
const (
	ResourceAssistant = "assistant"
	ResourceThread    = "thread"
)

// NotFoundError is returned by a Remote when the service no longer knows an identifier.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// Run statuses reported by the service.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusExpired    = "expired"
	StatusIncomplete = "incomplete"
)

func terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired, StatusIncomplete:
		return true
	}
	return false
}

// Usage is the token accounting attached to a completed run.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Run is a snapshot of a remote run.
type Run struct {
	ID        string
	Status    string
	Model     string
	LastError string
	Usage     Usage
}

// Message is one entry of a thread with its first text content.
type Message struct {
	Role string
	Text string
}

// AssistantSpec describes the assistant created when none is stored.
type AssistantSpec struct {
	Name         string
	Instructions string
	Model        string
	Tools        []string
}

// Remote is the conversational extraction service.
type Remote interface {
	CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error)
	RetrieveAssistant(ctx context.Context, id string) error
	CreateThread(ctx context.Context) (string, error)
	RetrieveThread(ctx context.Context, id string) error
	AddUserMessage(ctx context.Context, threadID, text string) error
	StartRun(ctx context.Context, threadID, assistantID string) (string, error)
	GetRun(ctx context.Context, threadID, runID string) (Run, error)
	// ListMessages returns the thread's messages, newest first.
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
}

// UsageRecord is written to the accounting sink after a completed run.
type UsageRecord struct {
	Time  time.Time
	Model string
	Usage
}

// UsageSink receives accounting records.
type UsageSink interface {
	RecordUsage(UsageRecord)
}
