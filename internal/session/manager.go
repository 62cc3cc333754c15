package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrNoResponse is returned when a completed run left no assistant text in the thread.
var ErrNoResponse = errors.New("no assistant response in thread")

// Config controls assistant creation and run handling.
type Config struct {
	Assistant     AssistantSpec
	RetentionDays int
	PollInterval  time.Duration
	TrackUsage    bool
}

// Manager drives a Session through assistant and thread creation, verification,
// rotation and the message/run exchange.
type Manager struct {
	logger *slog.Logger
	remote Remote
	store  Store
	usage  UsageSink
	cfg    Config
	now    func() time.Time
}

// NewManager creates a Manager. usage may be nil.
func NewManager(logger *slog.Logger, remote Remote, store Store, usage UsageSink, cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	return &Manager{
		logger: logger,
		remote: remote,
		store:  store,
		usage:  usage,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Load returns the persisted session to start from.
func (m *Manager) Load() (Session, error) {
	s, err := m.store.Load()
	if err != nil {
		return s, &Error{Op: "load", Err: err}
	}
	return s, nil
}

// Run sends prompt on the session's thread and returns the assistant's reply
// together with the possibly updated session. A stale assistant or thread is
// re-created at most once per call.
func (m *Manager) Run(ctx context.Context, s Session, prompt string) (string, Session, error) {
	s.RetentionDays = m.cfg.RetentionDays
	healed := make(map[string]bool)

	for {
		text, next, err := m.attempt(ctx, s, prompt)
		s = next
		if err == nil {
			return text, s, nil
		}

		var nf *NotFoundError
		if !errors.As(err, &nf) || healed[nf.Resource] {
			var se *Error
			if errors.As(err, &se) {
				return "", s, err
			}
			return "", s, &Error{Op: "run", Err: err}
		}

		healed[nf.Resource] = true
		m.logger.Warn("Remote resource disappeared, recreating.", "resource", nf.Resource, "id", nf.ID)
		switch nf.Resource {
		case ResourceAssistant:
			s.AssistantID = ""
		case ResourceThread:
			s.ThreadID = ""
			s.ThreadCreatedAt = time.Time{}
		}
		if err := m.save(s); err != nil {
			return "", s, err
		}
	}
}

func (m *Manager) attempt(ctx context.Context, s Session, prompt string) (string, Session, error) {
	s, err := m.ensureAssistant(ctx, s)
	if err != nil {
		return "", s, err
	}
	s, err = m.ensureThread(ctx, s)
	if err != nil {
		return "", s, err
	}
	text, err := m.exchange(ctx, s, prompt)
	return text, s, err
}

func (m *Manager) ensureAssistant(ctx context.Context, s Session) (Session, error) {
	if s.AssistantID != "" {
		if err := m.remote.RetrieveAssistant(ctx, s.AssistantID); err != nil {
			return s, fmt.Errorf("retrieve assistant: %w", err)
		}
		return s, nil
	}

	id, err := m.remote.CreateAssistant(ctx, m.cfg.Assistant)
	if err != nil {
		return s, &Error{Op: "create assistant", Err: err}
	}
	m.logger.Info("Created assistant.", "id", id, "model", m.cfg.Assistant.Model, "tools", strings.Join(m.cfg.Assistant.Tools, ","))
	s.AssistantID = id
	return s, m.save(s)
}

func (m *Manager) ensureThread(ctx context.Context, s Session) (Session, error) {
	if !s.ThreadExpired(m.now()) {
		if err := m.remote.RetrieveThread(ctx, s.ThreadID); err != nil {
			return s, fmt.Errorf("retrieve thread: %w", err)
		}
		m.logger.Debug("Reusing thread.", "id", s.ThreadID, "created", s.ThreadCreatedAt)
		return s, nil
	}

	if s.ThreadID != "" {
		m.logger.Info("Thread past retention, rotating.", "id", s.ThreadID, "created", s.ThreadCreatedAt, "retention_days", s.RetentionDays)
	}
	id, err := m.remote.CreateThread(ctx)
	if err != nil {
		return s, &Error{Op: "create thread", Err: err}
	}
	m.logger.Info("Created thread.", "id", id)
	s.ThreadID = id
	s.ThreadCreatedAt = m.now()
	return s, m.save(s)
}

func (m *Manager) exchange(ctx context.Context, s Session, prompt string) (string, error) {
	if err := m.remote.AddUserMessage(ctx, s.ThreadID, prompt); err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}
	runID, err := m.remote.StartRun(ctx, s.ThreadID, s.AssistantID)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}

	run, err := m.wait(ctx, s.ThreadID, runID)
	if err != nil {
		return "", err
	}
	if run.Status != StatusCompleted {
		msg := fmt.Sprintf("run %s finished with status %s", run.ID, run.Status)
		if run.LastError != "" {
			msg += ": " + run.LastError
		}
		return "", &Error{Op: "run", Err: errors.New(msg)}
	}
	m.recordUsage(run)

	messages, err := m.remote.ListMessages(ctx, s.ThreadID)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	for _, msg := range messages {
		if msg.Role == "assistant" && msg.Text != "" {
			return msg.Text, nil
		}
	}
	return "", &Error{Op: "read response", Err: ErrNoResponse}
}

// wait polls the run until it reaches a terminal status or ctx is done.
func (m *Manager) wait(ctx context.Context, threadID, runID string) (Run, error) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		run, err := m.remote.GetRun(ctx, threadID, runID)
		if err != nil {
			return run, fmt.Errorf("get run: %w", err)
		}
		if terminal(run.Status) {
			return run, nil
		}
		m.logger.Debug("Waiting for run.", "run", runID, "status", run.Status)

		select {
		case <-ctx.Done():
			return run, &Error{Op: "wait", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (m *Manager) recordUsage(run Run) {
	if !m.cfg.TrackUsage || m.usage == nil || run.Usage.TotalTokens <= 0 {
		return
	}
	model := run.Model
	if model == "" {
		model = m.cfg.Assistant.Model
	}
	m.usage.RecordUsage(UsageRecord{Time: m.now(), Model: model, Usage: run.Usage})
}

func (m *Manager) save(s Session) error {
	if err := m.store.Save(s); err != nil {
		return &Error{Op: "persist", Err: err}
	}
	return nil
}
