package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voicecal/internal/metrics"
	"voicecal/internal/store"
)

// Summarizer builds and sends the daily digest of stored events.
type Summarizer struct {
	logger   *slog.Logger
	cfg      ConfigSource
	interval store.IntervalSource
	store    EventQuerier
	mailer   Mailer
	now      func() time.Time
}

// NewSummarizer creates a new Summarizer. The query window is read from
// interval each time a digest is sent.
func NewSummarizer(logger *slog.Logger, cfg ConfigSource, interval store.IntervalSource, q EventQuerier, mailer Mailer) *Summarizer {
	return &Summarizer{
		logger:   logger,
		cfg:      cfg,
		interval: interval,
		store:    q,
		mailer:   mailer,
		now:      time.Now,
	}
}

// Send queries the configured interval and mails the digest.
func (s *Summarizer) Send(ctx context.Context) error {
	return s.send(ctx, func() ([]store.Record, error) {
		return s.store.QueryByConfiguredInterval(ctx, s.interval)
	})
}

// SendUpcoming mails a digest of the next limit events from now on.
func (s *Summarizer) SendUpcoming(ctx context.Context, limit int) error {
	return s.send(ctx, func() ([]store.Record, error) {
		return s.store.QueryUpcoming(ctx, limit)
	})
}

func (s *Summarizer) send(ctx context.Context, query func() ([]store.Record, error)) error {
	err := s.deliver(ctx, query)
	if err != nil {
		metrics.DigestSent("failed")
		return err
	}
	metrics.DigestSent("sent")
	return nil
}

func (s *Summarizer) deliver(ctx context.Context, query func() ([]store.Record, error)) error {
	cfg, err := s.cfg.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Email.Enabled || s.mailer == nil {
		s.logger.Info("Email is disabled, skipping daily summary.")
		return nil
	}
	if len(cfg.Email.To) == 0 {
		return errors.New("no email recipients configured")
	}

	records, err := query()
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}

	now := s.now()
	msg := Message{
		From:    cfg.Email.From,
		To:      cfg.Email.To,
		Subject: DigestSubject(now),
		Body:    FormatDigest(records, now),
	}
	if cfg.Email.AttachICS && len(records) > 0 {
		msg.Attachments = append(msg.Attachments, Attachment{
			Name:        "events-" + now.Format("2006-01-02") + ".ics",
			ContentType: "text/calendar",
			Data:        BuildICS(records, now),
		})
	}

	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send daily summary: %w", err)
	}
	s.logger.Info("Daily summary sent.", "events", len(records), "recipients", len(msg.To))
	return nil
}
