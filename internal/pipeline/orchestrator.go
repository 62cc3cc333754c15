package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"voicecal/internal/config"
	"voicecal/internal/extract"
	"voicecal/internal/metrics"
	"voicecal/internal/models"
	"voicecal/internal/normalize"
	"voicecal/internal/session"
)

const eventFilePrefix = "calendar_event_"

// Orchestrator runs one pass of the pipeline: download, transcribe, extract,
// insert, persist, archive and clean up.
type Orchestrator struct {
	logger      *slog.Logger
	cfg         ConfigSource
	downloader  Downloader
	transcriber Transcriber
	extractor   Extractor
	inserter    Inserter
	store       EventSaver
	now         func() time.Time
	// statePath is the last known state file, used when the config cannot be read.
	statePath string
}

// Deps are the collaborators of an Orchestrator. Downloader and Transcriber
// are optional; their stages are skipped when nil.
type Deps struct {
	Downloader  Downloader
	Transcriber Transcriber
	Extractor   Extractor
	Inserter    Inserter
	Store       EventSaver
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(logger *slog.Logger, cfg ConfigSource, deps Deps) *Orchestrator {
	return &Orchestrator{
		logger:      logger,
		cfg:         cfg,
		downloader:  deps.Downloader,
		transcriber: deps.Transcriber,
		extractor:   deps.Extractor,
		inserter:    deps.Inserter,
		store:       deps.Store,
		now:         time.Now,
	}
}

// cycle carries the per-cycle configuration and counters.
type cycle struct {
	log        *slog.Logger
	cfg        *config.Config
	normalizer *normalize.Normalizer
	created    int
	failed     int
	// consumed lists inputs that no longer need processing.
	transcripts []string
	audio       []string
	handled     *handledLedger
}

// RunCycle executes one cycle, writes the resulting State to the configured
// state file and returns it.
func (o *Orchestrator) RunCycle(ctx context.Context) State {
	log := o.logger.With("cycle", uuid.NewString())
	log.Info("Starting pipeline cycle.")

	st := State{LastRunStatus: StatusSuccess}
	cfg, err := o.cfg.Load()
	if err == nil {
		err = o.run(ctx, log, cfg, &st)
	}
	st.LastRunTime = o.now()
	if err != nil {
		st.LastRunStatus = StatusFailed
		st.Error = err.Error()
		log.Error("Pipeline cycle failed", "error", err)
	} else {
		log.Info("Pipeline cycle finished.", "created", st.EventsCreated, "failed", st.EventsFailed)
	}
	metrics.CycleFinished(st.LastRunStatus, st.LastRunTime)

	if cfg != nil {
		o.statePath = cfg.Paths.StateFile
	}
	if o.statePath != "" {
		if err := WriteState(o.statePath, st); err != nil {
			log.Error("Failed to save pipeline state", "error", err)
		}
	}
	return st
}

func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, cfg *config.Config, st *State) error {
	if info, err := os.Stat(cfg.Paths.TranscriptDir); err != nil || !info.IsDir() {
		return fmt.Errorf("transcript directory %q is not available", cfg.Paths.TranscriptDir)
	}
	if err := os.MkdirAll(cfg.Paths.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	c := &cycle{
		log:        log,
		cfg:        cfg,
		normalizer: normalize.New(cfg.FileProcessing.DefaultEventDuration).WithClock(o.now),
	}
	defer func() {
		st.EventsCreated = c.created
		st.EventsFailed = c.failed
	}()

	if err := o.download(ctx, c); err != nil {
		return err
	}
	if err := o.transcribe(ctx, c); err != nil {
		return err
	}
	if err := o.extractAll(ctx, c); err != nil {
		return err
	}
	if err := o.insertAll(ctx, c); err != nil {
		return err
	}
	o.cleanup(c)
	return ctx.Err()
}

func (o *Orchestrator) download(ctx context.Context, c *cycle) error {
	if o.downloader == nil || !c.cfg.Drive.Enabled {
		return nil
	}
	if err := os.MkdirAll(c.cfg.Paths.AudioDir, 0o755); err != nil {
		return fmt.Errorf("failed to create audio directory: %w", err)
	}
	paths, err := o.downloader.Download(ctx, c.cfg.Paths.AudioDir, c.cfg.FileProcessing.AudioExtensions)
	if err != nil {
		return fmt.Errorf("failed to download recordings: %w", err)
	}
	c.log.Info("Downloaded recordings.", "count", len(paths))
	return nil
}

func (o *Orchestrator) transcribe(ctx context.Context, c *cycle) error {
	if o.transcriber == nil || !c.cfg.Transcription.Enabled {
		return nil
	}
	handled, err := loadLedger(c.cfg.Paths.HandledFile)
	if err != nil {
		return err
	}
	c.handled = handled

	audio, err := listFiles(c.cfg.Paths.AudioDir, c.cfg.FileProcessing.AudioExtensions)
	if err != nil {
		c.log.Warn("Could not list audio directory.", "dir", c.cfg.Paths.AudioDir, "error", err)
		return nil
	}
	for _, path := range audio {
		if ctx.Err() != nil {
			return nil
		}
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		target := filepath.Join(c.cfg.Paths.TranscriptDir, base+".txt")
		if o.transcribed(c, base+".txt") {
			c.log.Debug("Recording already transcribed, skipping.", "file", path)
			continue
		}
		if handled.Has(filepath.Base(path)) {
			c.log.Debug("Recording already handled in an earlier cycle, skipping.", "file", path)
			continue
		}
		text, err := o.transcriber.Transcribe(ctx, path)
		if err != nil {
			c.log.Error("Failed to transcribe recording", "file", path, "error", err)
			metrics.TranscriptHandled("transcription_failed")
			continue
		}
		if err := os.WriteFile(target, []byte(text), 0o644); err != nil {
			c.log.Error("Failed to write transcript", "file", target, "error", err)
			continue
		}
		c.log.Info("Transcribed recording.", "file", path, "transcript", target)
		c.audio = append(c.audio, path)
	}
	return nil
}

// transcribed reports whether a transcript for name exists, either pending or
// already archived.
func (o *Orchestrator) transcribed(c *cycle, name string) bool {
	for _, dir := range []string{c.cfg.Paths.TranscriptDir, filepath.Join(c.cfg.Paths.TranscriptDir, c.cfg.FileProcessing.ArchiveDirName)} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

func (o *Orchestrator) extractAll(ctx context.Context, c *cycle) error {
	files, err := listFiles(c.cfg.Paths.TranscriptDir, c.cfg.FileProcessing.TranscriptExtensions)
	if err != nil {
		return fmt.Errorf("failed to list transcripts: %w", err)
	}
	if len(files) == 0 {
		c.log.Info("No pending transcripts.")
		return nil
	}

	sess, err := o.extractor.Load()
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	for _, path := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sess = o.extractOne(ctx, c, sess, path)
	}
	return nil
}

func (o *Orchestrator) extractOne(ctx context.Context, c *cycle, sess session.Session, path string) session.Session {
	log := c.log.With("transcript", filepath.Base(path))

	data, err := os.ReadFile(path)
	if err != nil {
		log.Error("Failed to read transcript", "error", err)
		c.failed++
		return sess
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		log.Debug("Transcript is empty, skipping.")
		metrics.TranscriptHandled("empty")
		return sess
	}

	reply, sess, err := o.extractor.Run(ctx, sess, c.cfg.Assistant.Prompt(text, o.now()))
	if err != nil {
		// The transcript stays in place for the next cycle.
		log.Error("Extraction session failed", "error", err)
		metrics.TranscriptHandled("session_failed")
		c.failed++
		return sess
	}

	objects, err := extract.Extract(reply)
	if err != nil {
		log.Error("Could not extract an event from the reply", "error", err)
		metrics.TranscriptHandled("unparseable")
		c.failed++
		c.transcripts = append(c.transcripts, path)
		return sess
	}

	events := make([]models.Event, 0, len(objects))
	for _, raw := range objects {
		ev, warnings := c.normalizer.NormalizeRaw(raw)
		for _, w := range warnings {
			log.Warn("Event repaired.", "field", w.Field, "action", w.Action)
		}
		events = append(events, ev)
	}

	out, err := o.writeEvents(c.cfg.Paths.OutputDir, events)
	if err != nil {
		log.Error("Failed to write event file", "error", err)
		c.failed++
		return sess
	}
	log.Info("Extracted events.", "count", len(events), "file", out)
	metrics.TranscriptHandled("extracted")
	c.transcripts = append(c.transcripts, path)
	return sess
}

func (o *Orchestrator) writeEvents(dir string, events []models.Event) (string, error) {
	var payload any = events
	if len(events) == 1 {
		payload = events[0]
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal events: %w", err)
	}
	name := eventFilePrefix + o.now().Format("20060102_150405") + ".json"
	path := uniquePath(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (o *Orchestrator) insertAll(ctx context.Context, c *cycle) error {
	files, err := listFiles(c.cfg.Paths.OutputDir, []string{".json"})
	if err != nil {
		return fmt.Errorf("failed to list event files: %w", err)
	}
	for _, path := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.insertFile(ctx, c, path)
	}
	return nil
}

func (o *Orchestrator) insertFile(ctx context.Context, c *cycle, path string) {
	log := c.log.With("file", filepath.Base(path))

	data, err := os.ReadFile(path)
	if err != nil {
		log.Error("Failed to read event file", "error", err)
		c.failed++
		return
	}
	objects, err := extract.Split(data)
	if err != nil {
		log.Error("Event file is not valid", "error", err)
		c.failed++
		return
	}

	succeeded := 0
	for _, raw := range objects {
		ev, warnings, err := normalize.Decode(raw)
		if err != nil {
			log.Error("Event entry is not valid", "error", err)
			c.failed++
			continue
		}
		for _, w := range warnings {
			log.Warn("Event field coerced.", "field", w.Field, "action", w.Action)
		}
		if err := o.insertEvent(ctx, c, log, ev); err != nil {
			c.failed++
			var verr *ValidationError
			if errors.As(err, &verr) {
				log.Warn("Skipping invalid event.", "summary", ev.Summary, "missing", verr.Missing)
				metrics.EventHandled("invalid")
			} else {
				log.Error("Failed to create calendar event", "summary", ev.Summary, "error", err)
				metrics.EventHandled("insert_failed")
			}
			continue
		}
		succeeded++
		c.created++
	}

	if succeeded == 0 {
		return
	}
	if !c.cfg.FileProcessing.ArchiveProcessedFiles {
		if err := os.Remove(path); err != nil {
			log.Error("Failed to remove event file", "error", err)
		}
		return
	}
	dest, err := archive(path, filepath.Join(c.cfg.Paths.OutputDir, c.cfg.FileProcessing.ArchiveDirName))
	if err != nil {
		log.Error("Failed to archive event file", "error", err)
		return
	}
	log.Info("Archived event file.", "to", dest)
}

func (o *Orchestrator) insertEvent(ctx context.Context, c *cycle, log *slog.Logger, ev models.Event) error {
	if err := Validate(ev, c.cfg.EventValidation); err != nil {
		return err
	}
	if c.cfg.FileProcessing.AddEndTimeIfMissing {
		var warnings []normalize.Warning
		ev, warnings = c.normalizer.Complete(ev)
		for _, w := range warnings {
			log.Warn("Event repaired before insertion.", "field", w.Field, "action", w.Action)
		}
	}

	id, err := o.inserter.Insert(ctx, ev)
	if err != nil {
		return &InsertError{Summary: ev.Summary, Err: err}
	}
	log.Info("Created calendar event.", "summary", ev.Summary, "id", id)
	metrics.EventHandled("created")

	if o.store != nil {
		if rowID, err := o.store.Save(ctx, ev); err != nil {
			log.Error("Failed to store event", "summary", ev.Summary, "error", err)
			metrics.EventHandled("store_failed")
		} else {
			log.Debug("Stored event.", "id", rowID)
		}
	}
	return nil
}

// cleanup disposes of transcripts and recordings consumed in this cycle.
// They are deleted when delete_source_files is set and archived otherwise, so
// they are never processed twice. Deleted recordings are recorded in the
// handled ledger first.
func (o *Orchestrator) cleanup(c *cycle) {
	fp := c.cfg.FileProcessing
	remove := fp.DeleteSourceFiles
	if remove && len(c.audio) > 0 {
		names := make([]string, 0, len(c.audio))
		for _, path := range c.audio {
			names = append(names, filepath.Base(path))
		}
		if err := c.handled.Add(names...); err != nil {
			c.log.Error("Failed to record handled recordings, archiving instead of deleting", "error", err)
			remove = false
		}
	}

	for _, path := range c.transcripts {
		if remove {
			if err := os.Remove(path); err != nil {
				c.log.Warn("Could not delete transcript.", "file", path, "error", err)
			}
			continue
		}
		if _, err := archive(path, filepath.Join(filepath.Dir(path), fp.ArchiveDirName)); err != nil {
			c.log.Warn("Could not archive transcript.", "file", path, "error", err)
		}
	}
	if !remove {
		return
	}
	for _, path := range c.audio {
		if err := os.Remove(path); err != nil {
			c.log.Warn("Could not delete recording.", "file", path, "error", err)
		}
	}
	c.log.Info("Cleaned up source files.", "transcripts", len(c.transcripts), "recordings", len(c.audio))
}
