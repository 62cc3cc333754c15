package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"voicecal/internal/assistant"
	"voicecal/internal/config"
	"voicecal/internal/google"
	"voicecal/internal/icloud"
	"voicecal/internal/logging"
	"voicecal/internal/pipeline"
	"voicecal/internal/session"
	"voicecal/internal/store"
)

// app holds the components shared by the commands that touch the pipeline.
type app struct {
	file      config.File
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	store     *store.EventStore
	usage     *logging.UsageLog

	googleHTTP *http.Client
}

func newApp(ctx context.Context, file config.File) (*app, error) {
	cfg, err := file.Load()
	if err != nil {
		return nil, err
	}
	logger, closer := setupLogger(cfg)
	a := &app{file: file, cfg: cfg, logger: logger, logCloser: closer}

	a.store, err = openStore(ctx, logger, cfg)
	if err != nil {
		closer.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.usage != nil {
		_ = a.usage.Close()
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

func setupLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	logger, closer := logging.New(cfg.Logging.Level, logging.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	slog.SetDefault(logger)
	return logger, closer
}

func (a *app) openAI() (*assistant.Client, error) {
	client, err := assistant.NewClient(assistant.Config{
		APIKey:             os.Getenv("OPENAI_API_KEY"),
		BaseURL:            a.cfg.Assistant.BaseURL,
		TranscriptionModel: a.cfg.Transcription.Model,
		Language:           a.cfg.Transcription.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}
	return client, nil
}

// sessionManager builds the extraction session manager. The returned usage
// log is nil when usage accounting is disabled.
func (a *app) sessionManager() (*session.Manager, *logging.UsageLog, error) {
	client, err := a.openAI()
	if err != nil {
		return nil, nil, err
	}
	mgr := a.newManager(client)
	return mgr, a.usage, nil
}

func (a *app) newManager(remote session.Remote) *session.Manager {
	ac := a.cfg.Assistant
	var sink session.UsageSink
	if ac.SaveUsageStats {
		if a.usage == nil {
			a.usage = logging.NewUsageLog(logging.FileOptions{
				Path:       a.cfg.Logging.UsageFile,
				MaxSizeMB:  a.cfg.Logging.UsageMaxSizeMB,
				MaxBackups: a.cfg.Logging.UsageMaxBackups,
			})
		}
		sink = a.usage
	}
	return session.NewManager(a.logger.With("component", "session"), remote,
		session.FileStore{Path: a.cfg.Paths.SessionFile}, sink,
		session.Config{
			Assistant: session.AssistantSpec{
				Name:         ac.Name,
				Instructions: ac.Instructions,
				Model:        ac.Model,
				Tools:        ac.Tools,
			},
			RetentionDays: ac.ThreadRetentionDays,
			PollInterval:  ac.PollInterval,
			TrackUsage:    ac.SaveUsageStats,
		})
}

func (a *app) pipelineDeps(ctx context.Context) (pipeline.Deps, error) {
	client, err := a.openAI()
	if err != nil {
		return pipeline.Deps{}, err
	}
	deps := pipeline.Deps{
		Transcriber: client,
		Extractor:   a.newManager(client),
		Store:       a.store,
	}

	deps.Inserter, err = a.inserter(ctx)
	if err != nil {
		return pipeline.Deps{}, err
	}

	if a.cfg.Drive.Enabled {
		httpClient, err := a.googleClient(ctx)
		if err != nil {
			return pipeline.Deps{}, err
		}
		deps.Downloader, err = google.NewDriveDownloader(ctx, a.logger.With("component", "drive"), httpClient, a.cfg.Drive.FolderID, a.cfg.Drive.DeleteAfterFetch)
		if err != nil {
			return pipeline.Deps{}, err
		}
	}
	return deps, nil
}

func (a *app) inserter(ctx context.Context) (pipeline.Inserter, error) {
	cal := a.cfg.Calendar
	switch cal.Provider {
	case "caldav":
		client, err := icloud.NewClient(ctx, a.logger.With("component", "caldav"), cal.CalDAVURL,
			os.Getenv("ICLOUD_USERNAME"), os.Getenv("ICLOUD_APP_SPECIFIC_PASSWORD"), cal.CalendarName)
		if err != nil {
			return nil, fmt.Errorf("failed to create caldav client: %w", err)
		}
		return client, nil
	default:
		httpClient, err := a.googleClient(ctx)
		if err != nil {
			return nil, err
		}
		client, err := google.NewCalendarClient(ctx, a.logger.With("component", "calendar"), httpClient, cal.CalendarID)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// mailer returns nil when email is disabled.
func (a *app) mailer(ctx context.Context) (pipeline.Mailer, error) {
	if !a.cfg.Email.Enabled {
		return nil, nil
	}
	httpClient, err := a.googleClient(ctx)
	if err != nil {
		return nil, err
	}
	m, err := google.NewMailer(ctx, a.logger.With("component", "gmail"), httpClient)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (a *app) googleClient(ctx context.Context) (*http.Client, error) {
	if a.googleHTTP != nil {
		return a.googleHTTP, nil
	}
	client, err := google.HTTPClient(ctx, os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"), a.cfg.Paths.TokenFile)
	if err != nil {
		return nil, err
	}
	a.googleHTTP = client
	return client, nil
}
