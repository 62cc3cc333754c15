// Package config loads the YAML configuration file. The file is re-read by
// the scheduler on every cycle, so edits take effect without a restart.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig controls the two loops.
type SchedulerConfig struct {
	// RunsPerDay sets the main pipeline cadence. 0 runs the pipeline once and exits.
	RunsPerDay float64 `yaml:"runs_per_day"`
	// DailySummaryTime is the local "HH:MM" at which the digest is sent.
	DailySummaryTime string `yaml:"daily_summary_time"`
}

// PathsConfig lists the directories and files the pipeline works on.
type PathsConfig struct {
	AudioDir      string `yaml:"audio_dir"`
	TranscriptDir string `yaml:"transcript_dir"`
	OutputDir     string `yaml:"output_dir"`
	StateFile     string `yaml:"state_file"`
	SessionFile   string `yaml:"session_file"`
	TokenFile     string `yaml:"token_file"`
	HandledFile   string `yaml:"handled_file"` // recordings already turned into events
}

type FileProcessingConfig struct {
	ArchiveProcessedFiles bool          `yaml:"archive_processed_files"`
	ArchiveDirName        string        `yaml:"archive_directory_name"`
	DefaultEventDuration  time.Duration `yaml:"default_event_duration"`
	AddEndTimeIfMissing   bool          `yaml:"add_end_time_if_missing"`
	DeleteSourceFiles     bool          `yaml:"delete_source_files"`
	TranscriptExtensions  []string      `yaml:"transcript_extensions"`
	AudioExtensions       []string      `yaml:"audio_extensions"`
}

// ValidationConfig is the single validation policy applied before insertion.
type ValidationConfig struct {
	RequiredFields []string `yaml:"required_fields"`
	StartFields    []string `yaml:"start_fields"`
}

type AssistantConfig struct {
	Name                string        `yaml:"name"`
	Model               string        `yaml:"model"`
	Tools               []string      `yaml:"tools"`
	ThreadRetentionDays int           `yaml:"thread_retention_days"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	SaveUsageStats      bool          `yaml:"save_usage_stats"`
	BaseURL             string        `yaml:"base_url,omitempty"`
	// Instructions are given to the assistant when it is created.
	Instructions string `yaml:"instructions"`
	// ParsePrompt is sent per transcript; "{entry}" is replaced with its text.
	ParsePrompt string `yaml:"parse_prompt"`
}

type DatabaseConfig struct {
	// URL is overridden by DATABASE_URL.
	URL string `yaml:"url"`
	// DateInterval is [start, end] for the digest query. Empty means today.
	DateInterval []string `yaml:"date_interval"`
	QueryLimit   int      `yaml:"query_limit"`
	MinConns     int32    `yaml:"min_conns"`
	MaxConns     int32    `yaml:"max_conns"`
}

type CalendarConfig struct {
	// Provider is "google" or "caldav".
	Provider     string `yaml:"provider"`
	CalendarID   string `yaml:"calendar_id"`
	CalDAVURL    string `yaml:"caldav_url"`
	CalendarName string `yaml:"calendar_name"`
}

type DriveConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FolderID         string `yaml:"folder_id"`
	DeleteAfterFetch bool   `yaml:"delete_after_fetch"`
}

type TranscriptionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type EmailConfig struct {
	Enabled   bool     `yaml:"enabled"`
	From      string   `yaml:"from"`
	To        []string `yaml:"to"`
	AttachICS bool     `yaml:"attach_ics"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	// Level is overridden by LOG_LEVEL.
	Level           string `yaml:"level"`
	File            string `yaml:"file"`
	MaxSizeMB       int    `yaml:"max_size_mb"`
	MaxBackups      int    `yaml:"max_backups"`
	UsageFile       string `yaml:"usage_file"`
	UsageMaxSizeMB  int    `yaml:"usage_max_size_mb"`
	UsageMaxBackups int    `yaml:"usage_max_backups"`
}

// Config is the top-level application configuration.
type Config struct {
	Scheduler       SchedulerConfig      `yaml:"scheduler"`
	Paths           PathsConfig          `yaml:"paths"`
	FileProcessing  FileProcessingConfig `yaml:"file_processing"`
	EventValidation ValidationConfig     `yaml:"event_validation"`
	Assistant       AssistantConfig      `yaml:"assistant"`
	Database        DatabaseConfig       `yaml:"database"`
	Calendar        CalendarConfig       `yaml:"calendar"`
	Drive           DriveConfig          `yaml:"drive"`
	Transcription   TranscriptionConfig  `yaml:"transcription"`
	Email           EmailConfig          `yaml:"email"`
	Status          StatusConfig         `yaml:"status"`
	Logging         LoggingConfig        `yaml:"logging"`
}

const defaultInstructions = `You turn short spoken notes into Google Calendar events.
Reply with a single JSON object using the Google Calendar event resource fields
(summary, location, description, start, end, attendees, recurrence, reminders).
Use "dateTime" in ISO 8601 for timed events and "date" (YYYY-MM-DD) for all-day events.
If several events are mentioned, reply with a JSON array of such objects.
Do not add any text outside the JSON.`

const defaultParsePrompt = `Today is {today}. Extract the calendar event from this voice note:

{entry}`

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			RunsPerDay:       4,
			DailySummaryTime: "23:55",
		},
		Paths: PathsConfig{
			AudioDir:      "data/audio",
			TranscriptDir: "data/transcripts",
			OutputDir:     "data/events",
			StateFile:     "data/pipeline_state.json",
			SessionFile:   "data/assistant_session.json",
			TokenFile:     "token.json",
			HandledFile:   "data/handled_recordings.json",
		},
		FileProcessing: FileProcessingConfig{
			ArchiveProcessedFiles: true,
			ArchiveDirName:        "processed",
			DefaultEventDuration:  time.Hour,
			AddEndTimeIfMissing:   true,
			DeleteSourceFiles:     false,
			TranscriptExtensions:  []string{".txt"},
			AudioExtensions:       []string{".m4a", ".mp3", ".wav", ".ogg"},
		},
		EventValidation: ValidationConfig{
			RequiredFields: []string{"summary", "start"},
			StartFields:    []string{"dateTime", "date"},
		},
		Assistant: AssistantConfig{
			Name:                "Calendar Entry Parser",
			Model:               "gpt-4o-mini",
			Tools:               []string{"file_search"},
			ThreadRetentionDays: 30,
			PollInterval:        time.Second,
			SaveUsageStats:      true,
			Instructions:        defaultInstructions,
			ParsePrompt:         defaultParsePrompt,
		},
		Database: DatabaseConfig{
			URL:          "postgres://localhost:5432/voicecal?sslmode=disable",
			DateInterval: []string{},
			QueryLimit:   100,
			MinConns:     1,
			MaxConns:     10,
		},
		Calendar: CalendarConfig{
			Provider:     "google",
			CalendarID:   "primary",
			CalDAVURL:    "https://caldav.icloud.com",
			CalendarName: "Voice Notes",
		},
		Drive: DriveConfig{Enabled: false},
		Transcription: TranscriptionConfig{
			Enabled: true,
			Model:   "whisper-1",
		},
		Email: EmailConfig{
			Enabled:   false,
			To:        []string{},
			AttachICS: true,
		},
		Status: StatusConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Level:           "info",
			File:            "logs/voicecal.log",
			MaxSizeMB:       1,
			MaxBackups:      5,
			UsageFile:       "logs/openai_usage.log",
			UsageMaxSizeMB:  1,
			UsageMaxBackups: 3,
		},
	}
}

// Normalize fills in missing values with defaults so partially written files
// still behave. Booleans are taken as written.
func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.Scheduler.RunsPerDay < 0 {
		c.Scheduler.RunsPerDay = 0
	}
	if c.Scheduler.DailySummaryTime == "" {
		c.Scheduler.DailySummaryTime = d.Scheduler.DailySummaryTime
	}

	setDefault(&c.Paths.AudioDir, d.Paths.AudioDir)
	setDefault(&c.Paths.TranscriptDir, d.Paths.TranscriptDir)
	setDefault(&c.Paths.OutputDir, d.Paths.OutputDir)
	setDefault(&c.Paths.StateFile, d.Paths.StateFile)
	setDefault(&c.Paths.SessionFile, d.Paths.SessionFile)
	setDefault(&c.Paths.TokenFile, d.Paths.TokenFile)
	setDefault(&c.Paths.HandledFile, d.Paths.HandledFile)

	setDefault(&c.FileProcessing.ArchiveDirName, d.FileProcessing.ArchiveDirName)
	if c.FileProcessing.DefaultEventDuration <= 0 {
		c.FileProcessing.DefaultEventDuration = d.FileProcessing.DefaultEventDuration
	}
	if len(c.FileProcessing.TranscriptExtensions) == 0 {
		c.FileProcessing.TranscriptExtensions = d.FileProcessing.TranscriptExtensions
	}
	if len(c.FileProcessing.AudioExtensions) == 0 {
		c.FileProcessing.AudioExtensions = d.FileProcessing.AudioExtensions
	}

	if len(c.EventValidation.RequiredFields) == 0 {
		c.EventValidation.RequiredFields = d.EventValidation.RequiredFields
	}
	if len(c.EventValidation.StartFields) == 0 {
		c.EventValidation.StartFields = d.EventValidation.StartFields
	}

	setDefault(&c.Assistant.Name, d.Assistant.Name)
	setDefault(&c.Assistant.Model, d.Assistant.Model)
	setDefault(&c.Assistant.Instructions, d.Assistant.Instructions)
	setDefault(&c.Assistant.ParsePrompt, d.Assistant.ParsePrompt)
	if c.Assistant.Tools == nil {
		c.Assistant.Tools = d.Assistant.Tools
	}
	if c.Assistant.ThreadRetentionDays <= 0 {
		c.Assistant.ThreadRetentionDays = d.Assistant.ThreadRetentionDays
	}
	if c.Assistant.PollInterval <= 0 {
		c.Assistant.PollInterval = d.Assistant.PollInterval
	}

	setDefault(&c.Database.URL, d.Database.URL)
	if c.Database.DateInterval == nil {
		c.Database.DateInterval = []string{}
	}
	if c.Database.QueryLimit <= 0 {
		c.Database.QueryLimit = d.Database.QueryLimit
	}
	if c.Database.MinConns <= 0 {
		c.Database.MinConns = d.Database.MinConns
	}
	if c.Database.MaxConns < c.Database.MinConns || c.Database.MaxConns <= 0 {
		c.Database.MaxConns = max(d.Database.MaxConns, c.Database.MinConns)
	}

	switch strings.ToLower(c.Calendar.Provider) {
	case "google", "caldav":
		c.Calendar.Provider = strings.ToLower(c.Calendar.Provider)
	default:
		c.Calendar.Provider = d.Calendar.Provider
	}
	setDefault(&c.Calendar.CalendarID, d.Calendar.CalendarID)
	setDefault(&c.Calendar.CalDAVURL, d.Calendar.CalDAVURL)
	setDefault(&c.Calendar.CalendarName, d.Calendar.CalendarName)

	setDefault(&c.Transcription.Model, d.Transcription.Model)
	if c.Email.To == nil {
		c.Email.To = []string{}
	}
	setDefault(&c.Status.Listen, d.Status.Listen)

	setDefault(&c.Logging.Level, d.Logging.Level)
	setDefault(&c.Logging.File, d.Logging.File)
	setDefault(&c.Logging.UsageFile, d.Logging.UsageFile)
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = d.Logging.MaxSizeMB
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = d.Logging.MaxBackups
	}
	if c.Logging.UsageMaxSizeMB <= 0 {
		c.Logging.UsageMaxSizeMB = d.Logging.UsageMaxSizeMB
	}
	if c.Logging.UsageMaxBackups <= 0 {
		c.Logging.UsageMaxBackups = d.Logging.UsageMaxBackups
	}
}

func setDefault(field *string, def string) {
	if strings.TrimSpace(*field) == "" {
		*field = def
	}
}

// ApplyEnv overrides settings that are usually provided by the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate reports settings that cannot be repaired by Normalize.
func (c *Config) Validate() error {
	if _, _, err := c.DailySummaryClock(); err != nil {
		return err
	}
	if !strings.Contains(c.Assistant.ParsePrompt, "{entry}") {
		return errors.New("assistant.parse_prompt must contain the {entry} placeholder")
	}
	if c.Email.Enabled && len(c.Email.To) == 0 {
		return errors.New("email.to must list at least one recipient when email is enabled")
	}
	if c.Drive.Enabled && c.Drive.FolderID == "" {
		return errors.New("drive.folder_id is required when drive is enabled")
	}
	return nil
}

// DailySummaryClock parses Scheduler.DailySummaryTime.
func (c *Config) DailySummaryClock() (hour, minute int, err error) {
	h, m, ok := strings.Cut(c.Scheduler.DailySummaryTime, ":")
	if !ok {
		return 0, 0, fmt.Errorf("scheduler.daily_summary_time %q is not HH:MM", c.Scheduler.DailySummaryTime)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("scheduler.daily_summary_time %q has an invalid hour", c.Scheduler.DailySummaryTime)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("scheduler.daily_summary_time %q has an invalid minute", c.Scheduler.DailySummaryTime)
	}
	return hour, minute, nil
}

// Prompt renders the parse prompt for one transcript.
func (a AssistantConfig) Prompt(entry string, now time.Time) string {
	r := strings.NewReplacer("{entry}", entry, "{today}", now.Format("Monday 2006-01-02"))
	return r.Replace(a.ParsePrompt)
}

// Load reads configuration from path. A missing file is created with the
// default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".voicecal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// File is a configuration path that is re-read on every access.
type File string

// Load reads the file with environment overrides applied.
func (f File) Load() (*Config, error) {
	cfg, err := Load(string(f))
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// DateInterval returns the digest query window and row limit as currently
// written in the file.
func (f File) DateInterval() ([]string, int, error) {
	cfg, err := f.Load()
	if err != nil {
		return nil, 0, err
	}
	return cfg.Database.DateInterval, cfg.Database.QueryLimit, nil
}
