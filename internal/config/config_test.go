package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "voicecal.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.RunsPerDay != 4 || cfg.Scheduler.DailySummaryTime != "23:55" {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("permissions = %o, want 600", perm)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Assistant.PollInterval != time.Second || again.FileProcessing.DefaultEventDuration != time.Hour {
		t.Fatalf("durations did not round-trip: %+v %+v", again.Assistant, again.FileProcessing)
	}
	if again.Assistant.ParsePrompt != cfg.Assistant.ParsePrompt {
		t.Fatalf("prompt did not round-trip")
	}
}

func TestLoadPartialFileIsNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicecal.yaml")
	data := `
scheduler:
  runs_per_day: 0
file_processing:
  default_event_duration: 90m
database:
  date_interval: ["2025-04-01", "2025-04-30"]
calendar:
  provider: CalDAV
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.RunsPerDay != 0 {
		t.Fatalf("runs_per_day 0 must be kept, got %v", cfg.Scheduler.RunsPerDay)
	}
	if cfg.Scheduler.DailySummaryTime != "23:55" {
		t.Fatalf("summary time default missing: %q", cfg.Scheduler.DailySummaryTime)
	}
	if cfg.FileProcessing.DefaultEventDuration != 90*time.Minute {
		t.Fatalf("duration = %v", cfg.FileProcessing.DefaultEventDuration)
	}
	if cfg.Calendar.Provider != "caldav" {
		t.Fatalf("provider = %q", cfg.Calendar.Provider)
	}
	if cfg.Database.QueryLimit != 100 || cfg.Database.MinConns != 1 || cfg.Database.MaxConns != 10 {
		t.Fatalf("database defaults missing: %+v", cfg.Database)
	}
	if strings.Join(cfg.EventValidation.RequiredFields, ",") != "summary,start" {
		t.Fatalf("validation defaults missing: %+v", cfg.EventValidation)
	}
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicecal.yaml")
	if err := os.WriteFile(path, []byte("scheduler: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDailySummaryClock(t *testing.T) {
	cases := map[string]bool{
		"23:55": true,
		"00:00": true,
		"7:05":  true,
		"24:00": false,
		"12:60": false,
		"noon":  false,
	}
	for value, ok := range cases {
		cfg := DefaultConfig()
		cfg.Scheduler.DailySummaryTime = value
		_, _, err := cfg.DailySummaryClock()
		if ok && err != nil {
			t.Errorf("%q: unexpected error %v", value, err)
		}
		if !ok && err == nil {
			t.Errorf("%q: expected error", value)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg.Assistant.ParsePrompt = "no placeholder"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing placeholder error")
	}

	cfg = DefaultConfig()
	cfg.Email.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing recipient error")
	}
}

func TestPromptReplacesPlaceholders(t *testing.T) {
	a := AssistantConfig{ParsePrompt: "On {today}: {entry}"}
	got := a.Prompt("dentist at 9", time.Date(2025, 4, 7, 0, 0, 0, 0, time.UTC))
	if got != "On Monday 2025-04-07: dentist at 9" {
		t.Fatalf("prompt = %q", got)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	if cfg.Database.URL != "postgres://env/db" || cfg.Logging.Level != "debug" {
		t.Fatalf("env not applied: %q %q", cfg.Database.URL, cfg.Logging.Level)
	}
}

func TestFileDateIntervalIsReadOnEveryCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicecal.yaml")
	f := File(path)

	interval, limit, err := f.DateInterval()
	if err != nil {
		t.Fatal(err)
	}
	if len(interval) != 0 || limit != 100 {
		t.Fatalf("unexpected defaults: %v %d", interval, limit)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Database.DateInterval = []string{"2025-01-01", "2025-01-31"}
	cfg.Database.QueryLimit = 5
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	interval, limit, err = f.DateInterval()
	if err != nil {
		t.Fatal(err)
	}
	if len(interval) != 2 || interval[1] != "2025-01-31" || limit != 5 {
		t.Fatalf("edit not picked up: %v %d", interval, limit)
	}
}
