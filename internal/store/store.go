// Package store persists normalized events in PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"voicecal/internal/metrics"
	"voicecal/internal/models"
)

// Pool is the subset of pgxpool.Pool used by the store.
//
// Tests supply a lightweight mock in its place.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Error wraps every failure returned by the store.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "store " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// ErrUnknownField is returned by Update for a field outside the whitelist.
var ErrUnknownField = errors.New("unknown field")

const (
	DefaultQueryLimit = 100
	localLayout       = "2006-01-02T15:04:05"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS calendar_events (
		id SERIAL PRIMARY KEY,
		summary TEXT,
		location TEXT,
		description TEXT,
		start_datetime TEXT,
		start_timezone TEXT,
		end_datetime TEXT,
		end_timezone TEXT,
		attendees TEXT,
		recurrence TEXT,
		reminders TEXT,
		visibility TEXT,
		color_id TEXT,
		transparency TEXT,
		status TEXT,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calendar_events_start_datetime ON calendar_events(start_datetime)`,
	`CREATE INDEX IF NOT EXISTS idx_calendar_events_end_datetime ON calendar_events(end_datetime)`,
	`CREATE INDEX IF NOT EXISTS idx_calendar_events_date_range ON calendar_events(start_datetime, end_datetime)`,
}

const selectColumns = `id, summary, location, description, start_datetime, start_timezone,
	end_datetime, end_timezone, attendees, recurrence, reminders, visibility, color_id,
	transparency, status, created_at`

// updatable maps Update field names to columns.
var updatable = map[string]string{
	"summary":        "summary",
	"location":       "location",
	"description":    "description",
	"start_datetime": "start_datetime",
	"start_timezone": "start_timezone",
	"end_datetime":   "end_datetime",
	"end_timezone":   "end_timezone",
	"attendees":      "attendees",
	"recurrence":     "recurrence",
	"reminders":      "reminders",
	"visibility":     "visibility",
	"color_id":       "color_id",
	"colorId":        "color_id",
	"transparency":   "transparency",
	"status":         "status",
}

// Record is a stored event.
type Record struct {
	ID        int64
	Event     models.Event
	CreatedAt time.Time
}

// IntervalSource yields the digest query window as currently configured.
type IntervalSource interface {
	DateInterval() (interval []string, limit int, err error)
}

// EventStore is the pooled event repository.
type EventStore struct {
	logger *slog.Logger
	pool   Pool
	close  func()
	now    func() time.Time
}

// Options configures Open.
type Options struct {
	DSN      string
	MinConns int32
	MaxConns int32
}

// Open connects a pool and creates the schema if needed.
func Open(ctx context.Context, logger *slog.Logger, opts Options) (*EventStore, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, &Error{Op: "open", Err: fmt.Errorf("parse dsn: %w", err)}
	}
	cfg.MinConns = 1
	cfg.MaxConns = 10
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConns >= cfg.MinConns && opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &Error{Op: "open", Err: fmt.Errorf("ping: %w", err)}
	}

	s := New(logger, pool)
	s.close = pool.Close
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("Connected to database.", "min_conns", cfg.MinConns, "max_conns", cfg.MaxConns)
	return s, nil
}

// New wraps an existing pool.
func New(logger *slog.Logger, pool Pool) *EventStore {
	return &EventStore{logger: logger, pool: pool, close: func() {}, now: time.Now}
}

// Close releases the pool.
func (s *EventStore) Close() {
	s.close()
}

// EnsureSchema creates the table and its indexes. It is safe to run repeatedly.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	defer observeDB(ctx, "schema")()
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return &Error{Op: "schema", Err: err}
		}
	}
	return nil
}

// Save inserts ev and returns its generated id.
func (s *EventStore) Save(ctx context.Context, ev models.Event) (int64, error) {
	defer observeDB(ctx, "save")()

	attendees, err := jsonText(ev.Attendees, len(ev.Attendees) > 0)
	if err != nil {
		return 0, &Error{Op: "save", Err: err}
	}
	recurrence, err := jsonText(ev.Recurrence, len(ev.Recurrence) > 0)
	if err != nil {
		return 0, &Error{Op: "save", Err: err}
	}
	var reminders *string
	if len(ev.Reminders) > 0 {
		r := string(ev.Reminders)
		reminders = &r
	}

	var id int64
	err = s.pool.QueryRow(ctx, `INSERT INTO calendar_events (
		summary, location, description, start_datetime, start_timezone,
		end_datetime, end_timezone, attendees, recurrence, reminders,
		visibility, color_id, transparency, status
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	RETURNING id`,
		nullable(ev.Summary), nullable(ev.Location), nullable(ev.Description),
		nullable(ev.Start.Value()), nullable(timeZone(ev.Start)),
		nullable(ev.End.Value()), nullable(timeZone(ev.End)),
		attendees, recurrence, reminders,
		nullable(ev.Visibility), nullable(ev.ColorID), nullable(ev.Transparency), nullable(ev.Status),
	).Scan(&id)
	if err != nil {
		return 0, &Error{Op: "save", Err: err}
	}
	s.logger.Debug("Saved event.", "id", id, "summary", ev.Summary)
	return id, nil
}

// startInRange matches rows whose start lies in [$1, $2]. Starts are ISO
// strings compared as text; an all-day start is a bare date, which sorts
// before every date-time of the same day, so it matches on its date alone.
const startInRange = `start_datetime >= left($1, 10) AND start_datetime <= $2
		AND (start_datetime >= $1 OR length(start_datetime) = 10)`

// QueryByRange returns events whose start lies in [start, end], ascending.
// Bare-date bounds cover the whole day. All-day events match when their date
// lies in the range.
func (s *EventStore) QueryByRange(ctx context.Context, start, end string, limit int) ([]Record, error) {
	defer observeDB(ctx, "query_range")()
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	start, end = expandBounds(start, end)
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+`
		FROM calendar_events
		WHERE `+startInRange+`
		ORDER BY start_datetime ASC
		LIMIT $3`, start, end, limit)
	if err != nil {
		return nil, &Error{Op: "query range", Err: err}
	}
	return collect(rows, "query range")
}

// QueryByConfiguredInterval reads the window from src on every call. An
// empty window means today; bare dates cover the whole day.
func (s *EventStore) QueryByConfiguredInterval(ctx context.Context, src IntervalSource) ([]Record, error) {
	interval, limit, err := src.DateInterval()
	if err != nil {
		return nil, &Error{Op: "read interval", Err: err}
	}
	start, end := ExpandInterval(interval, s.now())
	s.logger.Info("Querying events for configured interval.", "start", start, "end", end, "limit", limit)
	return s.QueryByRange(ctx, start, end, limit)
}

// ExpandInterval turns a configured [start, end] pair into comparable bounds.
func ExpandInterval(interval []string, now time.Time) (string, string) {
	var start, end string
	if len(interval) < 2 || interval[0] == "" || interval[1] == "" {
		today := now.Format("2006-01-02")
		start, end = today, today
	} else {
		start, end = interval[0], interval[1]
	}
	return expandBounds(start, end)
}

func expandBounds(start, end string) (string, string) {
	if len(start) == len("2006-01-02") {
		start += "T00:00:00"
	}
	if len(end) == len("2006-01-02") {
		end += "T23:59:59"
	}
	return start, end
}

// QueryUpcoming returns events starting from now, ascending. All-day events
// of the current day are included.
func (s *EventStore) QueryUpcoming(ctx context.Context, limit int) ([]Record, error) {
	defer observeDB(ctx, "query_upcoming")()
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+`
		FROM calendar_events
		WHERE start_datetime >= left($1, 10)
		AND (start_datetime >= $1 OR length(start_datetime) = 10)
		ORDER BY start_datetime ASC
		LIMIT $2`, s.now().Format(localLayout), limit)
	if err != nil {
		return nil, &Error{Op: "query upcoming", Err: err}
	}
	return collect(rows, "query upcoming")
}

// Update sets the given fields on event id. Slices, maps and raw JSON are
// stored as JSON text. It reports whether a row was changed.
func (s *EventStore) Update(ctx context.Context, id int64, fields map[string]any) (bool, error) {
	defer observeDB(ctx, "update")()
	if len(fields) == 0 {
		s.logger.Warn("No fields to update.", "id", id)
		return false, nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, ok := updatable[name]; !ok {
			return false, &Error{Op: "update", Err: fmt.Errorf("%w: %s", ErrUnknownField, name)}
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names))
	args := make([]any, 0, len(names)+1)
	for i, name := range names {
		v, err := columnValue(fields[name])
		if err != nil {
			return false, &Error{Op: "update", Err: fmt.Errorf("%s: %w", name, err)}
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", updatable[name], i+1))
		args = append(args, v)
	}
	args = append(args, id)

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("UPDATE calendar_events SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return false, &Error{Op: "update", Err: err}
	}
	s.logger.Info("Updated event.", "id", id, "rows", tag.RowsAffected())
	return tag.RowsAffected() > 0, nil
}

// Delete removes event id and reports whether it existed.
func (s *EventStore) Delete(ctx context.Context, id int64) (bool, error) {
	defer observeDB(ctx, "delete")()
	tag, err := s.pool.Exec(ctx, `DELETE FROM calendar_events WHERE id = $1`, id)
	if err != nil {
		return false, &Error{Op: "delete", Err: err}
	}
	s.logger.Info("Deleted event.", "id", id, "rows", tag.RowsAffected())
	return tag.RowsAffected() > 0, nil
}

func collect(rows pgx.Rows, op string) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &Error{Op: op, Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var summary, location, description *string
	var startValue, startTZ, endValue, endTZ *string
	var attendees, recurrence, reminders *string
	var visibility, colorID, transparency, status *string
	if err := row.Scan(&rec.ID, &summary, &location, &description,
		&startValue, &startTZ, &endValue, &endTZ,
		&attendees, &recurrence, &reminders,
		&visibility, &colorID, &transparency, &status, &rec.CreatedAt); err != nil {
		return rec, err
	}

	ev := models.Event{
		Summary:      deref(summary),
		Location:     deref(location),
		Description:  deref(description),
		Start:        eventTime(deref(startValue), deref(startTZ)),
		End:          eventTime(deref(endValue), deref(endTZ)),
		Visibility:   deref(visibility),
		ColorID:      deref(colorID),
		Transparency: deref(transparency),
		Status:       deref(status),
	}
	if attendees != nil {
		if err := json.Unmarshal([]byte(*attendees), &ev.Attendees); err != nil {
			return rec, fmt.Errorf("decode attendees of %d: %w", rec.ID, err)
		}
	}
	if recurrence != nil {
		if err := json.Unmarshal([]byte(*recurrence), &ev.Recurrence); err != nil {
			return rec, fmt.Errorf("decode recurrence of %d: %w", rec.ID, err)
		}
	}
	if reminders != nil {
		ev.Reminders = json.RawMessage(*reminders)
	}
	rec.Event = ev
	return rec, nil
}

func eventTime(value, tz string) *models.EventTime {
	if value == "" {
		return nil
	}
	t := &models.EventTime{TimeZone: tz}
	if len(value) == len("2006-01-02") {
		t.Date = value
	} else {
		t.DateTime = value
	}
	return t
}

func timeZone(t *models.EventTime) string {
	if t == nil {
		return ""
	}
	return t.TimeZone
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func jsonText(v any, present bool) (*string, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func columnValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case json.RawMessage:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}

func observeDB(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveDBLatency(ctx, operation, start)
	}
}
