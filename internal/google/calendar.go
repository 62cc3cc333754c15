package google

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"voicecal/internal/models"
)

// CalendarClient inserts events into one Google Calendar.
type CalendarClient struct {
	service    *calendar.Service
	logger     *slog.Logger
	calendarID string

	tzOnce   sync.Once
	timeZone string
}

// NewCalendarClient creates a new Google Calendar client.
func NewCalendarClient(ctx context.Context, logger *slog.Logger, httpClient *http.Client, calendarID string, opts ...option.ClientOption) (*CalendarClient, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	return &CalendarClient{service: service, logger: logger, calendarID: calendarID}, nil
}

// Insert creates ev and returns the id Google assigned to it.
func (c *CalendarClient) Insert(ctx context.Context, ev models.Event) (string, error) {
	item, err := c.toGoogleEvent(ctx, ev)
	if err != nil {
		return "", err
	}
	created, err := c.service.Events.Insert(c.calendarID, item).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}
	c.logger.Debug("Inserted Google Calendar event.", "id", created.Id, "link", created.HtmlLink)
	return created.Id, nil
}

// toGoogleEvent converts an Event to the Calendar API resource. Date-times
// without an offset or zone get the calendar's own time zone.
func (c *CalendarClient) toGoogleEvent(ctx context.Context, ev models.Event) (*calendar.Event, error) {
	item := &calendar.Event{
		Summary:      ev.Summary,
		Location:     ev.Location,
		Description:  ev.Description,
		Start:        c.eventDateTime(ctx, ev.Start),
		End:          c.eventDateTime(ctx, ev.End),
		Recurrence:   ev.Recurrence,
		Visibility:   ev.Visibility,
		ColorId:      ev.ColorID,
		Transparency: ev.Transparency,
		Status:       ev.Status,
	}
	for _, a := range ev.Attendees {
		item.Attendees = append(item.Attendees, &calendar.EventAttendee{
			Email:       a.Email,
			DisplayName: a.DisplayName,
			Optional:    a.Optional,
		})
	}
	if len(ev.Reminders) > 0 && string(ev.Reminders) != "null" {
		var r calendar.EventReminders
		if err := json.Unmarshal(ev.Reminders, &r); err != nil {
			return nil, fmt.Errorf("invalid reminders: %w", err)
		}
		// UseDefault=false must be sent explicitly.
		r.ForceSendFields = append(r.ForceSendFields, "UseDefault")
		item.Reminders = &r
	}
	return item, nil
}

func (c *CalendarClient) eventDateTime(ctx context.Context, t *models.EventTime) *calendar.EventDateTime {
	if t == nil {
		return nil
	}
	out := &calendar.EventDateTime{
		DateTime: t.DateTime,
		Date:     t.Date,
		TimeZone: t.TimeZone,
	}
	if out.DateTime != "" && out.TimeZone == "" && !hasOffset(out.DateTime) {
		out.TimeZone = c.calendarTimeZone(ctx)
	}
	return out
}

func (c *CalendarClient) calendarTimeZone(ctx context.Context) string {
	c.tzOnce.Do(func() {
		cal, err := c.service.Calendars.Get(c.calendarID).Context(ctx).Do()
		if err != nil {
			c.logger.Warn("Could not read calendar time zone.", "calendarID", c.calendarID, "error", err)
			return
		}
		c.timeZone = cal.TimeZone
	})
	return c.timeZone
}

func hasOffset(dateTime string) bool {
	_, clock, ok := strings.Cut(dateTime, "T")
	if !ok {
		return false
	}
	return strings.HasSuffix(clock, "Z") || strings.HasSuffix(clock, "z") || strings.ContainsAny(clock, "+-")
}
