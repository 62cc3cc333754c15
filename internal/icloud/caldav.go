// Package icloud inserts events into a CalDAV calendar. iCloud is the default
// server but any CalDAV endpoint works.
package icloud

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"voicecal/internal/models"
)

// DefaultEndpoint is the iCloud CalDAV server.
const DefaultEndpoint = "https://caldav.icloud.com/"

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "voicecal/1.0")
	return t.Transport.RoundTrip(req)
}

// CalDAVClient inserts events into one calendar collection.
type CalDAVClient struct {
	client       *caldav.Client
	logger       *slog.Logger
	calendarPath string
	now          func() time.Time
}

// NewClient connects to endpoint and locates the calendar named calendarName.
func NewClient(ctx context.Context, logger *slog.Logger, endpoint, username, password, calendarName string) (*CalDAVClient, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	var httpClient webdav.HTTPClient = &http.Client{Transport: &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}}

	client, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	c := &CalDAVClient{client: client, logger: logger, now: time.Now}

	logger.Info("Finding CalDAV calendar.", "calendarName", calendarName)
	calendarPath, err := c.findCalendar(ctx, calendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", calendarName, err)
	}
	c.calendarPath = calendarPath
	logger.Info("Found CalDAV calendar.", "path", calendarPath)

	return c, nil
}

// Insert stores ev as a new calendar object and returns its UID.
func (c *CalDAVClient) Insert(ctx context.Context, ev models.Event) (string, error) {
	uid := uuid.NewString()
	vevent, err := toICal(ev, uid, c.now())
	if err != nil {
		return "", err
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//voicecal//EN")
	cal.Children = append(cal.Children, vevent)

	objectPath := path.Join(c.calendarPath, uid+".ics")
	if _, err := c.client.PutCalendarObject(ctx, objectPath, cal); err != nil {
		return "", fmt.Errorf("failed to create event on CalDAV server: %w", err)
	}

	c.logger.Debug("Created CalDAV event.", "summary", ev.Summary, "uid", uid)
	return uid, nil
}

// toICal converts an Event to a VEVENT component.
func toICal(ev models.Event, uid string, now time.Time) (*ical.Component, error) {
	start, err := ev.Start.Time(time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid start: %w", err)
	}

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, ev.Summary)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())

	if ev.Start.AllDay() {
		ve.Props.SetDate(ical.PropDateTimeStart, start)
		end, err := ev.End.Time(time.Local)
		if err != nil || !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
		ve.Props.SetDate(ical.PropDateTimeEnd, end)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, zoned(start, ev.Start.TimeZone))
		if end, err := ev.End.Time(start.Location()); err == nil {
			ve.Props.SetDateTime(ical.PropDateTimeEnd, zoned(end, ev.Start.TimeZone))
		}
	}

	if ev.Description != "" {
		ve.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		ve.Props.SetText(ical.PropLocation, ev.Location)
	}
	for _, a := range ev.Attendees {
		if a.Email == "" {
			continue
		}
		p := ical.NewProp(ical.PropAttendee)
		p.Value = "mailto:" + a.Email
		if a.DisplayName != "" {
			p.Params.Set(ical.ParamCommonName, a.DisplayName)
		}
		ve.Props.Add(p)
	}
	for _, line := range ev.Recurrence {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		p := ical.NewProp(strings.ToUpper(name))
		p.Value = value
		ve.Props.Add(p)
	}
	return ve, nil
}

// zoned keeps t in tz when tz is a known zone name and converts it to UTC
// otherwise, so TZID parameters always name a real zone.
func zoned(t time.Time, tz string) time.Time {
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return t.In(loc)
		}
	}
	return t.UTC()
}

// findCalendar discovers the user's calendars and returns the path of the one
// with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.client.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.client.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}
