// Package caldav implements the CalDAV variant of the provider capability
// interface on top of emersion's go-webdav client. CalDAV servers expose no
// delta endpoint here, so Delta always reports ErrDeltaNotSupported and the
// engine falls back to full passes.
package caldav

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/mwhitfield/calsyncd/internal/provider"
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Client provides calendar operations against a CalDAV server.
type Client struct {
	baseURL      string
	caldavClient *caldav.Client
}

// NewClient creates a CalDAV client with basic auth.
func NewClient(baseURL, username, password string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
	}

	caldavClient, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, username, password),
		baseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}

	return &Client{
		baseURL:      baseURL,
		caldavClient: caldavClient,
	}, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string { return "caldav" }

// BatchCap returns 1: CalDAV has no batch endpoint, every object is its own
// HTTP request.
func (c *Client) BatchCap() int { return 1 }

// ListCalendars discovers the calendars under the account's home set.
func (c *Client) ListCalendars(ctx context.Context) ([]provider.Calendar, error) {
	principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, classifyError(err)
	}

	homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, classifyError(err)
	}

	cals, err := c.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, classifyError(err)
	}

	calendars := make([]provider.Calendar, 0, len(cals))
	for _, cal := range cals {
		calendars = append(calendars, provider.Calendar{
			ID:   cal.Path,
			Name: cal.Name,
		})
	}

	return calendars, nil
}

// ListEvents fetches events in the window with a REPORT calendar-query.
// Objects whose iCalendar payload fails to parse are skipped, not fatal.
func (c *Client) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]provider.RemoteEvent, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{
				{Name: "VEVENT"},
			},
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{
					Name:  "VEVENT",
					Start: timeMin.UTC(),
					End:   timeMax.UTC(),
				},
			},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, calendarID, query)
	if err != nil {
		return nil, classifyError(err)
	}

	events := make([]provider.RemoteEvent, 0, len(objects))
	for _, obj := range objects {
		event, err := parseCalendarObject(&obj)
		if err != nil {
			continue
		}
		events = append(events, *event)
	}

	return events, nil
}

// Delta is not supported; CalDAV collections are synchronized with full
// passes only.
func (c *Client) Delta(ctx context.Context, calendarID, deltaToken string) (*provider.DeltaResult, error) {
	return nil, provider.ErrDeltaNotSupported
}

// CreateEvent stores the event as a new object named after its UID.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, event *provider.RemoteEvent) (*provider.RemoteEvent, error) {
	uid := event.ID
	if uid == "" {
		uid = newUID()
	}
	path := strings.TrimSuffix(calendarID, "/") + "/" + uid + ".ics"

	cal := buildCalendar(uid, event)
	obj, err := c.caldavClient.PutCalendarObject(ctx, path, cal)
	if err != nil {
		return nil, classifyError(err)
	}

	stored := *event
	stored.ID = path
	if obj != nil {
		stored.ETag = obj.ETag
	}
	return &stored, nil
}

// UpdateEvent overwrites the object at the event's path.
func (c *Client) UpdateEvent(ctx context.Context, calendarID string, event *provider.RemoteEvent) (*provider.RemoteEvent, error) {
	path := event.ID
	if path == "" || !strings.HasPrefix(path, calendarID) {
		return nil, fmt.Errorf("%w: event path %q outside calendar %q", provider.ErrNotFound, path, calendarID)
	}

	uid := uidFromPath(path)
	cal := buildCalendar(uid, event)
	obj, err := c.caldavClient.PutCalendarObject(ctx, path, cal)
	if err != nil {
		return nil, classifyError(err)
	}

	stored := *event
	if obj != nil {
		stored.ETag = obj.ETag
	}
	return &stored, nil
}

// DeleteEvent removes the object at the given path.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, remoteID string) error {
	if err := c.caldavClient.RemoveAll(ctx, remoteID); err != nil {
		return classifyError(err)
	}
	return nil
}

// classifyError maps CalDAV failures onto the provider error taxonomy.
// go-webdav keeps its HTTP error type in an internal package, so the status
// code is recovered from the error text, which it formats as
// "<code> <status text>: ...".
func classifyError(err error) error {
	switch code := statusFromError(err); {
	case code == 401 || code == 403:
		return provider.ErrAuth
	case code == 404:
		return provider.ErrNotFound
	case code == 429:
		return &provider.ThrottledError{RetryAfter: time.Second}
	case code >= 500:
		return &provider.TransientError{Err: err}
	case code != 0:
		return err
	}

	if isMalformedError(err) {
		return fmt.Errorf("%w: %w", provider.ErrMalformed, err)
	}
	return &provider.TransientError{Err: err}
}

// statusFromError extracts an HTTP status code from an error message.
// Returns 0 when the message carries none.
func statusFromError(err error) int {
	if err == nil {
		return 0
	}
	for _, field := range strings.Fields(err.Error()) {
		field = strings.Trim(field, ":()")
		if code, convErr := strconv.Atoi(field); convErr == nil && code >= 100 && code <= 599 {
			return code
		}
	}
	return 0
}

// isMalformedError detects iCalendar parse failures surfaced by go-ical.
func isMalformedError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "malformed") ||
		strings.Contains(s, "missing colon") ||
		(strings.Contains(s, "invalid") && strings.Contains(s, "ical"))
}

func uidFromPath(path string) string {
	base := path
	if idx := strings.LastIndex(base, "/"); idx != -1 {
		base = base[idx+1:]
	}
	return strings.TrimSuffix(base, ".ics")
}
