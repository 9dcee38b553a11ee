// Package google implements the Google Calendar variant of the provider
// capability interface. Incremental sync uses events.list sync tokens; a
// 410 GONE response invalidates the stored token and forces a full resync.
package google

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mwhitfield/calsyncd/internal/provider"
)

// Google batch endpoints accept at most 50 calls per batch.
const batchCap = 50

// Client is the Google Calendar provider client.
type Client struct {
	service *calendar.Service
}

// NewClient creates a Calendar service authenticating with the token source.
func NewClient(ctx context.Context, source oauth2.TokenSource) (*Client, error) {
	service, err := calendar.NewService(ctx, option.WithTokenSource(source))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &Client{service: service}, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string { return "google" }

// BatchCap returns the Google batch request limit.
func (c *Client) BatchCap() int { return batchCap }

// ListCalendars returns the calendars on the account's calendar list.
func (c *Client) ListCalendars(ctx context.Context) ([]provider.Calendar, error) {
	calList, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, classifyError(err)
	}

	var calendars []provider.Calendar
	for _, cal := range calList.Items {
		calendars = append(calendars, provider.Calendar{
			ID:      cal.Id,
			Name:    cal.Summary,
			Primary: cal.Primary,
		})
	}

	return calendars, nil
}

// ListEvents fetches the full event set for the time window, following
// provider pagination.
func (c *Client) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]provider.RemoteEvent, error) {
	var results []provider.RemoteEvent
	pageToken := ""

	for {
		req := c.service.Events.List(calendarID).
			ShowDeleted(false).
			SingleEvents(true).
			TimeMin(timeMin.Format(time.RFC3339)).
			TimeMax(timeMax.Format(time.RFC3339)).
			Context(ctx)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		eventsResult, err := req.Do()
		if err != nil {
			return nil, classifyError(err)
		}

		for _, item := range eventsResult.Items {
			if item.Status == "cancelled" {
				continue
			}
			results = append(results, parseEvent(item))
		}

		pageToken = eventsResult.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return results, nil
}

// Delta fetches changes since the stored sync token. Cancelled items are
// reported as removals. The NextSyncToken arrives only on the final page,
// so a partial read returns an error and the caller keeps the old cursor.
func (c *Client) Delta(ctx context.Context, calendarID, deltaToken string) (*provider.DeltaResult, error) {
	result := &provider.DeltaResult{}
	pageToken := ""

	for {
		req := c.service.Events.List(calendarID).
			ShowDeleted(true).
			SingleEvents(true).
			Context(ctx)
		if deltaToken != "" {
			req = req.SyncToken(deltaToken)
		} else {
			// Initial delta cycle: enumerate forward-looking events and
			// obtain a fresh cursor.
			req = req.TimeMin(time.Now().UTC().Format(time.RFC3339))
		}
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		eventsResult, err := req.Do()
		if err != nil {
			return nil, classifyError(err)
		}

		for _, item := range eventsResult.Items {
			if item.Status == "cancelled" {
				result.Changes = append(result.Changes, provider.Change{
					RemoteID:      item.Id,
					Removed:       true,
					RemovedReason: "deleted",
				})
				continue
			}
			event := parseEvent(item)
			result.Changes = append(result.Changes, provider.Change{
				Event:    &event,
				RemoteID: event.ID,
			})
		}

		if eventsResult.NextPageToken != "" {
			pageToken = eventsResult.NextPageToken
			continue
		}

		result.DeltaToken = eventsResult.NextSyncToken
		return result, nil
	}
}

// CreateEvent creates the event in the given calendar.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, event *provider.RemoteEvent) (*provider.RemoteEvent, error) {
	created, err := c.service.Events.Insert(calendarID, buildEvent(event)).Context(ctx).Do()
	if err != nil {
		return nil, classifyError(err)
	}
	parsed := parseEvent(created)
	return &parsed, nil
}

// UpdateEvent pushes local field values to the remote copy.
func (c *Client) UpdateEvent(ctx context.Context, calendarID string, event *provider.RemoteEvent) (*provider.RemoteEvent, error) {
	updated, err := c.service.Events.Update(calendarID, event.ID, buildEvent(event)).Context(ctx).Do()
	if err != nil {
		return nil, classifyError(err)
	}
	parsed := parseEvent(updated)
	return &parsed, nil
}

// DeleteEvent removes the event remotely.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, remoteID string) error {
	if err := c.service.Events.Delete(calendarID, remoteID).Context(ctx).Do(); err != nil {
		return classifyError(err)
	}
	return nil
}

// classifyError maps googleapi errors onto the provider error taxonomy.
func classifyError(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return &provider.TransientError{Err: err}
	}

	switch apiErr.Code {
	case 401, 403:
		return provider.ErrAuth
	case 404:
		return provider.ErrNotFound
	case 410:
		return provider.ErrDeltaReset
	case 429:
		return &provider.ThrottledError{RetryAfter: retryAfterHint(apiErr)}
	}
	if apiErr.Code >= 500 {
		return &provider.TransientError{Err: err}
	}
	return err
}

func retryAfterHint(apiErr *googleapi.Error) time.Duration {
	for _, v := range apiErr.Header.Values("Retry-After") {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

// parseEvent converts a Google Calendar event to the neutral RemoteEvent.
func parseEvent(item *calendar.Event) provider.RemoteEvent {
	var startTime, endTime time.Time
	isAllDay := false

	if item.Start != nil && item.Start.DateTime != "" {
		startTime, _ = time.Parse(time.RFC3339, item.Start.DateTime)
		if item.End != nil {
			endTime, _ = time.Parse(time.RFC3339, item.End.DateTime)
		}
	} else if item.Start != nil {
		// All day event (YYYY-MM-DD); Google end dates are exclusive.
		startTime, _ = time.Parse("2006-01-02", item.Start.Date)
		if item.End != nil {
			endTime, _ = time.Parse("2006-01-02", item.End.Date)
		}
		isAllDay = true
	}

	var attendees []provider.Attendee
	for _, att := range item.Attendees {
		response := "none"
		switch att.ResponseStatus {
		case "accepted":
			response = "accepted"
		case "declined":
			response = "declined"
		case "tentative":
			response = "tentative"
		}
		attendees = append(attendees, provider.Attendee{
			Email:    att.Email,
			Name:     att.DisplayName,
			Response: response,
		})
	}

	var lastModified time.Time
	if item.Updated != "" {
		lastModified, _ = time.Parse(time.RFC3339, item.Updated)
		lastModified = lastModified.UTC()
	}

	return provider.RemoteEvent{
		ID:           item.Id,
		ETag:         item.Etag,
		Subject:      item.Summary,
		Body:         item.Description,
		Location:     item.Location,
		Start:        startTime.UTC(),
		End:          endTime.UTC(),
		IsAllDay:     isAllDay,
		Attendees:    attendees,
		LastModified: lastModified,
	}
}

// buildEvent converts a RemoteEvent to the Google API model for create/update.
func buildEvent(event *provider.RemoteEvent) *calendar.Event {
	out := &calendar.Event{
		Summary:     event.Subject,
		Description: event.Body,
		Location:    event.Location,
	}

	if event.IsAllDay {
		out.Start = &calendar.EventDateTime{Date: event.Start.UTC().Format("2006-01-02")}
		out.End = &calendar.EventDateTime{Date: event.End.UTC().Format("2006-01-02")}
	} else {
		out.Start = &calendar.EventDateTime{DateTime: event.Start.UTC().Format(time.RFC3339)}
		out.End = &calendar.EventDateTime{DateTime: event.End.UTC().Format(time.RFC3339)}
	}

	for _, a := range event.Attendees {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{
			Email:       a.Email,
			DisplayName: a.Name,
		})
	}

	return out
}
