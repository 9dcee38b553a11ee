package graph

import (
	"errors"
	"strconv"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	"github.com/mwhitfield/calsyncd/internal/provider"
)

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefBool(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}

// classifyError maps Graph SDK errors onto the provider error taxonomy.
func classifyError(err error) error {
	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		return &provider.TransientError{Err: err}
	}

	switch odataErr.ResponseStatusCode {
	case 401, 403:
		return provider.ErrAuth
	case 404:
		return provider.ErrNotFound
	case 410:
		return provider.ErrDeltaReset
	case 429:
		return &provider.ThrottledError{RetryAfter: retryAfterHint(odataErr)}
	}
	if odataErr.ResponseStatusCode >= 500 {
		return &provider.TransientError{Err: err}
	}
	return err
}

// retryAfterHint reads the Retry-After header from a throttled response.
func retryAfterHint(odataErr *odataerrors.ODataError) time.Duration {
	if odataErr.ResponseHeaders == nil {
		return time.Second
	}
	for _, v := range odataErr.ResponseHeaders.Get("Retry-After") {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

// parseDeltaChange converts one delta feed item into a Change. Removed items
// carry only an id plus an @removed annotation with the reason.
func parseDeltaChange(item models.Eventable) provider.Change {
	if removed, ok := item.GetAdditionalData()["@removed"]; ok {
		reason := "deleted"
		if m, ok := removed.(map[string]any); ok {
			if r, ok := m["reason"].(string); ok && r != "" {
				reason = r
			}
		}
		return provider.Change{
			RemoteID:      derefStr(item.GetId()),
			Removed:       true,
			RemovedReason: reason,
		}
	}

	event := parseGraphEvent(item)
	return provider.Change{
		Event:    &event,
		RemoteID: event.ID,
	}
}

// parseGraphEvent converts a Graph SDK event into the neutral RemoteEvent.
func parseGraphEvent(item models.Eventable) provider.RemoteEvent {
	description := ""
	if body := item.GetBody(); body != nil {
		description = derefStr(body.GetContent())
	}

	location := ""
	if loc := item.GetLocation(); loc != nil {
		location = derefStr(loc.GetDisplayName())
	}

	var attendees []provider.Attendee
	for _, att := range item.GetAttendees() {
		a := provider.Attendee{Response: "none"}
		if email := att.GetEmailAddress(); email != nil {
			a.Email = derefStr(email.GetAddress())
			a.Name = derefStr(email.GetName())
		}
		if status := att.GetStatus(); status != nil {
			if resp := status.GetResponse(); resp != nil {
				a.Response = parseResponseType(*resp)
			}
		}
		attendees = append(attendees, a)
	}

	var lastModified time.Time
	if lm := item.GetLastModifiedDateTime(); lm != nil {
		lastModified = lm.UTC()
	}

	return provider.RemoteEvent{
		ID:           derefStr(item.GetId()),
		ETag:         derefStr(item.GetChangeKey()),
		Subject:      derefStr(item.GetSubject()),
		Body:         description,
		Location:     location,
		Start:        parseSDKDateTime(item.GetStart()),
		End:          parseSDKDateTime(item.GetEnd()),
		IsAllDay:     derefBool(item.GetIsAllDay()),
		Attendees:    attendees,
		Categories:   item.GetCategories(),
		LastModified: lastModified,
	}
}

func parseResponseType(resp models.ResponseType) string {
	switch resp {
	case models.ACCEPTED_RESPONSETYPE, models.ORGANIZER_RESPONSETYPE:
		return "accepted"
	case models.DECLINED_RESPONSETYPE:
		return "declined"
	case models.TENTATIVELYACCEPTED_RESPONSETYPE:
		return "tentative"
	default:
		return "none"
	}
}

// parseSDKDateTime converts a Graph DateTimeTimeZone to time.Time. Times are
// in UTC because requests set the Prefer: outlook.timezone="UTC" header.
func parseSDKDateTime(dt models.DateTimeTimeZoneable) time.Time {
	if dt == nil {
		return time.Time{}
	}
	dateTimeStr := dt.GetDateTime()
	if dateTimeStr == nil {
		return time.Time{}
	}
	layouts := []string{
		"2006-01-02T15:04:05.0000000",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, *dateTimeStr); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// buildGraphEvent converts a RemoteEvent into the SDK model for create/update.
func buildGraphEvent(event *provider.RemoteEvent) models.Eventable {
	out := models.NewEvent()
	subject := event.Subject
	out.SetSubject(&subject)

	body := models.NewItemBody()
	contentType := models.TEXT_BODYTYPE
	content := event.Body
	body.SetContentType(&contentType)
	body.SetContent(&content)
	out.SetBody(body)

	loc := models.NewLocation()
	displayName := event.Location
	loc.SetDisplayName(&displayName)
	out.SetLocation(loc)

	out.SetStart(buildGraphDateTime(event.Start))
	out.SetEnd(buildGraphDateTime(event.End))

	isAllDay := event.IsAllDay
	out.SetIsAllDay(&isAllDay)
	out.SetCategories(event.Categories)

	var attendees []models.Attendeeable
	for _, a := range event.Attendees {
		att := models.NewAttendee()
		email := models.NewEmailAddress()
		address := a.Email
		name := a.Name
		email.SetAddress(&address)
		email.SetName(&name)
		att.SetEmailAddress(email)
		attendees = append(attendees, att)
	}
	out.SetAttendees(attendees)

	return out
}

func buildGraphDateTime(t time.Time) models.DateTimeTimeZoneable {
	dtz := models.NewDateTimeTimeZone()
	value := t.UTC().Format("2006-01-02T15:04:05")
	tz := "UTC"
	dtz.SetDateTime(&value)
	dtz.SetTimeZone(&tz)
	return dtz
}
