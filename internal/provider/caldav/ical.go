package caldav

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/mwhitfield/calsyncd/internal/provider"
)

func newUID() string {
	return uuid.New().String()
}

// parseCalendarObject converts a fetched CalDAV object into the neutral
// RemoteEvent. The object path doubles as the remote ID because CalDAV has
// no separate event identifier at the protocol level.
func parseCalendarObject(obj *caldav.CalendarObject) (*provider.RemoteEvent, error) {
	if obj.Data == nil {
		return nil, fmt.Errorf("%w: empty calendar object %s", provider.ErrMalformed, obj.Path)
	}

	events := obj.Data.Events()
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no VEVENT in %s", provider.ErrMalformed, obj.Path)
	}
	evt := events[0]

	out := &provider.RemoteEvent{
		ID:   obj.Path,
		ETag: obj.ETag,
	}

	if summary, err := evt.Props.Text(ical.PropSummary); err == nil {
		out.Subject = summary
	}
	if desc, err := evt.Props.Text(ical.PropDescription); err == nil {
		out.Body = desc
	}
	if loc, err := evt.Props.Text(ical.PropLocation); err == nil {
		out.Location = loc
	}

	if dtstart := evt.Props.Get(ical.PropDateTimeStart); dtstart != nil {
		t, allDay, err := parseICalTime(dtstart)
		if err != nil {
			return nil, fmt.Errorf("%w: bad DTSTART in %s: %w", provider.ErrMalformed, obj.Path, err)
		}
		out.Start = t
		out.IsAllDay = allDay
	}
	if dtend := evt.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		if t, _, err := parseICalTime(dtend); err == nil {
			out.End = t
		}
	}

	for _, att := range evt.Props.Values(ical.PropAttendee) {
		a := provider.Attendee{
			Email:    strings.TrimPrefix(strings.ToLower(att.Value), "mailto:"),
			Name:     att.Params.Get("CN"),
			Response: "none",
		}
		switch strings.ToUpper(att.Params.Get("PARTSTAT")) {
		case "ACCEPTED":
			a.Response = "accepted"
		case "DECLINED":
			a.Response = "declined"
		case "TENTATIVE":
			a.Response = "tentative"
		}
		out.Attendees = append(out.Attendees, a)
	}

	if cats := evt.Props.Get(ical.PropCategories); cats != nil {
		if list, err := cats.TextList(); err == nil {
			for _, c := range list {
				if c = strings.TrimSpace(c); c != "" {
					out.Categories = append(out.Categories, c)
				}
			}
		}
	}

	if lm := evt.Props.Get(ical.PropLastModified); lm != nil {
		if t, _, err := parseICalTime(lm); err == nil {
			out.LastModified = t
		}
	}

	return out, nil
}

// parseICalTime converts a date or date-time property to UTC. Handles the
// forms seen in the wild: all-day dates, Z-suffixed UTC stamps, and local
// stamps carrying a TZID parameter (IANA names or GMT offset spellings).
func parseICalTime(prop *ical.Prop) (time.Time, bool, error) {
	value := prop.Value

	if len(value) == 8 {
		t, err := time.Parse("20060102", value)
		return t, true, err
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		return t.UTC(), false, err
	}

	if tzid := prop.Params.Get("TZID"); tzid != "" {
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			loc = parseGMTOffset(tzid)
		}
		if loc != nil {
			t, err := time.ParseInLocation("20060102T150405", value, loc)
			return t.UTC(), false, err
		}
	}

	t, err := prop.DateTime(time.UTC)
	return t.UTC(), false, err
}

// parseGMTOffset handles TZID spellings like "GMT-0400", "UTC+05:30",
// "Etc/GMT+2" that LoadLocation rejects.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			break
		}
	}

	if offset == "" {
		return time.UTC
	}

	sign := 1
	if strings.HasPrefix(offset, "-") {
		sign = -1
		offset = offset[1:]
	} else if strings.HasPrefix(offset, "+") {
		offset = offset[1:]
	}

	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	switch len(offset) {
	case 1, 2:
		fmt.Sscanf(offset, "%d", &hours)
	case 3:
		fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}

	totalSeconds := sign * (hours*3600 + minutes*60)
	return time.FixedZone(tzid, totalSeconds)
}

// buildCalendar renders the event as a standalone VCALENDAR for PUT.
func buildCalendar(uid string, event *provider.RemoteEvent) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calsyncd//EN")

	evt := ical.NewEvent()
	evt.Props.SetText(ical.PropUID, uid)
	evt.Props.SetText(ical.PropSummary, event.Subject)
	if event.Body != "" {
		evt.Props.SetText(ical.PropDescription, event.Body)
	}
	if event.Location != "" {
		evt.Props.SetText(ical.PropLocation, event.Location)
	}
	evt.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())

	if event.IsAllDay {
		start := ical.NewProp(ical.PropDateTimeStart)
		start.SetValueType(ical.ValueDate)
		start.Value = event.Start.UTC().Format("20060102")
		evt.Props.Set(start)

		end := ical.NewProp(ical.PropDateTimeEnd)
		end.SetValueType(ical.ValueDate)
		end.Value = event.End.UTC().Format("20060102")
		evt.Props.Set(end)
	} else {
		evt.Props.SetDateTime(ical.PropDateTimeStart, event.Start.UTC())
		evt.Props.SetDateTime(ical.PropDateTimeEnd, event.End.UTC())
	}

	if len(event.Categories) > 0 {
		cats := ical.NewProp(ical.PropCategories)
		cats.SetTextList(event.Categories)
		evt.Props.Set(cats)
	}

	for _, a := range event.Attendees {
		att := ical.NewProp(ical.PropAttendee)
		att.Value = "mailto:" + a.Email
		if a.Name != "" {
			att.Params.Set("CN", a.Name)
		}
		evt.Props.Add(att)
	}

	cal.Children = append(cal.Children, evt.Component)
	return cal
}
