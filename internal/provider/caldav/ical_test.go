package caldav

import (
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/mwhitfield/calsyncd/internal/provider"
)

func TestParseICalTime(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		tzid    string
		want    time.Time
		allDay  bool
		wantErr bool
	}{
		{
			name:   "all-day date",
			value:  "20260302",
			want:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			allDay: true,
		},
		{
			name:  "UTC stamp",
			value: "20260302T140000Z",
			want:  time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
		},
		{
			name:  "IANA TZID",
			value: "20260302T090000",
			tzid:  "America/New_York",
			want:  time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
		},
		{
			name:  "GMT offset TZID",
			value: "20260302T090000",
			tzid:  "GMT-0500",
			want:  time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
		},
		{
			name:    "garbage",
			value:   "not-a-time-at-all",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prop := ical.NewProp(ical.PropDateTimeStart)
			prop.Value = tt.value
			if tt.tzid != "" {
				prop.Params.Set("TZID", tt.tzid)
			}

			got, allDay, err := parseICalTime(prop)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseICalTime(%q) failed: %v", tt.value, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseICalTime(%q) = %v, want %v", tt.value, got, tt.want)
			}
			if allDay != tt.allDay {
				t.Errorf("allDay = %v, want %v", allDay, tt.allDay)
			}
		})
	}
}

func TestParseGMTOffset(t *testing.T) {
	tests := []struct {
		tzid       string
		wantOffset int // seconds east of UTC
		wantNil    bool
	}{
		{tzid: "GMT", wantOffset: 0},
		{tzid: "UTC", wantOffset: 0},
		{tzid: "GMT-0400", wantOffset: -4 * 3600},
		{tzid: "GMT+0530", wantOffset: 5*3600 + 30*60},
		{tzid: "UTC+05:30", wantOffset: 5*3600 + 30*60},
		{tzid: "Etc/GMT+2", wantOffset: 2 * 3600},
		{tzid: "GMT-2", wantOffset: -2 * 3600},
		{tzid: "GMT+123456789", wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.tzid, func(t *testing.T) {
			loc := parseGMTOffset(tt.tzid)
			if tt.wantNil {
				if loc != nil {
					t.Errorf("expected nil location for %q", tt.tzid)
				}
				return
			}
			if loc == nil {
				t.Fatalf("expected location for %q", tt.tzid)
			}
			_, offset := time.Date(2026, 3, 2, 12, 0, 0, 0, loc).Zone()
			if offset != tt.wantOffset {
				t.Errorf("offset for %q = %d, want %d", tt.tzid, offset, tt.wantOffset)
			}
		})
	}
}

func TestBuildAndParseRoundTrip(t *testing.T) {
	event := &provider.RemoteEvent{
		Subject:    "Sprint Review",
		Body:       "Bring demos",
		Location:   "Room 12",
		Start:      time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		End:        time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC),
		Categories: []string{"work", "planning, quarterly"},
		Attendees: []provider.Attendee{
			{Email: "alice@example.com", Name: "Alice"},
		},
	}

	cal := buildCalendar(newUID(), event)

	obj := &caldav.CalendarObject{
		Path: "/calendars/user/default/abc.ics",
		ETag: `"etag-1"`,
		Data: cal,
	}

	got, err := parseCalendarObject(obj)
	if err != nil {
		t.Fatalf("parseCalendarObject failed: %v", err)
	}

	if got.ID != obj.Path {
		t.Errorf("remote ID should be the object path, got %q", got.ID)
	}
	if got.ETag != obj.ETag {
		t.Errorf("etag = %q, want %q", got.ETag, obj.ETag)
	}
	if got.Subject != event.Subject || got.Body != event.Body || got.Location != event.Location {
		t.Errorf("text fields not round-tripped: %+v", got)
	}
	if !got.Start.Equal(event.Start) || !got.End.Equal(event.End) {
		t.Errorf("times not round-tripped: start %v end %v", got.Start, got.End)
	}
	if got.IsAllDay {
		t.Error("timed event should not be all-day")
	}
	if len(got.Categories) != 2 || got.Categories[0] != "work" {
		t.Errorf("categories not round-tripped: %v", got.Categories)
	}
	// Commas inside a category must survive the list encoding.
	if len(got.Categories) == 2 && got.Categories[1] != "planning, quarterly" {
		t.Errorf("embedded comma not preserved: %q", got.Categories[1])
	}
	if len(got.Attendees) != 1 || got.Attendees[0].Email != "alice@example.com" {
		t.Fatalf("attendees not round-tripped: %v", got.Attendees)
	}
	if got.Attendees[0].Name != "Alice" || got.Attendees[0].Response != "none" {
		t.Errorf("attendee details not round-tripped: %+v", got.Attendees[0])
	}
}

func TestBuildCalendarAllDay(t *testing.T) {
	event := &provider.RemoteEvent{
		Subject:  "Conference",
		Start:    time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		IsAllDay: true,
	}

	cal := buildCalendar(newUID(), event)
	obj := &caldav.CalendarObject{Path: "/cal/allday.ics", Data: cal}

	got, err := parseCalendarObject(obj)
	if err != nil {
		t.Fatalf("parseCalendarObject failed: %v", err)
	}
	if !got.IsAllDay {
		t.Error("expected all-day flag to survive the round trip")
	}
	if !got.Start.Equal(event.Start) {
		t.Errorf("start = %v, want %v", got.Start, event.Start)
	}
	if !got.End.Equal(event.End) {
		t.Errorf("end = %v, want %v", got.End, event.End)
	}
}

func TestParseCalendarObjectRejectsEmpty(t *testing.T) {
	obj := &caldav.CalendarObject{Path: "/cal/empty.ics"}
	if _, err := parseCalendarObject(obj); err == nil {
		t.Error("expected error for object with no data")
	}

	empty := ical.NewCalendar()
	empty.Props.SetText(ical.PropVersion, "2.0")
	empty.Props.SetText(ical.PropProductID, "-//calsyncd//EN")
	obj = &caldav.CalendarObject{Path: "/cal/novevent.ics", Data: empty}
	if _, err := parseCalendarObject(obj); err == nil {
		t.Error("expected error for calendar with no VEVENT")
	}
}
