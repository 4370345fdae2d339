package google

import (
	"slices"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
)

func TestConvertEvent_Timed(t *testing.T) {
	item := &calendar.Event{
		Id:          "ev1",
		Summary:     "Standup",
		Description: "daily",
		Location:    "Room 4",
		ColorId:     "11",
		Start:       &calendar.EventDateTime{DateTime: "2025-04-01T09:00:00-05:00", TimeZone: "America/Chicago"},
		End:         &calendar.EventDateTime{DateTime: "2025-04-01T09:15:00-05:00"},
		Attendees: []*calendar.EventAttendee{
			{Email: "a@example.com"},
			{DisplayName: "Room Display"},
			{},
		},
	}

	ev, err := convertEvent(item, "work", "primary", "UTC")
	if err != nil {
		t.Fatalf("convertEvent: %v", err)
	}
	if ev.AccountID != "work" || ev.CalendarID != "primary" || ev.ID != "ev1" {
		t.Errorf("identity = %s/%s/%s", ev.AccountID, ev.CalendarID, ev.ID)
	}
	wantStart := time.Date(2025, 4, 1, 14, 0, 0, 0, time.UTC)
	if !ev.Start.Equal(wantStart) || !ev.End.Equal(wantStart.Add(15*time.Minute)) {
		t.Errorf("times = %v-%v", ev.Start, ev.End)
	}
	if ev.AllDay {
		t.Error("timed event marked all-day")
	}
	if ev.TimeZone != "America/Chicago" {
		t.Errorf("TimeZone = %q", ev.TimeZone)
	}
	if ev.Color != "#dc2127" {
		t.Errorf("Color = %q, want palette entry 11", ev.Color)
	}
	if !slices.Equal(ev.Attendees, []string{"a@example.com", "Room Display"}) {
		t.Errorf("Attendees = %v", ev.Attendees)
	}
}

func TestConvertEvent_AllDay(t *testing.T) {
	item := &calendar.Event{
		Id:    "ev2",
		Start: &calendar.EventDateTime{Date: "2025-04-10"},
		End:   &calendar.EventDateTime{Date: "2025-04-12"},
	}
	ev, err := convertEvent(item, "work", "primary", "Europe/Berlin")
	if err != nil {
		t.Fatalf("convertEvent: %v", err)
	}
	if !ev.AllDay {
		t.Error("date-only event should be all-day")
	}
	if ev.Start.Day() != 10 || ev.End.Day() != 12 {
		t.Errorf("dates = %v-%v", ev.Start, ev.End)
	}
	if ev.TimeZone != "Europe/Berlin" {
		t.Errorf("TimeZone = %q, want calendar default", ev.TimeZone)
	}
	if ev.Title != "" {
		t.Errorf("Title = %q, want empty (filled in by the reconciler)", ev.Title)
	}
	if ev.Color != "" {
		t.Errorf("Color = %q, want empty without colorId", ev.Color)
	}
}

func TestConvertEvent_MissingEnd(t *testing.T) {
	item := &calendar.Event{Id: "ev3", Start: &calendar.EventDateTime{DateTime: "2025-04-01T09:00:00Z"}}
	ev, err := convertEvent(item, "a", "c", "")
	if err != nil {
		t.Fatalf("convertEvent: %v", err)
	}
	if !ev.End.Equal(ev.Start) {
		t.Errorf("End = %v, want Start", ev.End)
	}
}

func TestConvertEvent_Invalid(t *testing.T) {
	tests := []struct {
		name string
		item *calendar.Event
	}{
		{"no id", &calendar.Event{Start: &calendar.EventDateTime{Date: "2025-04-01"}}},
		{"no start", &calendar.Event{Id: "x"}},
		{"bad datetime", &calendar.Event{Id: "x", Start: &calendar.EventDateTime{DateTime: "yesterday"}}},
		{"bad date", &calendar.Event{Id: "x", Start: &calendar.EventDateTime{Date: "2025/04/01"}}},
		{"bad end", &calendar.Event{
			Id:    "x",
			Start: &calendar.EventDateTime{DateTime: "2025-04-01T09:00:00Z"},
			End:   &calendar.EventDateTime{DateTime: "later"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := convertEvent(tt.item, "a", "c", ""); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestConvertCalendar_SummaryOverride(t *testing.T) {
	c := convertCalendar(&calendar.CalendarListEntry{
		Id: "c1", Summary: "team@example.com", SummaryOverride: "Team", BackgroundColor: "#9fe1e7",
	}, "work")
	if c.Name != "Team" || c.Color != "#9fe1e7" || c.AccountID != "work" {
		t.Errorf("calendar = %+v", c)
	}

	c = convertCalendar(&calendar.CalendarListEntry{Id: "c2", Summary: "Personal"}, "work")
	if c.Name != "Personal" {
		t.Errorf("Name = %q, want summary", c.Name)
	}
}
