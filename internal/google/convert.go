package google

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/adamantium1987/digital-calendar/internal/model"
)

const dateLayout = "2006-01-02"

// eventColors maps event colorId values to their display colors.
var eventColors = map[string]string{
	"1":  "#a4bdfc",
	"2":  "#7ae7bf",
	"3":  "#dbadff",
	"4":  "#ff887c",
	"5":  "#fbd75b",
	"6":  "#ffb878",
	"7":  "#46d6db",
	"8":  "#e1e1e1",
	"9":  "#5484ed",
	"10": "#51b749",
	"11": "#dc2127",
}

// convertCalendar converts a calendar list entry to a [model.Calendar]. A
// user-set name wins over the calendar's own summary.
func convertCalendar(entry *calendar.CalendarListEntry, accountID string) model.Calendar {
	name := entry.SummaryOverride
	if name == "" {
		name = entry.Summary
	}
	return model.Calendar{
		AccountID: accountID,
		ID:        entry.Id,
		Name:      name,
		Color:     entry.BackgroundColor,
	}
}

// convertEvent converts one expanded event instance. defaultTZ is the
// calendar's zone, used when the event carries none.
func convertEvent(item *calendar.Event, accountID, calendarID, defaultTZ string) (model.Event, error) {
	if item.Id == "" {
		return model.Event{}, errors.New("event has no id")
	}
	if item.Start == nil {
		return model.Event{}, errors.New("event has no start")
	}

	ev := model.Event{
		AccountID:   accountID,
		CalendarID:  calendarID,
		ID:          item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		TimeZone:    item.Start.TimeZone,
		Color:       eventColors[item.ColorId],
	}
	if ev.TimeZone == "" {
		ev.TimeZone = defaultTZ
	}

	var err error
	if item.Start.DateTime != "" {
		ev.Start, err = time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			return model.Event{}, fmt.Errorf("parsing start %q: %w", item.Start.DateTime, err)
		}
		ev.End = ev.Start
		if item.End != nil && item.End.DateTime != "" {
			ev.End, err = time.Parse(time.RFC3339, item.End.DateTime)
			if err != nil {
				return model.Event{}, fmt.Errorf("parsing end %q: %w", item.End.DateTime, err)
			}
		}
	} else {
		ev.AllDay = true
		ev.Start, err = time.Parse(dateLayout, item.Start.Date)
		if err != nil {
			return model.Event{}, fmt.Errorf("parsing start date %q: %w", item.Start.Date, err)
		}
		// End date is exclusive; a missing one is filled in downstream.
		if item.End != nil && item.End.Date != "" {
			ev.End, err = time.Parse(dateLayout, item.End.Date)
			if err != nil {
				return model.Event{}, fmt.Errorf("parsing end date %q: %w", item.End.Date, err)
			}
		}
	}

	for _, att := range item.Attendees {
		switch {
		case att.Email != "":
			ev.Attendees = append(ev.Attendees, att.Email)
		case att.DisplayName != "":
			ev.Attendees = append(ev.Attendees, att.DisplayName)
		}
	}
	return ev, nil
}
