package caldav

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/adamantium1987/digital-calendar/internal/model"
)

const (
	icalDateLayout       = "20060102"
	icalDateTimeLayout   = "20060102T150405"
	icalUTCLayout        = "20060102T150405Z"
	maxOccurrencesPerUID = 5000
)

// vevent is one parsed VEVENT component.
type vevent struct {
	uid          string
	title        string
	description  string
	location     string
	timeZone     string
	attendees    []string
	cancelled    bool
	allDay       bool
	start        time.Time
	end          time.Time
	rrule        string
	exdates      []time.Time
	rdates       []time.Time
	recurrenceID time.Time
}

func (v *vevent) duration() time.Duration {
	return v.end.Sub(v.start)
}

// expander turns calendar resources into event instances within a window.
type expander struct {
	accountID  string
	calendarID string
	window     model.Window

	// floating is the zone for date-times carrying neither TZID nor UTC.
	floating *time.Location
}

// expand decodes one calendar resource and returns its instances that
// overlap the window. Recurring events are expanded; RECURRENCE-ID overrides
// replace the instance they name.
func (x *expander) expand(data string) ([]model.Event, error) {
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decoding calendar data: %w", err)
	}

	var masters []*vevent
	overrides := make(map[string][]*vevent)
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		ev, err := x.parseEvent(comp)
		if err != nil {
			return nil, err
		}
		if ev.recurrenceID.IsZero() {
			masters = append(masters, ev)
		} else {
			overrides[ev.uid] = append(overrides[ev.uid], ev)
		}
	}

	var out []model.Event
	for _, m := range masters {
		out = append(out, x.expandMaster(m, overrides[m.uid])...)
		delete(overrides, m.uid)
	}

	// Overrides whose master lives outside this resource.
	for _, ovs := range overrides {
		for _, ov := range ovs {
			if ov.cancelled || !x.window.Overlaps(ov.start, ov.end) {
				continue
			}
			out = append(out, x.instance(ov, ov.start, ov.end, instanceID(ov.uid, ov.recurrenceID, ov.allDay)))
		}
	}
	return out, nil
}

func (x *expander) expandMaster(m *vevent, overrides []*vevent) []model.Event {
	if m.rrule == "" && len(m.rdates) == 0 {
		if m.cancelled || !x.window.Overlaps(m.start, m.end) {
			return nil
		}
		return []model.Event{x.instance(m, m.start, m.end, m.uid)}
	}

	byRID := make(map[int64]*vevent, len(overrides))
	for _, ov := range overrides {
		byRID[ov.recurrenceID.Unix()] = ov
	}

	var set rrule.Set
	if r, err := newRule(m.rrule, m.start); err == nil {
		set.RRule(r)
	} else {
		// DTSTART is always the first instance; an unparseable rule leaves
		// only that one.
		set.RDate(m.start)
	}
	for _, t := range m.rdates {
		if !t.Equal(m.start) {
			set.RDate(t)
		}
	}
	for _, t := range m.exdates {
		set.ExDate(t.In(m.start.Location()))
	}

	dur := m.duration()
	from := x.window.Start.Add(-dur)
	if x.window.Start.IsZero() {
		from = m.start
	}
	to := x.window.End
	if to.IsZero() {
		to = m.start.AddDate(10, 0, 0)
	}

	occurrences := set.Between(from.In(m.start.Location()), to.In(m.start.Location()), true)
	if len(occurrences) > maxOccurrencesPerUID {
		occurrences = occurrences[:maxOccurrencesPerUID]
	}

	var out []model.Event
	for _, occ := range occurrences {
		id := instanceID(m.uid, occ, m.allDay)
		if ov, ok := byRID[occ.Unix()]; ok {
			delete(byRID, occ.Unix())
			if ov.cancelled || !x.window.Overlaps(ov.start, ov.end) {
				continue
			}
			out = append(out, x.instance(ov, ov.start, ov.end, id))
			continue
		}
		if m.cancelled {
			continue
		}
		end := occ.Add(dur)
		if !x.window.Overlaps(occ, end) {
			continue
		}
		out = append(out, x.instance(m, occ, end, id))
	}

	// Overrides moved into the window from an occurrence outside it.
	rest := make([]*vevent, 0, len(byRID))
	for _, ov := range byRID {
		rest = append(rest, ov)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].recurrenceID.Before(rest[j].recurrenceID) })
	for _, ov := range rest {
		if ov.cancelled || !x.window.Overlaps(ov.start, ov.end) {
			continue
		}
		out = append(out, x.instance(ov, ov.start, ov.end, instanceID(ov.uid, ov.recurrenceID, ov.allDay)))
	}
	return out
}

// newRule builds the recurrence rule anchored at dtstart, so defaults the
// rule leaves open (weekday, month day) derive from the event itself.
func newRule(value string, dtstart time.Time) (*rrule.RRule, error) {
	if value == "" {
		return nil, errors.New("no rule")
	}
	opt, err := rrule.StrToROption(value)
	if err != nil {
		return nil, fmt.Errorf("parsing RRULE %q: %w", value, err)
	}
	opt.Dtstart = dtstart
	return rrule.NewRRule(*opt)
}

func (x *expander) instance(v *vevent, start, end time.Time, id string) model.Event {
	return model.Event{
		AccountID:   x.accountID,
		CalendarID:  x.calendarID,
		ID:          id,
		Title:       v.title,
		Description: v.description,
		Start:       start,
		End:         end,
		TimeZone:    v.timeZone,
		AllDay:      v.allDay,
		Location:    v.location,
		Attendees:   v.attendees,
	}
}

// instanceID returns the id of the occurrence of uid starting at t. All-day
// occurrences are keyed by date.
func instanceID(uid string, t time.Time, allDay bool) string {
	if allDay {
		return uid + "_" + t.Format(icalDateLayout)
	}
	return uid + "_" + t.UTC().Format(icalUTCLayout)
}

func (x *expander) parseEvent(comp *ical.Component) (*vevent, error) {
	ev := &vevent{
		uid:         text(comp, ical.PropUID),
		title:       text(comp, ical.PropSummary),
		description: text(comp, ical.PropDescription),
		location:    text(comp, ical.PropLocation),
		cancelled:   strings.EqualFold(text(comp, ical.PropStatus), "CANCELLED"),
	}
	if ev.uid == "" {
		return nil, errors.New("event has no UID")
	}

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return nil, fmt.Errorf("event %q has no DTSTART", ev.uid)
	}
	var err error
	ev.start, ev.allDay, err = x.parseTime(startProp)
	if err != nil {
		return nil, fmt.Errorf("event %q: DTSTART: %w", ev.uid, err)
	}
	ev.timeZone = startProp.Params.Get("TZID")
	if ev.timeZone == "" && strings.HasSuffix(startProp.Value, "Z") {
		ev.timeZone = "UTC"
	}

	switch {
	case comp.Props.Get(ical.PropDateTimeEnd) != nil:
		ev.end, _, err = x.parseTime(comp.Props.Get(ical.PropDateTimeEnd))
		if err != nil {
			return nil, fmt.Errorf("event %q: DTEND: %w", ev.uid, err)
		}
	case comp.Props.Get(ical.PropDuration) != nil:
		d, err := comp.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return nil, fmt.Errorf("event %q: DURATION: %w", ev.uid, err)
		}
		ev.end = ev.start.Add(d)
	case ev.allDay:
		ev.end = ev.start.AddDate(0, 0, 1)
	default:
		ev.end = ev.start
	}
	if ev.end.Before(ev.start) {
		ev.end = ev.start
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		ev.rrule = p.Value
	}
	if ev.exdates, err = x.parseTimeList(comp.Props.Values(ical.PropExceptionDates)); err != nil {
		return nil, fmt.Errorf("event %q: EXDATE: %w", ev.uid, err)
	}
	if ev.rdates, err = x.parseTimeList(comp.Props.Values(ical.PropRecurrenceDates)); err != nil {
		return nil, fmt.Errorf("event %q: RDATE: %w", ev.uid, err)
	}
	if p := comp.Props.Get(ical.PropRecurrenceID); p != nil {
		if ev.recurrenceID, _, err = x.parseTime(p); err != nil {
			return nil, fmt.Errorf("event %q: RECURRENCE-ID: %w", ev.uid, err)
		}
	}

	for _, p := range comp.Props.Values(ical.PropAttendee) {
		if a := attendee(p); a != "" {
			ev.attendees = append(ev.attendees, a)
		}
	}
	return ev, nil
}

func text(comp *ical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	v, err := p.Text()
	if err != nil {
		return p.Value
	}
	return v
}

func attendee(p ical.Prop) string {
	v := strings.TrimSpace(p.Value)
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		v = v[7:]
	}
	if v == "" {
		v = p.Params.Get("CN")
	}
	return v
}

// parseTime parses a DATE or DATE-TIME property. Dates are midnight UTC,
// UTC values keep UTC, TZID values use that zone, and floating values use
// the expander's zone.
func (x *expander) parseTime(p *ical.Prop) (time.Time, bool, error) {
	return x.parseValue(p.Value, p.Params.Get("VALUE"), p.Params.Get("TZID"))
}

func (x *expander) parseValue(v, valueType, tzid string) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if strings.EqualFold(valueType, "DATE") || len(v) == len(icalDateLayout) {
		t, err := time.ParseInLocation(icalDateLayout, v, time.UTC)
		return t, true, err
	}
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(icalUTCLayout, v)
		return t, false, err
	}
	loc := x.floating
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(icalDateTimeLayout, v, loc)
	return t, false, err
}

// parseTimeList parses EXDATE/RDATE properties, each of which may hold a
// comma-separated list.
func (x *expander) parseTimeList(props []ical.Prop) ([]time.Time, error) {
	var out []time.Time
	for _, p := range props {
		valueType := p.Params.Get("VALUE")
		if strings.EqualFold(valueType, "PERIOD") {
			continue
		}
		tzid := p.Params.Get("TZID")
		for _, v := range strings.Split(p.Value, ",") {
			if strings.TrimSpace(v) == "" {
				continue
			}
			t, _, err := x.parseValue(v, valueType, tzid)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	return out, nil
}
