package caldav

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

const (
	nsDAV    = "DAV:"
	nsCalDAV = "urn:ietf:params:xml:ns:caldav"
	nsApple  = "http://apple.com/ns/ical/"

	// davTimeLayout is the UTC date-time form used in time-range filters and
	// min/max-date-time properties.
	davTimeLayout = "20060102T150405Z"
)

const principalBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:current-user-principal/>
  </d:prop>
</d:propfind>`

const homeSetBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <c:calendar-home-set/>
  </d:prop>
</d:propfind>`

const calendarsBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:a="http://apple.com/ns/ical/">
  <d:prop>
    <d:displayname/>
    <d:resourcetype/>
    <a:calendar-color/>
    <c:supported-calendar-component-set/>
    <c:min-date-time/>
    <c:max-date-time/>
  </d:prop>
</d:propfind>`

// calendarQueryBody returns a REPORT body selecting every VEVENT that
// overlaps [start, end).
func calendarQueryBody(start, end time.Time) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT">
        <c:time-range start="%s" end="%s"/>
      </c:comp-filter>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`, start.UTC().Format(davTimeLayout), end.UTC().Format(davTimeLayout))
}

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href      string     `xml:"DAV: href"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	DisplayName          string        `xml:"DAV: displayname"`
	ResourceType         resourceType  `xml:"DAV: resourcetype"`
	CurrentUserPrincipal hrefSet       `xml:"DAV: current-user-principal"`
	CalendarHomeSet      hrefSet       `xml:"urn:ietf:params:xml:ns:caldav calendar-home-set"`
	CalendarColor        string        `xml:"http://apple.com/ns/ical/ calendar-color"`
	SupportedComponents  *componentSet `xml:"urn:ietf:params:xml:ns:caldav supported-calendar-component-set"`
	MinDateTime          string        `xml:"urn:ietf:params:xml:ns:caldav min-date-time"`
	MaxDateTime          string        `xml:"urn:ietf:params:xml:ns:caldav max-date-time"`
	CalendarData         string        `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
	ETag                 string        `xml:"DAV: getetag"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
	Calendar   *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar"`
}

type hrefSet struct {
	Hrefs []string `xml:"DAV: href"`
}

func (h hrefSet) first() string {
	for _, v := range h.Hrefs {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type componentSet struct {
	Comps []struct {
		Name string `xml:"name,attr"`
	} `xml:"urn:ietf:params:xml:ns:caldav comp"`
}

// supports reports whether the set lists the named component. A missing set
// means the collection accepts every component type.
func (s *componentSet) supports(name string) bool {
	if s == nil || len(s.Comps) == 0 {
		return true
	}
	for _, c := range s.Comps {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// found merges the properties of every 2xx propstat of r. Properties the
// server reported as missing are left zero.
func (r response) found() prop {
	var out prop
	for _, ps := range r.Propstats {
		if !statusOK(ps.Status) {
			continue
		}
		p := ps.Prop
		if p.DisplayName != "" {
			out.DisplayName = p.DisplayName
		}
		if p.ResourceType.Calendar != nil || p.ResourceType.Collection != nil {
			out.ResourceType = p.ResourceType
		}
		if len(p.CurrentUserPrincipal.Hrefs) > 0 {
			out.CurrentUserPrincipal = p.CurrentUserPrincipal
		}
		if len(p.CalendarHomeSet.Hrefs) > 0 {
			out.CalendarHomeSet = p.CalendarHomeSet
		}
		if p.CalendarColor != "" {
			out.CalendarColor = p.CalendarColor
		}
		if p.SupportedComponents != nil {
			out.SupportedComponents = p.SupportedComponents
		}
		if p.MinDateTime != "" {
			out.MinDateTime = p.MinDateTime
		}
		if p.MaxDateTime != "" {
			out.MaxDateTime = p.MaxDateTime
		}
		if p.CalendarData != "" {
			out.CalendarData = p.CalendarData
		}
		if p.ETag != "" {
			out.ETag = p.ETag
		}
	}
	return out
}

// statusOK reports whether an HTTP status line such as "HTTP/1.1 200 OK"
// carries a 2xx code. An empty status is treated as success.
func statusOK(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return line == ""
	}
	return strings.HasPrefix(fields[1], "2")
}

// parseDAVTime parses a min/max-date-time value. Empty input yields the zero
// time.
func parseDAVTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(davTimeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date-time %q: %w", v, err)
	}
	return t, nil
}

// normalizeColor trims an Apple "#RRGGBBAA" color to "#RRGGBB". Values that
// are not hex colors are dropped.
func normalizeColor(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "#") {
		return ""
	}
	if len(v) == 9 {
		v = v[:7]
	}
	if len(v) != 7 {
		return ""
	}
	for _, r := range v[1:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return ""
		}
	}
	return strings.ToLower(v)
}
