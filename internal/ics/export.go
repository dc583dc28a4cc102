// Package ics renders travel history as an iCalendar feed so entries can
// be subscribed to from ordinary calendar clients.
package ics

import (
	"fmt"
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"carbontrail/internal/history"
	appLog "carbontrail/internal/log"
)

const productID = "-//carbontrail//travel history//EN"

// PropertyCO2 carries the entry's CO2 in kilograms so clients that keep
// unknown properties can round-trip the figure.
const PropertyCO2 = "X-CARBONTRAIL-CO2"

// uidNamespace scopes the name-based UUIDs of exported entries.
var uidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("carbontrail:travel-history"))

// Export renders entries as a VCALENDAR with one VEVENT each. UIDs are
// derived from user, participation and occurrence time, so re-exporting
// the same history yields the same UIDs and clients update in place.
func Export(userID string, entries []history.Entry, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetXWRCalName("Travel history " + userID)

	stamp = stamp.UTC()
	for _, e := range entries {
		ev := cal.AddEvent(EntryUID(userID, e))
		ev.SetDtStampTime(stamp)
		ev.SetStartAt(e.Date)
		ev.SetSummary(summary(e))
		ev.SetDescription(fmt.Sprintf("%s kg CO2e on %s", formatCO2(e.CO2), e.Day))
		if e.TravelMode != "" {
			ev.SetProperty(ical.ComponentPropertyCategories, e.TravelMode.Label())
		}
		ev.SetProperty(ical.ComponentProperty(PropertyCO2), formatCO2(e.CO2))
	}

	appLog.Debug("ics export rendered", "user", userID, "event_count", len(entries))
	return cal.Serialize()
}

// EntryUID is the stable iCalendar UID of one history entry.
func EntryUID(userID string, e history.Entry) string {
	name := userID + "|" + string(e.ParticipationID) + "|" + e.Date.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(uidNamespace, []byte(name)).String() + "@carbontrail"
}

func summary(e history.Entry) string {
	title := e.Title
	if title == "" {
		title = "Event " + string(e.ParticipationID)
	}
	if e.TravelMode == "" {
		return title
	}
	return title + " (" + e.TravelMode.Label() + ")"
}

func formatCO2(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
