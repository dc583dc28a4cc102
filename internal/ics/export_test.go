package ics

import (
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbontrail/internal/history"
	"carbontrail/internal/model"
)

func entries() []history.Entry {
	return []history.Entry{
		{
			ParticipationID: "1",
			CO2:             2.5,
			Date:            time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
			Day:             "2026-10-01",
			Label:           "Oct 1",
			Title:           "Standup",
			TravelMode:      model.TravelModeWalking,
		},
		{
			ParticipationID: "2",
			CO2:             120.125,
			Date:            time.Date(2026, 10, 2, 18, 30, 0, 0, time.UTC),
			Day:             "2026-10-02",
			Label:           "Oct 2",
		},
	}
}

func TestExportParsesBack(t *testing.T) {
	stamp := time.Date(2026, 10, 3, 12, 0, 0, 0, time.UTC)
	out := Export("42", entries(), stamp)

	cal, err := ical.ParseCalendar(strings.NewReader(out))
	require.NoError(t, err)

	events := cal.Events()
	require.Len(t, events, 2)

	first := events[0]
	assert.Equal(t, EntryUID("42", entries()[0]), first.Id())
	assert.Equal(t, "Standup (Walking)", first.GetProperty(ical.ComponentPropertySummary).Value)
	assert.Equal(t, "Walking", first.GetProperty(ical.ComponentPropertyCategories).Value)
	assert.Equal(t, "2.50", first.GetProperty(ical.ComponentProperty(PropertyCO2)).Value)

	start, err := first.GetStartAt()
	require.NoError(t, err)
	assert.True(t, start.Equal(entries()[0].Date))

	second := events[1]
	assert.Equal(t, "Event 2", second.GetProperty(ical.ComponentPropertySummary).Value)
	assert.Nil(t, second.GetProperty(ical.ComponentPropertyCategories))
	assert.Contains(t, out, "X-WR-CALNAME:Travel history 42")
	assert.Contains(t, out, "METHOD:PUBLISH")
}

func TestExportEmpty(t *testing.T) {
	out := Export("42", nil, time.Now())
	assert.Contains(t, out, "BEGIN:VCALENDAR")
	assert.NotContains(t, out, "BEGIN:VEVENT")
}

func TestEntryUIDStable(t *testing.T) {
	e := entries()[0]
	assert.Equal(t, EntryUID("42", e), EntryUID("42", e))
	assert.NotEqual(t, EntryUID("42", e), EntryUID("43", e))

	next := e
	next.Date = e.Date.AddDate(0, 0, 1)
	assert.NotEqual(t, EntryUID("42", e), EntryUID("42", next))
	assert.True(t, strings.HasSuffix(EntryUID("42", e), "@carbontrail"))
}
