// Package history turns event participations into chart-ready travel
// history: one entry per real or recurring occurrence, per-day CO2
// buckets, and a travel-mode distribution.
package history

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/teambition/rrule-go"

	appLog "carbontrail/internal/log"
	"carbontrail/internal/model"
)

const (
	defaultMaxOccurrencesPerEntry = 10000

	dayKeyLayout   = "2006-01-02"
	dayLabelLayout = "Jan 2"
)

// ErrMalformedRecord marks participations that cannot be placed on the
// timeline.
var ErrMalformedRecord = errors.New("malformed participation record")

// MalformedRecordError describes why one participation was excluded.
type MalformedRecordError struct {
	ParticipationID model.ID
	Field           string
	Value           string
	Err             error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("participation %s: malformed %s %q: %v", e.ParticipationID, e.Field, e.Value, e.Err)
}

func (e *MalformedRecordError) Unwrap() []error {
	return []error{ErrMalformedRecord, e.Err}
}

// Entry is one travel occurrence. Recurring events produce one Entry per
// elapsed repeat, each carrying the same CO2, title and mode.
type Entry struct {
	ParticipationID model.ID         `json:"participationId"`
	CO2             float64          `json:"co2"`
	Date            time.Time        `json:"date"`
	Day             string           `json:"day"`
	Label           string           `json:"label"`
	Title           string           `json:"title,omitempty"`
	TravelMode      model.TravelMode `json:"travelMode,omitempty"`
}

// ExpandOptions controls recurrence expansion.
type ExpandOptions struct {
	// Clock supplies "now". If nil, SystemClock is used.
	Clock Clock

	// Location is the calendar in which days, weeks, months and years are
	// counted. If nil, time.Local is used.
	Location *time.Location

	// Filter is matched against each anchor date before expansion.
	Filter *Filter

	// WeekStart is the first day of a calendar week for WEEKLY differences.
	// The zero value is Sunday.
	WeekStart time.Weekday

	// MaxOccurrencesPerEntry caps the entries a single participation may
	// produce. If zero, defaultMaxOccurrencesPerEntry is used.
	MaxOccurrencesPerEntry int
}

// ExpandResult holds the sorted entries plus the records that were
// excluded or capped.
type ExpandResult struct {
	Entries   []Entry
	Malformed []*MalformedRecordError
	// Truncated lists participation ids that hit MaxOccurrencesPerEntry.
	// Their entries stop after the first MaxOccurrencesPerEntry
	// occurrences counted from the anchor, so the most recent repeats up
	// to now are the ones missing.
	Truncated []model.ID
}

// Expand flattens participations into travel-history entries sorted by
// date. Participations without a travel plan are skipped silently.
func Expand(participations []model.EventParticipation, opts ExpandOptions) ExpandResult {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxOccurrencesPerEntry <= 0 {
		opts.MaxOccurrencesPerEntry = defaultMaxOccurrencesPerEntry
	}

	now := opts.Clock.Now().In(opts.Location)
	result := ExpandResult{Entries: make([]Entry, 0, len(participations))}

	for _, p := range participations {
		if p.TravelPlan == nil {
			continue
		}

		anchor, err := validateParticipation(p, opts.Location)
		if err != nil {
			var merr *MalformedRecordError
			if errors.As(err, &merr) {
				result.Malformed = append(result.Malformed, merr)
			}
			appLog.Error("history: skipping malformed participation", err, "participation_id", p.ID)
			continue
		}

		if !opts.Filter.Match(anchor) {
			continue
		}

		times, capped := occurrenceTimes(anchor, now, p.Event.Occurrence, opts.WeekStart, opts.MaxOccurrencesPerEntry)
		if capped {
			result.Truncated = append(result.Truncated, p.ID)
			appLog.Error("history: truncated occurrences due to cap",
				errors.New("max occurrences reached"),
				"participation_id", p.ID,
				"occurrence", p.Event.Occurrence,
				"cap", opts.MaxOccurrencesPerEntry,
			)
		}

		for _, t := range times {
			result.Entries = append(result.Entries, makeEntry(p, t))
		}
	}

	slices.SortStableFunc(result.Entries, func(a, b Entry) int {
		return a.Date.Compare(b.Date)
	})

	return result
}

func validateParticipation(p model.EventParticipation, loc *time.Location) (time.Time, error) {
	anchor, err := parseDateTime(p.Event.DateTime, loc)
	if err != nil {
		return time.Time{}, &MalformedRecordError{ParticipationID: p.ID, Field: "event.dateTime", Value: p.Event.DateTime, Err: err}
	}
	if !p.Event.Occurrence.Valid() {
		return time.Time{}, &MalformedRecordError{ParticipationID: p.ID, Field: "event.occurrence", Value: string(p.Event.Occurrence), Err: errors.New("unknown occurrence")}
	}
	// An empty mode is tolerated; it only drops out of the mode distribution.
	if m := p.TravelPlan.TravelMode; m != "" && !m.Valid() {
		return time.Time{}, &MalformedRecordError{ParticipationID: p.ID, Field: "travelPlan.travelMode", Value: string(m), Err: errors.New("unknown travel mode")}
	}
	return anchor.In(loc), nil
}

func makeEntry(p model.EventParticipation, t time.Time) Entry {
	return Entry{
		ParticipationID: p.ID,
		CO2:             p.TravelPlan.TotalCo2,
		Date:            t,
		Day:             t.Format(dayKeyLayout),
		Label:           t.Format(dayLabelLayout),
		Title:           p.Event.Title,
		TravelMode:      p.TravelPlan.TravelMode,
	}
}

// occurrenceTimes returns the anchor followed by one time per elapsed
// calendar unit between anchor and now. The second result reports
// whether limit cut the list short.
func occurrenceTimes(anchor, now time.Time, occ model.Occurrence, weekStart time.Weekday, limit int) ([]time.Time, bool) {
	single := []time.Time{anchor}
	if !occ.Recurring() {
		return single, false
	}

	diff := calendarDifference(anchor, now, occ, weekStart)
	if diff <= 0 {
		return single, false
	}

	capped := false
	if diff+1 > limit {
		diff = limit - 1
		capped = true
		if diff <= 0 {
			return single, capped
		}
	}

	r, err := rrule.NewRRule(recurrenceRule(anchor, occ, diff+1))
	if err != nil {
		appLog.Error("history: failed to build recurrence rule", err, "occurrence", occ, "anchor", anchor.Format(time.RFC3339))
		return single, capped
	}

	all := r.All()
	out := make([]time.Time, 0, len(all))
	out = append(out, anchor)
	for _, t := range all {
		// rrule emits the anchor itself first; keep the anchor as parsed.
		if !t.After(anchor) {
			continue
		}
		out = append(out, t)
	}
	return out, capped
}

// recurrenceRule builds an rrule that steps from anchor by whole units.
// Month and year steps clamp to the last day of shorter months, so an
// event on the 31st recurs on the 30th (or 28th/29th) rather than being
// skipped.
func recurrenceRule(anchor time.Time, occ model.Occurrence, count int) rrule.ROption {
	opt := rrule.ROption{
		Dtstart: anchor,
		Count:   count,
	}

	switch occ {
	case model.OccurrenceDaily:
		opt.Freq = rrule.DAILY
	case model.OccurrenceWeekly:
		opt.Freq = rrule.WEEKLY
	case model.OccurrenceMonthly:
		opt.Freq = rrule.MONTHLY
		if anchor.Day() > 28 {
			opt.Bymonthday = []int{anchor.Day(), -1}
			opt.Bysetpos = []int{1}
		}
	case model.OccurrenceYearly:
		opt.Freq = rrule.YEARLY
		if anchor.Day() > 28 {
			opt.Bymonth = []int{int(anchor.Month())}
			opt.Bymonthday = []int{anchor.Day(), -1}
			opt.Bysetpos = []int{1}
		}
	}
	return opt
}

// calendarDifference counts calendar boundaries crossed between anchor
// and now in the unit of occ. Times of day are ignored.
func calendarDifference(anchor, now time.Time, occ model.Occurrence, weekStart time.Weekday) int {
	a := civilDate(anchor)
	n := civilDate(now.In(anchor.Location()))

	switch occ {
	case model.OccurrenceDaily:
		return daysBetween(a, n)
	case model.OccurrenceWeekly:
		return daysBetween(startOfWeek(a, weekStart), startOfWeek(n, weekStart)) / 7
	case model.OccurrenceMonthly:
		return (n.Year()-a.Year())*12 + int(n.Month()) - int(a.Month())
	case model.OccurrenceYearly:
		return n.Year() - a.Year()
	}
	return 0
}

// civilDate drops the time of day and zone, keeping the wall-clock date.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func startOfWeek(d time.Time, weekStart time.Weekday) time.Time {
	offset := (int(d.Weekday()) - int(weekStart) + 7) % 7
	return d.AddDate(0, 0, -offset)
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

var dateTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseDateTime accepts RFC 3339 timestamps and zone-less ISO forms,
// which are read in loc.
func parseDateTime(v string, loc *time.Location) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("empty date")
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format")
}
