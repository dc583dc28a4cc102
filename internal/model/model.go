package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ID is a backend record identifier. The backend emits both numeric and
// string ids, so both decode into the same string form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Status is the invitation state of an EventParticipation.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusDeclined Status = "DECLINED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusDeclined:
		return true
	}
	return false
}

// Occurrence is the recurrence policy of an event.
type Occurrence string

const (
	OccurrenceSingle  Occurrence = "SINGLE"
	OccurrenceDaily   Occurrence = "DAILY"
	OccurrenceWeekly  Occurrence = "WEEKLY"
	OccurrenceMonthly Occurrence = "MONTHLY"
	OccurrenceYearly  Occurrence = "YEARLY"
)

func (o Occurrence) Valid() bool {
	switch o {
	case OccurrenceSingle, OccurrenceDaily, OccurrenceWeekly, OccurrenceMonthly, OccurrenceYearly:
		return true
	}
	return false
}

// Recurring reports whether the occurrence repeats.
func (o Occurrence) Recurring() bool {
	return o.Valid() && o != OccurrenceSingle
}

// TravelMode is the transport mode of a travel plan. FLIGHT is a
// pseudo-mode for plans built from flight search results.
type TravelMode string

const (
	TravelModeDriving   TravelMode = "DRIVING"
	TravelModeTransit   TravelMode = "TRANSIT"
	TravelModeWalking   TravelMode = "WALKING"
	TravelModeBicycling TravelMode = "BICYCLING"
	TravelModeFlight    TravelMode = "FLIGHT"
)

var travelModeLabels = map[TravelMode]string{
	TravelModeDriving:   "Driving",
	TravelModeTransit:   "Transit",
	TravelModeWalking:   "Walking",
	TravelModeBicycling: "Bicycling",
	TravelModeFlight:    "Flight",
}

var travelModeIcons = map[TravelMode]string{
	TravelModeDriving:   "directions_car",
	TravelModeTransit:   "directions_transit",
	TravelModeWalking:   "directions_walk",
	TravelModeBicycling: "directions_bike",
	TravelModeFlight:    "flight",
}

func (m TravelMode) Valid() bool {
	_, ok := travelModeLabels[m]
	return ok
}

// Label returns the human-readable name used in charts. Unknown modes
// fall back to upper-casing the first letter and lower-casing the rest.
func (m TravelMode) Label() string {
	if l, ok := travelModeLabels[m]; ok {
		return l
	}
	return capitalize(string(m))
}

// Icon returns the icon name shown next to the mode, or "" if unknown.
func (m TravelMode) Icon() string {
	return travelModeIcons[m]
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

// Location is where an event takes place.
type Location struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// User is the subset of a backend user embedded in events.
type User struct {
	ID    ID     `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Event is a coordinated event. DateTime is the anchor (first)
// occurrence as an ISO timestamp; it stays a string so a single bad
// record does not fail decoding of a whole listing.
type Event struct {
	ID         ID         `json:"id"`
	Title      string     `json:"title"`
	DateTime   string     `json:"dateTime"`
	Occurrence Occurrence `json:"occurrence"`
	Location   Location   `json:"location"`
	Creator    *User      `json:"creator,omitempty"`
}

// TravelPlanSummary is the resolved travel plan of a participant.
// TotalCo2 is in kilograms CO2e and is computed by the backend.
type TravelPlanSummary struct {
	TotalCo2   float64    `json:"totalCo2"`
	TravelMode TravelMode `json:"travelMode"`
}

// EventParticipation links a user to an event, optionally with the
// travel plan they chose for it.
type EventParticipation struct {
	ID         ID                 `json:"id"`
	Status     Status             `json:"status"`
	Event      Event              `json:"event"`
	TravelPlan *TravelPlanSummary `json:"travelPlan,omitempty"`
}
