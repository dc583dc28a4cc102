package history

import (
	"github.com/shopspring/decimal"
)

// DayBucket collects every entry that falls on one calendar day.
type DayBucket struct {
	Day      string  `json:"day"`
	Label    string  `json:"label"`
	TotalCo2 float64 `json:"totalCo2"`
	Items    []Entry `json:"historyItems"`
}

// ModeSlice is one travel mode's share of the entries. Icon names the
// glyph shown next to the mode and is empty for unknown modes.
type ModeSlice struct {
	Name  string `json:"name"`
	Icon  string `json:"icon,omitempty"`
	Value int    `json:"value"`
}

// BucketByDay groups entries by calendar day (YYYY-MM-DD), summing CO2.
// Buckets appear in the order their day is first seen, so sorted input
// yields chronological buckets.
func BucketByDay(entries []Entry) []DayBucket {
	buckets := make([]DayBucket, 0)
	sums := make([]decimal.Decimal, 0)
	index := make(map[string]int)

	for _, e := range entries {
		i, ok := index[e.Day]
		if !ok {
			i = len(buckets)
			index[e.Day] = i
			buckets = append(buckets, DayBucket{Day: e.Day, Label: e.Label})
			sums = append(sums, decimal.Zero)
		}
		buckets[i].Items = append(buckets[i].Items, e)
		sums[i] = sums[i].Add(decimal.NewFromFloat(e.CO2))
	}

	for i := range buckets {
		buckets[i].TotalCo2 = sums[i].InexactFloat64()
	}
	return buckets
}

// ModeDistribution counts entries per travel mode in first-seen order.
// Entries without a mode are ignored.
func ModeDistribution(entries []Entry) []ModeSlice {
	out := make([]ModeSlice, 0)
	index := make(map[string]int)

	for _, e := range entries {
		if e.TravelMode == "" {
			continue
		}
		key := string(e.TravelMode)
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, ModeSlice{Name: e.TravelMode.Label(), Icon: e.TravelMode.Icon()})
		}
		out[i].Value++
	}
	return out
}

// TotalCo2 sums bucket totals and formats them with two decimals,
// rounding half away from zero on the decimal value ("3.005" -> "3.01").
func TotalCo2(buckets []DayBucket) string {
	sum := decimal.Zero
	for _, b := range buckets {
		sum = sum.Add(decimal.NewFromFloat(b.TotalCo2))
	}
	return sum.StringFixed(2)
}
