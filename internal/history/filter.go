package history

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Filter restricts which anchor dates are considered. Zero fields match
// everything.
type Filter struct {
	Month int `json:"month,omitempty" validate:"omitempty,min=1,max=12"`
	Year  int `json:"year,omitempty" validate:"omitempty,min=1000,max=9999"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ParseFilter builds a Filter from query-string style values. Empty
// strings leave the field unset. It returns nil when both are empty.
func ParseFilter(month, year string) (*Filter, error) {
	month = strings.TrimSpace(month)
	year = strings.TrimSpace(year)
	if month == "" && year == "" {
		return nil, nil
	}

	var f Filter
	if month != "" {
		n, err := strconv.Atoi(month)
		if err != nil {
			return nil, fmt.Errorf("invalid month %q: %w", month, err)
		}
		// omitempty on the struct tag would let an explicit "0" through.
		if err := validatorInstance().Var(n, "min=1,max=12"); err != nil {
			return nil, fmt.Errorf("invalid month %q: %w", month, err)
		}
		f.Month = n
	}
	if year != "" {
		if len(year) != 4 {
			return nil, fmt.Errorf("invalid year %q: want four digits", year)
		}
		n, err := strconv.Atoi(year)
		if err != nil {
			return nil, fmt.Errorf("invalid year %q: %w", year, err)
		}
		f.Year = n
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the month and year ranges.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	if err := validatorInstance().Struct(f); err != nil {
		return fmt.Errorf("invalid filter: %w", err)
	}
	return nil
}

// Match reports whether t (already in the display location) passes.
func (f *Filter) Match(t time.Time) bool {
	if f == nil {
		return true
	}
	if f.Month != 0 && int(t.Month()) != f.Month {
		return false
	}
	if f.Year != 0 && t.Year() != f.Year {
		return false
	}
	return true
}
