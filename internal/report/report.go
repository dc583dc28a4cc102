// Package report builds per-user travel-history reports: fetched
// participations run through recurrence expansion, day bucketing, the
// travel-mode distribution and the formatted CO2 total.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"carbontrail/internal/history"
	appLog "carbontrail/internal/log"
	"carbontrail/internal/model"
)

var (
	reportsBuilt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carbontrail_reports_built_total",
		Help: "Reports computed from fresh backend data.",
	})
	reportCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carbontrail_report_cache_hits_total",
		Help: "Reports served from the report cache.",
	})
	malformedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carbontrail_malformed_records_total",
		Help: "Participations excluded from reports because they could not be placed on the timeline.",
	})
)

// Fetcher loads a user's event participations.
type Fetcher interface {
	Participations(ctx context.Context, userID string) ([]model.EventParticipation, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, userID string) ([]model.EventParticipation, error)

func (f FetcherFunc) Participations(ctx context.Context, userID string) ([]model.EventParticipation, error) {
	return f(ctx, userID)
}

// BatchFetcher loads participations of several users in one call,
// returning whichever succeeded plus per-user errors.
type BatchFetcher interface {
	FetchAll(ctx context.Context, userIDs []string) (map[string][]model.EventParticipation, map[string]error)
}

// Report is the chart-ready travel history of one user.
type Report struct {
	UserID      string              `json:"userId"`
	GeneratedAt time.Time           `json:"generatedAt"`
	Filter      *history.Filter     `json:"filter,omitempty"`
	Entries     []history.Entry     `json:"entries"`
	Buckets     []history.DayBucket `json:"buckets"`
	Modes       []history.ModeSlice `json:"modes"`
	TotalCo2    string              `json:"totalCo2"`
	Malformed   []string            `json:"malformed,omitempty"`
	Truncated   []model.ID          `json:"truncated,omitempty"`
}

// Options configures a Service.
type Options struct {
	Clock          history.Clock
	Location       *time.Location
	WeekStart      time.Weekday
	MaxOccurrences int
	// CacheTTL of zero disables report caching.
	CacheTTL time.Duration
}

// Service builds reports and keeps them in a Cache.
type Service struct {
	fetcher Fetcher
	cache   Cache
	opts    Options
}

// NewService wires a Service. A nil cache keeps nothing between calls.
func NewService(fetcher Fetcher, cache Cache, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = history.SystemClock{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if cache == nil {
		cache = nopCache{}
	}
	return &Service{fetcher: fetcher, cache: cache, opts: opts}
}

// Build returns the report for userID, from cache when fresh.
func (s *Service) Build(ctx context.Context, userID string, filter *history.Filter) (*Report, error) {
	return s.build(ctx, userID, filter, true)
}

// Refresh rebuilds the report for userID and overwrites any cached copy.
func (s *Service) Refresh(ctx context.Context, userID string, filter *history.Filter) (*Report, error) {
	return s.build(ctx, userID, filter, false)
}

func (s *Service) build(ctx context.Context, userID string, filter *history.Filter, useCache bool) (*Report, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	key := cacheKey(userID, filter)

	if useCache && s.opts.CacheTTL > 0 {
		cached, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			// A broken cache degrades to recomputing.
			appLog.Error("report cache get failed", err, "user", userID)
		} else if ok {
			reportCacheHits.Inc()
			return cached, nil
		}
	}

	participations, err := s.fetcher.Participations(ctx, userID)
	if err != nil {
		return nil, err
	}

	return s.store(ctx, key, userID, filter, participations), nil
}

// RefreshMany rebuilds the unfiltered reports of userIDs and overwrites
// their cached copies. Users whose participations could not be loaded
// are returned with their error; the rest are still refreshed.
func (s *Service) RefreshMany(ctx context.Context, userIDs []string) map[string]error {
	var (
		loaded map[string][]model.EventParticipation
		failed map[string]error
	)
	if bf, ok := s.fetcher.(BatchFetcher); ok {
		loaded, failed = bf.FetchAll(ctx, userIDs)
	} else {
		loaded = make(map[string][]model.EventParticipation, len(userIDs))
		failed = make(map[string]error)
		for _, id := range userIDs {
			ps, err := s.fetcher.Participations(ctx, id)
			if err != nil {
				failed[id] = err
				continue
			}
			loaded[id] = ps
		}
	}

	for _, id := range userIDs {
		ps, ok := loaded[id]
		if !ok {
			continue
		}
		s.store(ctx, cacheKey(id, nil), id, nil, ps)
	}
	return failed
}

// store computes a report and caches it under key.
func (s *Service) store(ctx context.Context, key, userID string, filter *history.Filter, participations []model.EventParticipation) *Report {
	r := s.compute(userID, filter, participations)
	reportsBuilt.Inc()

	if s.opts.CacheTTL > 0 {
		if err := s.cache.Set(ctx, key, r, s.opts.CacheTTL); err != nil {
			appLog.Error("report cache set failed", err, "user", userID)
		}
	}

	appLog.Info("report built",
		"user", userID,
		"participations", len(participations),
		"entries", len(r.Entries),
		"days", len(r.Buckets),
		"total_co2", r.TotalCo2,
		"malformed", len(r.Malformed),
	)
	return r
}

func (s *Service) compute(userID string, filter *history.Filter, participations []model.EventParticipation) *Report {
	res := history.Expand(participations, history.ExpandOptions{
		Clock:                  s.opts.Clock,
		Location:               s.opts.Location,
		Filter:                 filter,
		WeekStart:              s.opts.WeekStart,
		MaxOccurrencesPerEntry: s.opts.MaxOccurrences,
	})

	buckets := history.BucketByDay(res.Entries)
	r := &Report{
		UserID:      userID,
		GeneratedAt: s.opts.Clock.Now().In(s.opts.Location),
		Filter:      filter,
		Entries:     res.Entries,
		Buckets:     buckets,
		Modes:       history.ModeDistribution(res.Entries),
		TotalCo2:    history.TotalCo2(buckets),
		Truncated:   res.Truncated,
	}
	for _, m := range res.Malformed {
		r.Malformed = append(r.Malformed, m.Error())
	}
	malformedRecords.Add(float64(len(res.Malformed)))
	return r
}

func cacheKey(userID string, filter *history.Filter) string {
	var month, year int
	if filter != nil {
		month, year = filter.Month, filter.Year
	}
	return fmt.Sprintf("report:%s:%04d:%02d", userID, year, month)
}
