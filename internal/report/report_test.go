package report

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbontrail/internal/backend"
	"carbontrail/internal/history"
	"carbontrail/internal/model"
)

var _ BatchFetcher = (*backend.Client)(nil)

var now = time.Date(2026, 10, 3, 12, 0, 0, 0, time.UTC)

func participations() []model.EventParticipation {
	return []model.EventParticipation{
		{
			ID:     "1",
			Status: model.StatusAccepted,
			Event: model.Event{
				ID: "10", Title: "Standup",
				DateTime:   "2026-10-01T09:00:00Z",
				Occurrence: model.OccurrenceDaily,
			},
			TravelPlan: &model.TravelPlanSummary{TotalCo2: 2.5, TravelMode: model.TravelModeWalking},
		},
		{
			ID:     "2",
			Status: model.StatusPending,
			Event: model.Event{
				ID: "11", Title: "No plan yet",
				DateTime:   "2026-10-02T09:00:00Z",
				Occurrence: model.OccurrenceSingle,
			},
		},
	}
}

type countingFetcher struct {
	calls int
	ps    []model.EventParticipation
	err   error
}

func (f *countingFetcher) Participations(context.Context, string) ([]model.EventParticipation, error) {
	f.calls++
	return f.ps, f.err
}

func newService(f Fetcher, cache Cache, ttl time.Duration) *Service {
	return NewService(f, cache, Options{
		Clock:     history.FixedClock(now),
		Location:  time.UTC,
		WeekStart: time.Monday,
		CacheTTL:  ttl,
	})
}

func TestBuildStandupReport(t *testing.T) {
	f := &countingFetcher{ps: participations()}
	r, err := newService(f, nil, 0).Build(context.Background(), "42", nil)
	require.NoError(t, err)

	assert.Equal(t, "42", r.UserID)
	assert.True(t, r.GeneratedAt.Equal(now))
	require.Len(t, r.Entries, 3)
	require.Len(t, r.Buckets, 3)
	assert.Equal(t, "2026-10-01", r.Buckets[0].Day)
	assert.Equal(t, "Oct 3", r.Buckets[2].Label)
	assert.Equal(t, []history.ModeSlice{{Name: "Walking", Icon: "directions_walk", Value: 3}}, r.Modes)
	assert.Equal(t, "7.50", r.TotalCo2)
	assert.Empty(t, r.Malformed)
}

func TestBuildUsesCache(t *testing.T) {
	f := &countingFetcher{ps: participations()}
	s := newService(f, NewMemoryCache(), time.Minute)
	ctx := context.Background()

	first, err := s.Build(ctx, "42", nil)
	require.NoError(t, err)
	second, err := s.Build(ctx, "42", nil)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, f.calls)

	_, err = s.Build(ctx, "42", &history.Filter{Month: 9})
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls, "a different filter is a different report")

	_, err = s.Refresh(ctx, "42", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestBuildWithoutTTLNeverCaches(t *testing.T) {
	f := &countingFetcher{ps: participations()}
	cache := NewMemoryCache()
	s := newService(f, cache, 0)

	for range 2 {
		_, err := s.Build(context.Background(), "42", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.calls)
	assert.Zero(t, cache.Len())
}

func TestBuildFilter(t *testing.T) {
	f := &countingFetcher{ps: participations()}
	s := newService(f, nil, 0)

	r, err := s.Build(context.Background(), "42", &history.Filter{Month: 9, Year: 2026})
	require.NoError(t, err)
	assert.Empty(t, r.Entries)
	assert.Empty(t, r.Buckets)
	assert.Empty(t, r.Modes)
	assert.Equal(t, "0.00", r.TotalCo2)

	_, err = s.Build(context.Background(), "42", &history.Filter{Month: 13})
	assert.Error(t, err)
	assert.Equal(t, 1, f.calls, "invalid filters never reach the backend")
}

func TestBuildReportsMalformedRecords(t *testing.T) {
	ps := participations()
	ps = append(ps, model.EventParticipation{
		ID:         "3",
		Event:      model.Event{ID: "12", DateTime: "yesterday", Occurrence: model.OccurrenceSingle},
		TravelPlan: &model.TravelPlanSummary{TotalCo2: 100, TravelMode: model.TravelModeFlight},
	})

	r, err := newService(&countingFetcher{ps: ps}, nil, 0).Build(context.Background(), "42", nil)
	require.NoError(t, err)
	assert.Len(t, r.Malformed, 1)
	assert.Equal(t, "7.50", r.TotalCo2)
}

func TestBuildFetchError(t *testing.T) {
	boom := errors.New("backend down")
	s := newService(FetcherFunc(func(context.Context, string) ([]model.EventParticipation, error) {
		return nil, boom
	}), NewMemoryCache(), time.Minute)

	_, err := s.Build(context.Background(), "42", nil)
	assert.ErrorIs(t, err, boom)
}

func TestBuildSurvivesBrokenCache(t *testing.T) {
	// Nothing listens on port 1, so every cache call fails.
	cache := NewRedisCache(RedisOptions{Addr: "127.0.0.1:1", KeyPrefix: "test:"})
	defer cache.Close()

	f := &countingFetcher{ps: participations()}
	r, err := newService(f, cache, time.Minute).Build(context.Background(), "42", nil)
	require.NoError(t, err)
	assert.Equal(t, "7.50", r.TotalCo2)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	clock := now
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", &Report{UserID: "42"}, time.Minute))

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "42", got.UserID)

	clock = clock.Add(time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestReportJSONShape(t *testing.T) {
	r, err := newService(&countingFetcher{ps: participations()}, nil, 0).Build(context.Background(), "42", nil)
	require.NoError(t, err)

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "7.50", decoded["totalCo2"])
	assert.NotContains(t, decoded, "filter")
	buckets := decoded["buckets"].([]any)
	assert.Contains(t, buckets[0], "historyItems")
	modes := decoded["modes"].([]any)
	assert.Equal(t, "directions_walk", modes[0].(map[string]any)["icon"])

	var back Report
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back.Buckets, len(r.Buckets))
	assert.Equal(t, r.Buckets[0].TotalCo2, back.Buckets[0].TotalCo2)
	assert.True(t, r.Entries[0].Date.Equal(back.Entries[0].Date))
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "report:42:0000:00", cacheKey("42", nil))
	assert.Equal(t, "report:42:2026:03", cacheKey("42", &history.Filter{Month: 3, Year: 2026}))
}

func TestRefreshManyUsesBatchFetch(t *testing.T) {
	body, err := json.Marshal(participations())
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/users/gone/event-participations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	client, err := backend.New(backend.Options{BaseURL: srv.URL + "/api"})
	require.NoError(t, err)

	cache := NewMemoryCache()
	s := newService(client, cache, time.Minute)

	failed := s.RefreshMany(context.Background(), []string{"42", "gone", "7"})
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed["gone"], backend.ErrNotFound)
	assert.Equal(t, 2, cache.Len())

	cached, ok, err := cache.Get(context.Background(), cacheKey("42", nil))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "7.50", cached.TotalCo2)
}

func TestRefreshManyFallsBackToSingleFetches(t *testing.T) {
	boom := errors.New("backend down")
	s := newService(FetcherFunc(func(_ context.Context, userID string) ([]model.EventParticipation, error) {
		if userID == "bad" {
			return nil, boom
		}
		return participations(), nil
	}), NewMemoryCache(), time.Minute)

	failed := s.RefreshMany(context.Background(), []string{"42", "bad"})
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed["bad"], boom)

	r, err := s.Build(context.Background(), "42", nil)
	require.NoError(t, err)
	assert.Equal(t, "7.50", r.TotalCo2)
}
