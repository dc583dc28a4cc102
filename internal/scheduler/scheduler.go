// Package scheduler keeps reports of a fixed set of users warm by
// rebuilding them on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "carbontrail/internal/log"
)

// Refresher rebuilds reports of several users, bypassing cached copies,
// and returns the users that failed.
type Refresher interface {
	RefreshMany(ctx context.Context, userIDs []string) map[string]error
}

// Scheduler runs RefreshAll on a cron schedule.
type Scheduler struct {
	cron      *cron.Cron
	refresher Refresher
	users     []string

	ctx    context.Context
	cancel context.CancelFunc
}

// New parses spec (standard five-field cron or a descriptor such as
// "@hourly") in loc and prepares a Scheduler for users.
func New(spec string, loc *time.Location, refresher Refresher, users []string) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:      c,
		refresher: refresher,
		users:     append([]string(nil), users...),
		ctx:       ctx,
		cancel:    cancel,
	}

	if _, err := c.AddFunc(spec, func() { s.RefreshAll(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	appLog.Info("scheduler started", "users", len(s.users))
	s.cron.Start()
}

// Stop halts the schedule, cancels an in-flight run and waits for it to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		appLog.Warn("scheduler stop timed out")
	}
}

// RefreshAll rebuilds the unfiltered report of every configured user.
// Failures are logged and returned per user; one failing user does not
// stop the others.
func (s *Scheduler) RefreshAll(ctx context.Context) map[string]error {
	start := time.Now()

	failed := s.refresher.RefreshMany(ctx, s.users)
	for id, err := range failed {
		appLog.Error("scheduled refresh failed", err, "user", id)
	}

	appLog.Info("scheduled refresh completed",
		"users", len(s.users),
		"failed", len(failed),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return failed
}

// cronLogger routes cron's own messages into the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
