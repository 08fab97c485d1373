package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/probeops/inquest/internal/store"
)

const schedLockPrefix = "inquest:schedlock:"

// ScheduleStore captures the store methods the scheduler needs.
type ScheduleStore interface {
	ListSchedules(ctx context.Context, enabledOnly bool) ([]store.Schedule, error)
	TouchScheduleRun(ctx context.Context, id string, at time.Time) error
}

var _ ScheduleStore = (*store.Store)(nil)

// Scheduler fires recurring protocol investigations from cron expressions.
// A Redis SETNX lock keeps multiple API instances from dispatching the same
// schedule in the same window; the lock expires on its own once last_run_at
// is persisted.
type Scheduler struct {
	Logger   *log.Logger
	Store    ScheduleStore
	Rdb      *redis.Client
	Enqueuer *Enqueuer
	Interval time.Duration
	LockTTL  time.Duration
}

// Start runs the ticker loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.Store.ListSchedules(ctx, true)
	if err != nil {
		s.logf("list schedules: %v", err)
		return
	}
	now := time.Now()
	for _, sc := range schedules {
		if !isDue(sc.CronExpr, sc.LastRunAt, now) {
			continue
		}
		if s.Rdb != nil {
			lockTTL := s.LockTTL
			if lockTTL <= 0 {
				lockTTL = 2 * time.Minute
			}
			ok, err := s.Rdb.SetNX(ctx, schedLockPrefix+sc.ID, "1", lockTTL).Result()
			if err != nil {
				s.logf("schedule %s lock: %v", sc.ID, err)
				continue
			}
			if !ok {
				continue
			}
		}
		protocolID := sc.ProtocolID
		invID, jobID, err := s.Enqueuer.Enqueue(ctx, &protocolID, sc.ClusterID, "", "schedule")
		if err != nil {
			s.logf("schedule %s enqueue: %v", sc.ID, err)
			continue
		}
		if err := s.Store.TouchScheduleRun(ctx, sc.ID, now); err != nil {
			s.logf("schedule %s touch last run: %v", sc.ID, err)
		}
		s.logf("schedule %s fired: investigation %s job %s", sc.ID, invID, jobID)
	}
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// isDue determines whether a schedule with cronSpec should run at now given
// its last run time. Supports "@daily", "@hourly", and standard cron
// expressions; a never-run schedule is due immediately.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// validated at create; treat a bad row as @daily rather than never
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
