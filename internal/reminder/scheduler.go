package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/domain/schedule"
)

// DayPlanner plans the reminders of one day, optionally for some periods only
type DayPlanner interface {
	PlanDay(ctx context.Context, day time.Time, periods ...schedule.Period) (PlanResult, error)
}

// DefaultSlots sends each period's reminders at a plausible local time
func DefaultSlots() map[schedule.Period]string {
	return map[schedule.Period]string{
		schedule.Morning:   "0 7 * * *",
		schedule.Afternoon: "0 13 * * *",
		schedule.Evening:   "0 19 * * *",
		schedule.Night:     "0 22 * * *",
	}
}

// SlotsWithOverrides applies cron expressions keyed by period name on top of
// DefaultSlots
func SlotsWithOverrides(overrides map[string]string) (map[schedule.Period]string, error) {
	slots := DefaultSlots()
	for name, spec := range overrides {
		period, ok := schedule.ParsePeriod(name)
		if !ok {
			return nil, fmt.Errorf("unknown reminder period %q", name)
		}
		slots[period] = spec
	}
	return slots, nil
}

type slot struct {
	period schedule.Period
	spec   string
	sched  cron.Schedule
}

// Scheduler plans each period on its own cron slot in the configured
// location, so a period's reminders go out at that period's time.
type Scheduler struct {
	cron    *cron.Cron
	planner DayPlanner
	slots   []slot
	loc     *time.Location
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewScheduler parses one standard five-field cron expression per period.
// Periods missing from slots are never reminded.
func NewScheduler(planner DayPlanner, slots map[schedule.Period]string, loc *time.Location, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}

	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		planner: planner,
		loc:     loc,
		timeout: 10 * time.Minute,
		now:     time.Now,
		logger:  logger,
	}

	for _, period := range schedule.Periods {
		spec, ok := slots[period]
		if !ok {
			continue
		}
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid %s reminder schedule %q: %w", period, spec, err)
		}
		s.cron.Schedule(sched, cron.FuncJob(func() { s.run(period) }))
		s.slots = append(s.slots, slot{period: period, spec: spec, sched: sched})
	}
	if len(s.slots) == 0 {
		return nil, fmt.Errorf("no reminder schedule configured")
	}
	return s, nil
}

// Start begins running the schedule in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	fields := []zap.Field{zap.String("location", s.loc.String())}
	for _, sl := range s.slots {
		fields = append(fields, zap.String(string(sl.period), sl.spec))
	}
	s.logger.Info("reminder scheduler started", fields...)
}

// Stop waits for a running job to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("reminder scheduler stopped")
}

// RunNow plans every period whose slot has already come today. Planning is
// idempotent, so this is safe on every start.
func (s *Scheduler) RunNow(ctx context.Context) (PlanResult, error) {
	due := s.Due()
	if len(due) == 0 {
		return PlanResult{}, nil
	}
	return s.planner.PlanDay(ctx, s.today(), due...)
}

// Due lists the periods whose first slot today is not in the future
func (s *Scheduler) Due() []schedule.Period {
	now := s.now().In(s.loc)
	midnight := s.today()
	var due []schedule.Period
	for _, sl := range s.slots {
		first := sl.sched.Next(midnight.Add(-time.Second))
		if first.Before(midnight.AddDate(0, 0, 1)) && !first.After(now) {
			due = append(due, sl.period)
		}
	}
	return due
}

func (s *Scheduler) today() time.Time {
	n := s.now().In(s.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, s.loc)
}

func (s *Scheduler) run(period schedule.Period) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.planner.PlanDay(ctx, s.today(), period); err != nil {
		s.logger.Error("reminder planning failed", zap.String("period", string(period)), zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
