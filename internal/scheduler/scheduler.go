// Package scheduler implements the Scheduler (§4.6): a single cooperative
// loop that fires agent controller triggers for every enabled schedule
// whose computed nextRunAt has arrived, once per schedule per tick, with a
// drift-corrected sleep to the next tick boundary.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"herdctl/internal/controller"
	"herdctl/internal/eventbus"
	"herdctl/internal/herderrors"
	"herdctl/internal/logx"
	"herdctl/internal/model"
)

// cronParser accepts the standard 5-field form plus shorthands
// (@yearly/@annually, @monthly, @weekly, @daily/@midnight, @hourly), as
// robfig/cron/v3's descriptor parser does natively.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

const defaultCheckInterval = time.Second

// Scheduler drives every agent controller's schedules against the clock.
type Scheduler struct {
	log           *logx.Logger
	bus           *eventbus.Bus
	checkInterval time.Duration
	nowFunc       func() time.Time

	mu          sync.Mutex
	controllers []*controller.Controller
	schedules   map[scheduleKey]*cron.SpecSchedule // cron-parsed, nil for interval schedules
	checkCount  int
	triggerCount int

	cancel context.CancelFunc
	done   chan struct{}
}

type scheduleKey struct {
	agent    string
	schedule string
}

// New constructs a Scheduler. checkInterval of 0 defaults to 1 second.
func New(log *logx.Logger, bus *eventbus.Bus, checkInterval time.Duration, nowFunc func() time.Time) *Scheduler {
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Scheduler{
		log:           log.With("scheduler"),
		bus:           bus,
		checkInterval: checkInterval,
		nowFunc:       nowFunc,
		schedules:     make(map[scheduleKey]*cron.SpecSchedule),
	}
}

// Register adds an agent controller's schedules to the scheduler. Must be
// called before Start; validates every cron expression up front so a
// malformed schedule fails fleet initialization rather than silently never
// firing.
func (s *Scheduler) Register(c *controller.Controller) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sched := range c.Schedules() {
		if sched.Type != model.ScheduleCron {
			continue
		}
		spec, err := cronParser.Parse(sched.Expression)
		if err != nil {
			return &herderrors.InvalidCronExpressionError{
				Expression: sched.Expression,
				Field:      "expression",
				Cause:      err,
			}
		}
		specSchedule, ok := spec.(*cron.SpecSchedule)
		if !ok {
			// Descriptor forms (@every ...) parse to a different Schedule
			// implementation; store nil under the key, and computeNextRunAt
			// re-parses the expression when it needs the next run time.
			s.schedules[scheduleKey{agent: c.Agent().QualifiedName, schedule: sched.Name}] = nil
			continue
		}
		s.schedules[scheduleKey{agent: c.Agent().QualifiedName, schedule: sched.Name}] = specSchedule
	}

	s.controllers = append(s.controllers, c)
	return nil
}

// Start runs the cooperative loop in a background goroutine until Stop is
// called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(runCtx, done)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	next := s.nowFunc().Add(s.checkInterval)
	for {
		sleep := time.Until(next)
		if sleep < 0 {
			sleep = 0
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.tick(ctx)

		// Drift-corrected: always compute the next boundary from the fixed
		// cadence, not from "now + interval" measured after the tick's work.
		for !next.After(s.nowFunc()) {
			next = next.Add(s.checkInterval)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	s.checkCount++
	controllers := append([]*controller.Controller(nil), s.controllers...)
	s.mu.Unlock()

	now := s.nowFunc()

	for _, c := range controllers {
		agent := c.Agent()
		for _, sched := range c.Schedules() {
			if !sched.Enabled || sched.Status == model.ScheduleRunning {
				continue
			}

			nextRunAt := sched.NextRunAt
			if nextRunAt.IsZero() {
				// First computation for a schedule that has never fired:
				// search from its lastRunAt so an already-elapsed
				// scheduled time (e.g. lastRunAt=08:30, cron due 09:00,
				// now=09:00 exactly) is found rather than skipped past.
				// Only a schedule with no history at all searches from
				// now, and the result is persisted as a fixed checkpoint
				// so later ticks compare against it instead of
				// re-deriving from an ever-advancing now (which, since
				// Next(t) is always strictly after t, would never be
				// due).
				base := sched.LastRunAt
				if base.IsZero() {
					base = now
				}
				nextRunAt = s.computeNextRunAt(agent.QualifiedName, sched, base)
				c.SetScheduleNextRunAt(sched.Name, nextRunAt)
			}
			if nextRunAt.After(now) {
				continue
			}

			s.fire(ctx, c, sched, now)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, c *controller.Controller, sched model.Schedule, now time.Time) {
	agent := c.Agent()

	s.bus.PublishScheduleTriggered(eventbus.ScheduleTriggeredPayload{
		AgentName:    agent.QualifiedName,
		ScheduleName: sched.Name,
	})

	_, err := c.Trigger(ctx, sched.Name, controller.TriggerOptions{
		TriggerType:     model.TriggerSchedule,
		ResumeSessionID: "",
	})
	if err != nil {
		s.log.Warn("schedule %s/%s not fired: %v", agent.QualifiedName, sched.Name, err)
		return
	}

	s.mu.Lock()
	s.triggerCount++
	s.mu.Unlock()

	next := s.computeNextRunAt(agent.QualifiedName, sched, now)
	c.MarkScheduleFired(sched.Name, now, next)
}

// computeNextRunAt implements §4.6 step 2's nextRunAt computation: base+
// interval for interval schedules, the cron library's Next(base) for cron
// schedules. base is the point to search forward from — the caller passes
// a schedule's lastRunAt when computing the first checkpoint for a
// never-fired schedule, or the firing time itself right after a fire — so
// this never compares a value against the same instant it was derived
// from (Next(t) is always strictly after t, so Next(now) compared against
// that same now is always in the future).
func (s *Scheduler) computeNextRunAt(agentName string, sched model.Schedule, base time.Time) time.Time {
	if sched.Type == model.ScheduleCron {
		s.mu.Lock()
		specSchedule := s.schedules[scheduleKey{agent: agentName, schedule: sched.Name}]
		s.mu.Unlock()
		if specSchedule != nil {
			return specSchedule.Next(base)
		}
		// Descriptor schedules not representable as *cron.SpecSchedule
		// (e.g. @every) are re-parsed lazily; rare path, avoided in the
		// common case by the cached *cron.SpecSchedule above.
		spec, err := cronParser.Parse(sched.Expression)
		if err != nil {
			s.log.Error("schedule %s/%s has an invalid cron expression that passed validation: %v", agentName, sched.Name, err)
			return base.Add(s.checkInterval)
		}
		return spec.Next(base)
	}

	interval, err := time.ParseDuration(sched.Expression)
	if err != nil {
		s.log.Error("schedule %s/%s has an unparseable interval %q: %v", agentName, sched.Name, sched.Expression, err)
		return base.Add(s.checkInterval)
	}
	return base.Add(interval)
}

// CheckCount returns the number of ticks processed so far.
func (s *Scheduler) CheckCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkCount
}

// TriggerCount returns the number of schedules successfully fired so far.
func (s *Scheduler) TriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggerCount
}
