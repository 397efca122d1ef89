// Package controller implements the Agent Controller (§4.5): one instance
// per resolved agent, admitting trigger intents against a concurrency cap
// and owning the running executors for that agent.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"herdctl/internal/eventbus"
	"herdctl/internal/executor"
	"herdctl/internal/herderrors"
	"herdctl/internal/logx"
	"herdctl/internal/model"
	"herdctl/internal/runner"
	"herdctl/internal/statestore"
)

// TriggerOptions customizes one admission request.
type TriggerOptions struct {
	Prompt                 string // overrides the agent/schedule default prompt
	BypassConcurrencyLimit bool
	TriggerType            model.TriggerType // defaults to TriggerManual
	ForkedFrom             string            // set by forkJob
	ResumeSessionID        string            // set by forkJob; a schedule with resumeSession is resolved inside Trigger instead
}

// TriggerResult is returned synchronously once the pending job record
// exists, before the executor has produced any output.
type TriggerResult struct {
	JobID        string
	AgentName    string
	ScheduleName string
}

// Controller owns one agent's concurrency cap, schedules, and in-flight
// executors.
type Controller struct {
	agent      model.Agent
	store      *statestore.Store
	bus        *eventbus.Bus
	log        *logx.Logger
	registry   *runner.Registry
	nowFunc    func() time.Time

	mu            sync.Mutex
	runningCount  int
	schedules     map[string]*model.Schedule
	scheduleOrder []string // declaration order, for same-tick firing order (§4.6 Ordering)
	executors     map[string]*executor.Executor // jobID -> running executor
	lastJobID     string
}

// New constructs a Controller for one resolved agent.
func New(agent model.Agent, store *statestore.Store, bus *eventbus.Bus, log *logx.Logger, registry *runner.Registry, nowFunc func() time.Time) *Controller {
	schedules := make(map[string]*model.Schedule, len(agent.Schedules))
	order := make([]string, 0, len(agent.Schedules))
	for i := range agent.Schedules {
		s := agent.Schedules[i]
		schedules[s.Name] = &s
		order = append(order, s.Name)
	}
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Controller{
		agent:         agent,
		store:         store,
		bus:           bus,
		log:           log.With(agent.QualifiedName),
		registry:      registry,
		nowFunc:       nowFunc,
		schedules:     schedules,
		scheduleOrder: order,
		executors:     make(map[string]*executor.Executor),
	}
}

// Agent returns the resolved agent this controller was built for.
func (c *Controller) Agent() model.Agent { return c.agent }

// RunningCount returns the number of jobs currently admitted and not yet
// terminal.
func (c *Controller) RunningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningCount
}

// Schedule looks up one of this agent's schedules by name.
func (c *Controller) Schedule(name string) (model.Schedule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.schedules[name]
	if !ok {
		return model.Schedule{}, false
	}
	return *s, true
}

// Schedules returns a snapshot of every schedule attached to this agent,
// in declaration order.
func (c *Controller) Schedules() []model.Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Schedule, 0, len(c.scheduleOrder))
	for _, name := range c.scheduleOrder {
		if s, ok := c.schedules[name]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// SetScheduleEnabled mutates a schedule's enabled flag; the scheduler
// observes the change on its next tick.
func (c *Controller) SetScheduleEnabled(scheduleName string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.schedules[scheduleName]
	if !ok {
		return &herderrors.ScheduleNotFoundError{AgentName: c.agent.QualifiedName, ScheduleName: scheduleName}
	}
	s.Enabled = enabled
	if enabled {
		s.Status = model.ScheduleIdle
	} else {
		s.Status = model.ScheduleDisabled
	}
	return nil
}

func (c *Controller) markScheduleRunning(name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schedules[name]; ok && s.Enabled {
		s.Status = model.ScheduleRunning
	}
}

func (c *Controller) markScheduleIdle(name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schedules[name]; ok && s.Enabled {
		s.Status = model.ScheduleIdle
	}
}

// MarkScheduleFired records a trigger against a schedule's bookkeeping
// fields (lastRunAt, runCount); the scheduler calls this right after a
// successful Trigger for that schedule.
func (c *Controller) MarkScheduleFired(scheduleName string, firedAt, nextRunAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.schedules[scheduleName]
	if !ok {
		return
	}
	s.LastRunAt = firedAt
	s.NextRunAt = nextRunAt
	s.RunCount++
}

// SetScheduleNextRunAt records a freshly computed nextRunAt checkpoint
// without a fire (no lastRunAt/runCount change). The scheduler calls this
// the first time it computes a schedule's nextRunAt, so later ticks compare
// against that fixed checkpoint instead of re-deriving it from a moving now
// on every tick.
func (c *Controller) SetScheduleNextRunAt(scheduleName string, nextRunAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.schedules[scheduleName]
	if !ok {
		return
	}
	s.NextRunAt = nextRunAt
}

// Trigger admits one execution intent (§4.5 trigger). scheduleName is
// empty for a manual/webhook/chat-originated trigger with no schedule.
func (c *Controller) Trigger(ctx context.Context, scheduleName string, opts TriggerOptions) (TriggerResult, error) {
	var sched *model.Schedule
	if scheduleName != "" {
		c.mu.Lock()
		s, ok := c.schedules[scheduleName]
		c.mu.Unlock()
		if !ok {
			return TriggerResult{}, &herderrors.ScheduleNotFoundError{AgentName: c.agent.QualifiedName, ScheduleName: scheduleName}
		}
		sched = s
	}

	c.mu.Lock()
	if c.runningCount >= c.agent.MaxConcurrent && !opts.BypassConcurrencyLimit {
		current := c.runningCount
		c.mu.Unlock()
		return TriggerResult{}, &herderrors.ConcurrencyLimitError{
			AgentName:  c.agent.QualifiedName,
			CurrentJobs: current,
			Limit:       c.agent.MaxConcurrent,
		}
	}
	c.runningCount++
	c.mu.Unlock()
	c.markScheduleRunning(scheduleName)

	triggerType := opts.TriggerType
	if triggerType == "" {
		triggerType = model.TriggerManual
	}
	if sched != nil && triggerType == model.TriggerManual {
		triggerType = model.TriggerSchedule
	}

	prompt := opts.Prompt
	if prompt == "" && sched != nil {
		prompt = sched.Prompt
	}
	if prompt == "" {
		prompt = c.agent.Prompt
	}

	sessionID := opts.ResumeSessionID
	if sessionID == "" && sched != nil && sched.ResumeSession {
		if ptr, err := c.store.ReadLegacySession(c.agent.Name); err == nil && ptr != nil {
			sessionID = ptr.SessionID
		}
	}

	r, err := c.registry.Get(c.agent.RunnerBackend)
	if err != nil {
		c.release()
		c.markScheduleIdle(scheduleName)
		return TriggerResult{}, err
	}

	exec := executor.New(c.store, c.bus, c.log, r)

	req := runner.Request{
		AgentName:        c.agent.QualifiedName,
		Model:            c.agent.Model,
		SystemPrompt:     c.agent.Prompt,
		Prompt:           prompt,
		WorkingDirectory: c.agent.WorkingDirectory,
		SessionID:        sessionID,
		AllowedTools:     c.agent.AllowedTools,
		DeniedTools:      c.agent.DeniedTools,
	}

	// jobIDCh carries the job id out of the executor's onPending callback;
	// Trigger blocks on it so callers can rely on a job existing the moment
	// Trigger returns, per §4.5: "return {jobId, agentName, scheduleName?}
	// synchronously as soon as the job record exists".
	jobIDCh := make(chan string, 1)

	go c.run(ctx, exec, req, triggerType, scheduleName, opts.ForkedFrom, jobIDCh)

	jobID := <-jobIDCh
	if jobID == "" {
		return TriggerResult{}, fmt.Errorf("agent %s: job failed to start", c.agent.QualifiedName)
	}

	c.mu.Lock()
	c.lastJobID = jobID
	c.mu.Unlock()

	return TriggerResult{JobID: jobID, AgentName: c.agent.QualifiedName, ScheduleName: scheduleName}, nil
}

// run drives one executor to completion, always releasing the concurrency
// slot on the way out (including on panic) per §4.5's "decrements the
// counter at terminal transition in all paths (including panics)". The
// executor is registered in c.executors from inside onPending — on the same
// goroutine, before the runner stream starts — so Cancel can never observe
// a job id that Trigger has returned but the map does not yet know about.
func (c *Controller) run(ctx context.Context, exec *executor.Executor, req runner.Request, triggerType model.TriggerType, scheduleName, forkedFrom string, jobIDCh chan<- string) {
	var jobID string
	reported := false
	onPending := func(job model.Job) {
		jobID = job.ID
		reported = true
		c.mu.Lock()
		c.executors[jobID] = exec
		c.mu.Unlock()
		jobIDCh <- job.ID
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("executor panic for agent %s: %v", c.agent.QualifiedName, r)
			if !reported {
				jobIDCh <- ""
			}
		}
		c.release()
		c.markScheduleIdle(scheduleName)
		if jobID != "" {
			c.mu.Lock()
			delete(c.executors, jobID)
			c.mu.Unlock()
		}
	}()

	job, err := exec.Run(ctx, c.agent, req, triggerType, scheduleName, forkedFrom, c.nowFunc, onPending)
	if !reported {
		jobIDCh <- ""
	}
	if err != nil {
		c.log.Warn("job %s for agent %s ended with error: %v", job.ID, c.agent.QualifiedName, err)
	}
}

func (c *Controller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runningCount > 0 {
		c.runningCount--
	}
}

// Cancel requests cancellation of jobID, waiting up to timeout for the
// executor to reach a terminal state (§4.5 cancel). On expiry, if the job
// record is still not terminal, it writes it as cancelled with exitReason
// "forced" and returns without waiting further.
func (c *Controller) Cancel(jobID string, timeout time.Duration) error {
	c.mu.Lock()
	exec, ok := c.executors[jobID]
	c.mu.Unlock()
	if !ok {
		return &herderrors.JobCancelError{JobID: jobID, Reason: "no running executor for job"}
	}

	exec.Cancel()

	deadline := time.After(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			job, err := c.store.ReadJob(jobID)
			if err == nil && job != nil && job.Status != model.JobCancelled && job.Status != model.JobCompleted && job.Status != model.JobFailed {
				job.Status = model.JobCancelled
				job.ExitReason = "forced"
				job.FinishedAt = c.nowFunc()
				_ = c.store.WriteJob(*job)
			}
			return nil
		case <-ticker.C:
			c.mu.Lock()
			_, stillRunning := c.executors[jobID]
			c.mu.Unlock()
			if !stillRunning {
				return nil
			}
		}
	}
}
