// Package fleet implements the Fleet Manager (§4.7): the top-level facade
// owning the lifecycle state machine, every agent controller, the
// scheduler, and the query/streaming APIs the rest of the system (CLI,
// chat connectors, a dashboard) calls into.
package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"herdctl/internal/config"
	"herdctl/internal/controller"
	"herdctl/internal/eventbus"
	"herdctl/internal/herderrors"
	"herdctl/internal/logx"
	"herdctl/internal/model"
	"herdctl/internal/runner"
	"herdctl/internal/scheduler"
	"herdctl/internal/statestore"
)

// StopOptions customizes the graceful-shutdown window (§4.7 stop, §5
// Cancellation & timeouts).
type StopOptions struct {
	Timeout         time.Duration
	CancelOnTimeout bool
	CancelTimeout   time.Duration
}

// TriggerOptions mirrors the Fleet Manager's trigger() parameters (§4.7).
type TriggerOptions struct {
	Prompt                 string
	BypassConcurrencyLimit bool
	TriggerType            model.TriggerType
}

// CancelOptions mirrors cancelJob's {timeout} parameter.
type CancelOptions struct {
	Timeout time.Duration
}

// ForkOptions mirrors forkJob's {prompt?} parameter.
type ForkOptions struct {
	Prompt string
}

// Manager is the Fleet Manager facade (§4.7).
type Manager struct {
	configPath string
	stateDir   string
	log        *logx.Logger
	bus        *eventbus.Bus
	store      *statestore.Store
	registry   *runner.Registry
	nowFunc    func() time.Time

	mu          sync.RWMutex
	status      model.FleetStatus
	lastError   string
	fleetName   string
	controllers map[string]*controller.Controller // qualifiedName -> controller
	sched       *scheduler.Scheduler
}

// New constructs an uninitialized Manager. configPath is passed straight
// to the Config Loader (empty string triggers upward/cwd search);
// stateDir roots the State Store.
func New(configPath, stateDir string, bus *eventbus.Bus, log *logx.Logger, registry *runner.Registry, nowFunc func() time.Time) *Manager {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Manager{
		configPath:  configPath,
		stateDir:    stateDir,
		log:         log.With("fleet"),
		bus:         bus,
		registry:    registry,
		nowFunc:     nowFunc,
		status:      model.FleetUninitialized,
		controllers: make(map[string]*controller.Controller),
	}
}

// Status returns the manager's current lifecycle status.
func (m *Manager) Status() model.FleetStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s model.FleetStatus) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

func (m *Manager) checkOperable() error {
	m.mu.RLock()
	s := m.status
	m.mu.RUnlock()
	if s == model.FleetStopping || s == model.FleetStopped {
		return &herderrors.FleetManagerShutdownError{Timeout: false}
	}
	return nil
}

// Initialize runs the config loader, builds one controller per resolved
// agent, constructs the scheduler, and opens the state store (§4.7
// initialize). On any store, loader or scheduler error it sets status to
// error and returns the error; Initialize can be called again after the
// config is fixed.
func (m *Manager) Initialize(ctx context.Context) error {
	store, err := statestore.New(m.stateDir, m.log.With("store"))
	if err != nil {
		m.setStatus(model.FleetError)
		return err
	}
	m.store = store

	loader := config.NewLoader(m.log.With("config"))
	resolved, err := loader.Load(m.configPath)
	if err != nil {
		m.setStatus(model.FleetError)
		return err
	}

	sched := scheduler.New(m.log, m.bus, time.Second, m.nowFunc)

	controllers := make(map[string]*controller.Controller, len(resolved.Agents))
	for _, agent := range resolved.Agents {
		c := controller.New(agent, m.store, m.bus, m.log, m.registry, m.nowFunc)
		if err := sched.Register(c); err != nil {
			m.setStatus(model.FleetError)
			return err
		}
		controllers[agent.QualifiedName] = c
	}

	m.mu.Lock()
	m.fleetName = resolved.Name
	m.controllers = controllers
	m.sched = sched
	m.mu.Unlock()

	m.setStatus(model.FleetInitialized)
	return nil
}

// Start transitions to running and starts the scheduler (§4.7 start).
// Chat/web connectors are out of core scope (§6) and are started by an
// embedder after Start returns, against the same event bus.
func (m *Manager) Start(ctx context.Context) error {
	if m.Status() != model.FleetInitialized {
		return &herderrors.InvalidStateError{Operation: "start", CurrentState: string(m.Status())}
	}
	m.mu.RLock()
	sched := m.sched
	m.mu.RUnlock()

	sched.Start(ctx)
	m.setStatus(model.FleetRunning)
	return nil
}

// Stop transitions to stopping, stops the scheduler, waits for running jobs
// up to options.Timeout, optionally cancels and waits up to
// options.CancelTimeout more, then transitions to stopped (§4.7 stop).
func (m *Manager) Stop(ctx context.Context, options StopOptions) error {
	m.mu.Lock()
	if m.status == model.FleetStopped || m.status == model.FleetStopping {
		m.mu.Unlock()
		return nil
	}
	m.status = model.FleetStopping
	controllers := make([]*controller.Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		controllers = append(controllers, c)
	}
	sched := m.sched
	m.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}

	deadline := time.Now().Add(options.Timeout)
	for {
		if !anyRunning(controllers) {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	timedOut := anyRunning(controllers)
	if timedOut && options.CancelOnTimeout {
		m.cancelAllRunning(controllers, options.CancelTimeout)
		timedOut = anyRunning(controllers)
	}

	m.setStatus(model.FleetStopped)

	if timedOut {
		return &herderrors.FleetManagerShutdownError{Timeout: true}
	}
	return nil
}

func anyRunning(controllers []*controller.Controller) bool {
	for _, c := range controllers {
		if c.RunningCount() > 0 {
			return true
		}
	}
	return false
}

func (m *Manager) cancelAllRunning(controllers []*controller.Controller, timeout time.Duration) {
	var wg sync.WaitGroup
	for _, c := range controllers {
		if c.RunningCount() == 0 {
			continue
		}
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, _, err := m.store.ListJobs(statestore.JobFilter{Agent: c.Agent().QualifiedName, Status: model.JobRunning})
			if err != nil {
				return
			}
			for _, j := range jobs {
				_ = c.Cancel(j.ID, timeout)
			}
		}()
	}
	wg.Wait()
}

// Trigger looks up the agent controller for qualifiedName and delegates
// (§4.7 trigger).
func (m *Manager) Trigger(ctx context.Context, qualifiedName, scheduleName string, options TriggerOptions) (controller.TriggerResult, error) {
	if err := m.checkOperable(); err != nil {
		return controller.TriggerResult{}, err
	}
	c, err := m.controllerFor(qualifiedName)
	if err != nil {
		return controller.TriggerResult{}, err
	}
	return c.Trigger(ctx, scheduleName, controller.TriggerOptions{
		Prompt:                 options.Prompt,
		BypassConcurrencyLimit: options.BypassConcurrencyLimit,
		TriggerType:            options.TriggerType,
	})
}

// CancelJob locates the controller owning jobId's agent and delegates
// (§4.7 cancelJob).
func (m *Manager) CancelJob(ctx context.Context, jobID string, options CancelOptions) error {
	if err := m.checkOperable(); err != nil {
		return err
	}
	job, err := m.store.ReadJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return &herderrors.JobNotFoundError{JobID: jobID}
	}
	c, err := m.controllerFor(job.Agent)
	if err != nil {
		return &herderrors.JobCancelError{JobID: jobID, Reason: "agent no longer resolved: " + err.Error()}
	}
	return c.Cancel(jobID, options.Timeout)
}

// ForkJob inherits the parent job's session id and prompt (unless
// overridden) and triggers a new job with triggerType=fork (§4.7 forkJob).
func (m *Manager) ForkJob(ctx context.Context, jobID string, options ForkOptions) (controller.TriggerResult, error) {
	if err := m.checkOperable(); err != nil {
		return controller.TriggerResult{}, err
	}
	job, err := m.store.ReadJob(jobID)
	if err != nil {
		return controller.TriggerResult{}, &herderrors.JobForkError{OriginalJobID: jobID, Reason: err.Error()}
	}
	if job == nil {
		return controller.TriggerResult{}, &herderrors.JobForkError{OriginalJobID: jobID, Reason: "job not found"}
	}

	c, err := m.controllerFor(job.Agent)
	if err != nil {
		return controller.TriggerResult{}, &herderrors.JobForkError{OriginalJobID: jobID, Reason: "agent no longer resolved: " + err.Error()}
	}

	prompt := options.Prompt
	if prompt == "" {
		prompt = job.Prompt
	}

	return c.Trigger(ctx, "", controller.TriggerOptions{
		Prompt:          prompt,
		TriggerType:     model.TriggerFork,
		ForkedFrom:      jobID,
		ResumeSessionID: job.SessionID,
	})
}

// Reload re-runs the config loader and reconciles agents (§4.7 reload): new
// agents and existing agents with no running job get a fresh controller
// built from the new config. An existing agent with a running job keeps its
// old controller and its previous config; this reload does not apply the
// new config to it. Agents no longer in the config are dropped at once,
// without waiting: their in-flight jobs run on but are no longer reachable
// through the manager. Never reloads while stopping or stopped.
func (m *Manager) Reload(ctx context.Context) error {
	s := m.Status()
	if s == model.FleetStopping || s == model.FleetStopped {
		return &herderrors.InvalidStateError{Operation: "reload", CurrentState: string(s)}
	}

	loader := config.NewLoader(m.log.With("config"))
	resolved, err := loader.Load(m.configPath)
	if err != nil {
		return err
	}

	sched := scheduler.New(m.log, m.bus, time.Second, m.nowFunc)
	next := make(map[string]*controller.Controller, len(resolved.Agents))

	m.mu.Lock()
	existing := m.controllers
	m.mu.Unlock()

	for _, agent := range resolved.Agents {
		if old, ok := existing[agent.QualifiedName]; ok && old.RunningCount() > 0 {
			// Keep the existing controller, with its previous agent config,
			// while it has a running job; New() below is only reached for
			// agents not currently running.
			next[agent.QualifiedName] = old
			if regErr := sched.Register(old); regErr != nil {
				return regErr
			}
			continue
		}
		c := controller.New(agent, m.store, m.bus, m.log, m.registry, m.nowFunc)
		if regErr := sched.Register(c); regErr != nil {
			return regErr
		}
		next[agent.QualifiedName] = c
	}

	m.mu.Lock()
	oldSched := m.sched
	m.fleetName = resolved.Name
	m.controllers = next
	m.sched = sched
	m.mu.Unlock()

	if oldSched != nil {
		oldSched.Stop()
	}
	if m.Status() == model.FleetRunning {
		sched.Start(ctx)
	}
	return nil
}

func (m *Manager) controllerFor(qualifiedName string) (*controller.Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.controllers[qualifiedName]
	if !ok {
		available := make([]string, 0, len(m.controllers))
		for name := range m.controllers {
			available = append(available, name)
		}
		sort.Strings(available)
		return nil, &herderrors.AgentNotFoundError{Name: qualifiedName, Available: available}
	}
	return c, nil
}

// GetFleetStatus returns the aggregate snapshot described in §3 Fleet
// state.
func (m *Manager) GetFleetStatus() model.FleetState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := model.FleetState{
		Status:    m.status,
		LastError: m.lastError,
		Timestamp: m.nowFunc(),
	}
	for _, c := range m.controllers {
		state.TotalAgents++
		running := c.RunningCount()
		state.RunningJobs += running
		if running > 0 {
			state.RunningAgents++
		} else {
			state.IdleAgents++
		}
		for _, s := range c.Schedules() {
			state.TotalSchedules++
			if s.Status == model.ScheduleRunning {
				state.RunningSchedules++
			}
		}
	}
	return state
}

// AgentInfo is one agent's status snapshot for getAgentInfo[ByName].
type AgentInfo struct {
	Agent        model.Agent
	RunningCount int
	Schedules    []model.Schedule
}

// GetAgentInfo returns a status snapshot for every resolved agent, ordered
// by qualified name.
func (m *Manager) GetAgentInfo() []AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentInfo, 0, len(m.controllers))
	for _, c := range m.controllers {
		out = append(out, AgentInfo{Agent: c.Agent(), RunningCount: c.RunningCount(), Schedules: c.Schedules()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent.QualifiedName < out[j].Agent.QualifiedName })
	return out
}

// GetAgentInfoByName returns one agent's snapshot, or AgentNotFoundError.
func (m *Manager) GetAgentInfoByName(qualifiedName string) (AgentInfo, error) {
	c, err := m.controllerFor(qualifiedName)
	if err != nil {
		return AgentInfo{}, err
	}
	return AgentInfo{Agent: c.Agent(), RunningCount: c.RunningCount(), Schedules: c.Schedules()}, nil
}

// GetSchedules returns every schedule across every agent, ordered by
// agent qualified name then schedule name.
func (m *Manager) GetSchedules() []model.Schedule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Schedule
	names := make([]string, 0, len(m.controllers))
	for name := range m.controllers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, m.controllers[name].Schedules()...)
	}
	return out
}

// EnableSchedule and DisableSchedule mutate a schedule's enabled flag
// in place (§4.5 enable/disable schedule).
func (m *Manager) EnableSchedule(qualifiedName, scheduleName string) error {
	c, err := m.controllerFor(qualifiedName)
	if err != nil {
		return err
	}
	return c.SetScheduleEnabled(scheduleName, true)
}

func (m *Manager) DisableSchedule(qualifiedName, scheduleName string) error {
	c, err := m.controllerFor(qualifiedName)
	if err != nil {
		return err
	}
	return c.SetScheduleEnabled(scheduleName, false)
}

// Store exposes the underlying state store for read-heavy query paths
// (job listing, log streaming) that don't belong on the controller.
func (m *Manager) Store() *statestore.Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store
}

// Bus exposes the event bus for streamLogs/streamJobOutput subscribers.
func (m *Manager) Bus() *eventbus.Bus {
	return m.bus
}
