package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herdctl/internal/eventbus"
	"herdctl/internal/herderrors"
	"herdctl/internal/logx"
	"herdctl/internal/model"
	"herdctl/internal/runner"
	"herdctl/internal/statestore"
)

// blockingRunner holds every started request open until release is
// closed, letting tests observe a controller with jobs genuinely in
// flight.
type blockingRunner struct {
	release chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, req runner.Request) (<-chan model.OutputMessage, error) {
	out := make(chan model.OutputMessage)
	go func() {
		defer close(out)
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func newTestController(t *testing.T, agent model.Agent, backend runner.Runner) (*Controller, *statestore.Store) {
	t.Helper()
	store, err := statestore.New(t.TempDir(), logx.New("test"))
	require.NoError(t, err)
	bus := eventbus.New(logx.New("test"))
	registry := runner.NewRegistry(map[string]runner.Runner{"fake": backend})
	agent.RunnerBackend = "fake"
	c := New(agent, store, bus, logx.New("test"), registry, time.Now)
	return c, store
}

func TestTriggerReturnsSynchronouslyOncePending(t *testing.T) {
	backend := &blockingRunner{release: make(chan struct{})}
	defer close(backend.release)

	agent := model.Agent{Name: "w", QualifiedName: "fleet.w", MaxConcurrent: 2}
	c, store := newTestController(t, agent, backend)

	result, err := c.Trigger(context.Background(), "", TriggerOptions{Prompt: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.JobID)
	assert.Equal(t, "fleet.w", result.AgentName)

	job, err := store.ReadJob(result.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	// The executor moves the record from pending to running concurrently
	// with Trigger returning, so either non-terminal status may be seen.
	assert.Contains(t, []model.JobStatus{model.JobPending, model.JobRunning}, job.Status)
}

func TestConcurrencyLimitRejectsOverCapacity(t *testing.T) {
	backend := &blockingRunner{release: make(chan struct{})}
	defer close(backend.release)

	agent := model.Agent{Name: "w", QualifiedName: "fleet.w", MaxConcurrent: 1}
	c, _ := newTestController(t, agent, backend)

	_, err := c.Trigger(context.Background(), "", TriggerOptions{})
	require.NoError(t, err)

	_, err = c.Trigger(context.Background(), "", TriggerOptions{})
	require.Error(t, err)
	var limitErr *herderrors.ConcurrencyLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 1, limitErr.CurrentJobs)
}

func TestBypassConcurrencyLimitAdmitsExtraTrigger(t *testing.T) {
	backend := &blockingRunner{release: make(chan struct{})}
	defer close(backend.release)

	agent := model.Agent{Name: "w", QualifiedName: "fleet.w", MaxConcurrent: 1}
	c, _ := newTestController(t, agent, backend)

	_, err := c.Trigger(context.Background(), "", TriggerOptions{})
	require.NoError(t, err)

	_, err = c.Trigger(context.Background(), "", TriggerOptions{BypassConcurrencyLimit: true})
	require.NoError(t, err)

	assert.Equal(t, 2, c.RunningCount())
}

func TestTriggerUnknownScheduleReturnsNotFound(t *testing.T) {
	backend := &blockingRunner{release: make(chan struct{})}
	defer close(backend.release)

	agent := model.Agent{Name: "w", QualifiedName: "fleet.w", MaxConcurrent: 1}
	c, _ := newTestController(t, agent, backend)

	_, err := c.Trigger(context.Background(), "missing", TriggerOptions{})
	require.Error(t, err)
	var notFound *herderrors.ScheduleNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRunningCountReleasedAfterJobFinishes(t *testing.T) {
	backend := &blockingRunner{release: make(chan struct{})}

	agent := model.Agent{Name: "w", QualifiedName: "fleet.w", MaxConcurrent: 1}
	c, _ := newTestController(t, agent, backend)

	_, err := c.Trigger(context.Background(), "", TriggerOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, c.RunningCount())

	close(backend.release)

	require.Eventually(t, func() bool { return c.RunningCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulesPreserveDeclarationOrder(t *testing.T) {
	backend := &blockingRunner{release: make(chan struct{})}
	defer close(backend.release)

	agent := model.Agent{
		Name:          "w",
		QualifiedName: "fleet.w",
		MaxConcurrent: 1,
		Schedules: []model.Schedule{
			{Name: "zzz-last-alphabetically", Type: model.ScheduleInterval, Expression: "1h", Enabled: true},
			{Name: "aaa-first-alphabetically", Type: model.ScheduleInterval, Expression: "1h", Enabled: true},
		},
	}
	c, _ := newTestController(t, agent, backend)

	scheds := c.Schedules()
	require.Len(t, scheds, 2)
	assert.Equal(t, "zzz-last-alphabetically", scheds[0].Name)
	assert.Equal(t, "aaa-first-alphabetically", scheds[1].Name)
}
