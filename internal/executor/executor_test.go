package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herdctl/internal/eventbus"
	"herdctl/internal/logx"
	"herdctl/internal/model"
	"herdctl/internal/runner"
	"herdctl/internal/statestore"
)

// fakeRunner replays a fixed message sequence (or returns a fixed error)
// regardless of the request, letting tests drive Executor.Run without a
// network-backed SDK.
type fakeRunner struct {
	messages []model.OutputMessage
	startErr error
	blockCh  chan struct{} // if set, Run blocks sending until this channel is closed
}

func (f *fakeRunner) Run(ctx context.Context, req runner.Request) (<-chan model.OutputMessage, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	out := make(chan model.OutputMessage)
	go func() {
		defer close(out)
		for _, m := range f.messages {
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
		if f.blockCh != nil {
			select {
			case <-f.blockCh:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func newTestEnv(t *testing.T) (*statestore.Store, *eventbus.Bus) {
	t.Helper()
	store, err := statestore.New(t.TempDir(), logx.New("test"))
	require.NoError(t, err)
	return store, eventbus.New(logx.New("test"))
}

func testAgent() model.Agent {
	return model.Agent{Name: "worker", QualifiedName: "fleet.worker", Model: "claude-sonnet-4"}
}

func TestRunCompletesSuccessfully(t *testing.T) {
	store, bus := newTestEnv(t)
	r := &fakeRunner{messages: []model.OutputMessage{
		{Variant: model.MessageAssistant, Content: "all done"},
	}}
	exec := New(store, bus, logx.New("test"), r)

	var pendingJobID string
	job, err := exec.Run(context.Background(), testAgent(), runner.Request{Prompt: "go"}, model.TriggerManual, "", "", time.Now, func(j model.Job) {
		pendingJobID = j.ID
		assert.Equal(t, model.JobPending, j.Status)
	})

	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, "success", job.ExitReason)
	assert.Equal(t, "all done", job.Summary)
	assert.Equal(t, pendingJobID, job.ID)

	stored, err := store.ReadJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored.Status)
}

func TestRunPropagatesRunnerError(t *testing.T) {
	store, bus := newTestEnv(t)
	r := &fakeRunner{messages: []model.OutputMessage{
		{Variant: model.MessageError, ErrorKind: "tool_failure", ErrorMessage: "boom"},
	}}
	exec := New(store, bus, logx.New("test"), r)

	job, err := exec.Run(context.Background(), testAgent(), runner.Request{Prompt: "go"}, model.TriggerManual, "", "", time.Now, nil)

	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
}

func TestRunFailsToStartMarksJobFailed(t *testing.T) {
	store, bus := newTestEnv(t)
	r := &fakeRunner{startErr: assertError("sdk unavailable")}
	exec := New(store, bus, logx.New("test"), r)

	job, err := exec.Run(context.Background(), testAgent(), runner.Request{Prompt: "go"}, model.TriggerManual, "", "", time.Now, nil)

	require.Error(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
}

func TestCancelTransitionsJobToCancelled(t *testing.T) {
	store, bus := newTestEnv(t)
	block := make(chan struct{})
	r := &fakeRunner{
		messages: []model.OutputMessage{{Variant: model.MessageAssistant, Content: "working"}},
		blockCh:  block,
	}
	exec := New(store, bus, logx.New("test"), r)

	done := make(chan model.Job, 1)
	go func() {
		job, _ := exec.Run(context.Background(), testAgent(), runner.Request{Prompt: "go"}, model.TriggerManual, "", "", time.Now, nil)
		done <- job
	}()

	time.Sleep(50 * time.Millisecond)
	exec.Cancel()
	close(block)

	select {
	case job := <-done:
		assert.Equal(t, model.JobCancelled, job.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
}

func TestRunUpdatesContextPercentFromUsage(t *testing.T) {
	store, bus := newTestEnv(t)
	r := &fakeRunner{messages: []model.OutputMessage{
		{Variant: model.MessageAssistant, Content: "partial", Subtype: "usage", UsageInputTokens: 100000, UsageOutputTokens: 0},
		{Variant: model.MessageAssistant, Content: "final"},
	}}
	exec := New(store, bus, logx.New("test"), r)

	job, err := exec.Run(context.Background(), testAgent(), runner.Request{Prompt: "go"}, model.TriggerManual, "", "", time.Now, nil)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, job.ContextPercent, 0.01, "claude context window is approximated at 200000 tokens")
}

// TestRunReportsDurationOnCompletedJobAndEvent pins StartedAt/FinishedAt to
// a known 5s gap via a fake clock and checks that both the persisted job
// and the job:completed event payload carry that duration — not just the
// copy WriteJob computes internally for its own marshaled bytes.
func TestRunReportsDurationOnCompletedJobAndEvent(t *testing.T) {
	store, bus := newTestEnv(t)
	r := &fakeRunner{messages: []model.OutputMessage{
		{Variant: model.MessageAssistant, Content: "all done"},
	}}
	exec := New(store, bus, logx.New("test"), r)

	sub := bus.SubscribeJobCompleted()
	defer sub.Unsubscribe()

	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	calls := 0
	fakeNow := func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(5300 * time.Millisecond)
	}

	job, err := exec.Run(context.Background(), testAgent(), runner.Request{Prompt: "go"}, model.TriggerManual, "", "", fakeNow, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 5.0, job.DurationSeconds, "5.3s rounds to the nearest whole second")

	select {
	case payload := <-sub.Events():
		assert.Equal(t, 5.0, payload.DurationSeconds)
		assert.Equal(t, 5.0, payload.Job.DurationSeconds)
	case <-time.After(time.Second):
		t.Fatal("job:completed event was not published")
	}

	stored, err := store.ReadJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 5.0, stored.DurationSeconds)
}

type assertError string

func (e assertError) Error() string { return string(e) }
