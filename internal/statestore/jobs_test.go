package statestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herdctl/internal/logx"
	"herdctl/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), logx.New("test"))
	require.NoError(t, err)
	return s
}

func TestWriteReadJobRoundTrip(t *testing.T) {
	s := newTestStore(t)

	job := model.Job{
		ID:        "job-2026-07-31-abc123",
		Agent:     "fleet.worker",
		Status:    model.JobRunning,
		StartedAt: time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.WriteJob(job))

	got, err := s.ReadJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.Agent, got.Agent)
	assert.Equal(t, job.Status, got.Status)
}

func TestReadJobMissingReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ReadJob("job-does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWriteJobComputesDurationFromTimestamps(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	finish := start.Add(90 * time.Second)

	job := model.Job{ID: "job-2026-07-31-dur001", Agent: "a", Status: model.JobCompleted, StartedAt: start, FinishedAt: finish}
	require.NoError(t, s.WriteJob(job))

	got, err := s.ReadJob(job.ID)
	require.NoError(t, err)
	assert.InDelta(t, 90.0, got.DurationSeconds, 0.001)
}

func TestListJobsFiltersAndSortsDescending(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	jobs := []model.Job{
		{ID: "job-2026-07-31-aaaaaa", Agent: "fleet.a", Status: model.JobCompleted, StartedAt: base},
		{ID: "job-2026-07-31-bbbbbb", Agent: "fleet.a", Status: model.JobFailed, StartedAt: base.Add(time.Hour)},
		{ID: "job-2026-07-31-cccccc", Agent: "fleet.b", Status: model.JobCompleted, StartedAt: base.Add(2 * time.Hour)},
	}
	for _, j := range jobs {
		require.NoError(t, s.WriteJob(j))
	}

	all, errCount, err := s.ListJobs(JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, errCount)
	require.Len(t, all, 3)
	assert.Equal(t, "job-2026-07-31-cccccc", all[0].ID, "most recently started job first")
	assert.Equal(t, "job-2026-07-31-aaaaaa", all[2].ID)

	onlyA, _, err := s.ListJobs(JobFilter{Agent: "fleet.a"})
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	onlyCompleted, _, err := s.ListJobs(JobFilter{Status: model.JobCompleted})
	require.NoError(t, err)
	assert.Len(t, onlyCompleted, 2)
}

func TestAppendAndReadOutputPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	jobID := "job-2026-07-31-out0001"

	require.NoError(t, s.AppendOutput(jobID, model.OutputMessage{Variant: model.MessageSystem}))
	require.NoError(t, s.AppendOutput(jobID, model.OutputMessage{Variant: model.MessageAssistant}))

	msgs, err := s.ReadOutputAll(jobID, false)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.MessageSystem, msgs[0].Variant)
	assert.Equal(t, model.MessageAssistant, msgs[1].Variant)
}

func TestAppendOutputBatchRejectsMissingVariant(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendOutputBatch("job-2026-07-31-bad0001", []model.OutputMessage{{}})
	require.Error(t, err)
}

func TestNewJobIDHasExpectedShape(t *testing.T) {
	s := newTestStore(t)
	id, err := s.NewJobID(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Regexp(t, `^job-2026-07-31-[a-z0-9]{6}$`, id)
}
