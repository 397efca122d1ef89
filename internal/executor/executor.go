// Package executor implements the Job Executor (§4.4): drives one runner
// stream from pending through to a terminal job status, writing every
// message to the per-job output log and publishing it to the event bus as
// it goes.
package executor

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"herdctl/internal/contextpct"
	"herdctl/internal/eventbus"
	"herdctl/internal/logx"
	"herdctl/internal/model"
	"herdctl/internal/runner"
	"herdctl/internal/statestore"
)

// Executor drives a single job from pending to a terminal state.
type Executor struct {
	store  *statestore.Store
	bus    *eventbus.Bus
	log    *logx.Logger
	runner runner.Runner

	mu        sync.Mutex
	cancelled bool
	cancelFn  context.CancelFunc
}

// New constructs an Executor for one job run.
func New(store *statestore.Store, bus *eventbus.Bus, log *logx.Logger, r runner.Runner) *Executor {
	return &Executor{store: store, bus: bus, log: log, runner: r}
}

// Run executes req against agent, writing state and publishing events
// until the job reaches a terminal status. It returns the final job
// record. Cancel may be called concurrently to request early stop.
//
// onPending, if non-nil, is invoked synchronously with the job record the
// moment it has been written in status pending — before the runner is
// started — so a caller blocked on Run in a goroutine can learn the job id
// as soon as it exists (§4.5: "return {jobId, ...} synchronously as soon as
// the job record exists").
func (e *Executor) Run(ctx context.Context, agent model.Agent, req runner.Request, triggerType model.TriggerType, scheduleName, forkedFrom string, now func() time.Time, onPending func(model.Job)) (model.Job, error) {
	start := now()
	jobID, err := e.store.NewJobID(start)
	if err != nil {
		return model.Job{}, err
	}

	job := model.Job{
		ID:          jobID,
		Agent:       agent.QualifiedName,
		Schedule:    scheduleName,
		TriggerType: triggerType,
		ForkedFrom:  forkedFrom,
		Status:      model.JobPending,
		StartedAt:   start,
		Prompt:      req.Prompt,
		OutputFile:  e.store.OutputPath(jobID),
	}
	if err := e.store.WriteJob(job); err != nil {
		return job, err
	}
	if onPending != nil {
		onPending(job)
	}

	e.bus.PublishJobCreated(eventbus.JobCreatedPayload{Job: job})

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelFn = cancel
	e.mu.Unlock()
	defer cancel()

	job.Status = model.JobRunning
	if err := e.store.WriteJob(job); err != nil {
		return job, err
	}

	stream, err := e.runner.Run(runCtx, req)
	if err != nil {
		job.Status = model.JobFailed
		job.ExitReason = "error"
		job.FinishedAt = now()
		_ = e.store.WriteJob(job)
		e.bus.PublishJobFailed(eventbus.JobFailedPayload{Job: job, Error: eventbus.EventError{Kind: "sdk_initialization", Message: err.Error()}})
		return job, err
	}

	estimator := contextpct.NewEstimator(agent.Model, maxContextTokensFor(agent.Model))

	var lastAssistant string
	var lastError *eventbus.EventError
	cancelledByCaller := false

	for msg := range stream {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now()
		}

		if err := e.store.AppendOutput(jobID, msg); err != nil {
			e.log.Warn("append output for job %s: %v", jobID, err)
		}
		e.bus.PublishJobOutput(eventbus.JobOutputPayload{
			JobID:     jobID,
			AgentName: agent.QualifiedName,
			Output:    msg.Content,
			Stream:    eventbus.StreamStdout,
			Timestamp: msg.Timestamp,
		})

		switch msg.Variant {
		case model.MessageSystem:
			if msg.Subtype == "session_start" && msg.SessionID != "" {
				job.SessionID = msg.SessionID
				if err := e.store.WriteJob(job); err != nil {
					e.log.Warn("persist session id for job %s: %v", jobID, err)
				}
				if err := e.store.WriteLegacySession(agent.Name, statestore.LegacySessionPointer{
					SessionID:     msg.SessionID,
					LastMessageAt: msg.Timestamp,
				}); err != nil {
					e.log.Warn("persist legacy session for agent %s: %v", agent.Name, err)
				}
			}
		case model.MessageAssistant:
			lastAssistant = msg.Content
		case model.MessageError:
			lastError = &eventbus.EventError{Kind: msg.ErrorKind, Message: msg.ErrorMessage}
		}

		if msg.Subtype == "usage" && (msg.UsageInputTokens != 0 || msg.UsageOutputTokens != 0) {
			job.ContextPercent = estimator.Percent(msg.UsageInputTokens + msg.UsageOutputTokens)
		}

		e.mu.Lock()
		cancelledNow := e.cancelled
		e.mu.Unlock()
		if cancelledNow {
			cancelledByCaller = true
			break
		}
	}

	// A runner closes its stream when the run context is cancelled, so a
	// cancel that lands while no message is pending ends the loop here.
	e.mu.Lock()
	if e.cancelled {
		cancelledByCaller = true
	}
	e.mu.Unlock()

	job.FinishedAt = now()
	// Computed here, on the caller's own job variable, rather than left to
	// WriteJob's fallback: WriteJob takes job by value, so a value it
	// derives only on its own copy never makes it back into the
	// PublishJobCompleted payload below (§8's durationSeconds =
	// round((finishedAt-startedAt)/1s)).
	job.DurationSeconds = math.Round(job.FinishedAt.Sub(job.StartedAt).Seconds())

	switch {
	case cancelledByCaller:
		_ = e.store.AppendOutput(jobID, model.OutputMessage{
			Variant:   model.MessageSystem,
			Subtype:   "cancelled",
			Timestamp: job.FinishedAt,
		})
		job.Status = model.JobCancelled
		job.ExitReason = "cancelled"
		_ = e.store.WriteJob(job)
		e.bus.PublishJobCancelled(eventbus.JobCancelledPayload{Job: job, Reason: "cancelled by caller"})
	case lastError != nil:
		job.Status = model.JobFailed
		job.ExitReason = "error"
		_ = e.store.WriteJob(job)
		e.bus.PublishJobFailed(eventbus.JobFailedPayload{Job: job, Error: *lastError})
	default:
		job.Status = model.JobCompleted
		job.ExitReason = "success"
		job.Summary = lastAssistant
		_ = e.store.WriteJob(job)
		e.bus.PublishJobCompleted(eventbus.JobCompletedPayload{Job: job, DurationSeconds: job.DurationSeconds})
	}

	return job, nil
}

// maxContextTokensFor approximates the backend's context window from the
// model name, since none of the domain-stack SDKs expose this themselves.
// Used only to scale the contextpct estimate, not for any enforcement.
func maxContextTokensFor(modelName string) int {
	lower := strings.ToLower(modelName)
	switch {
	case strings.Contains(lower, "claude"):
		return 200000
	case strings.Contains(lower, "gemini"):
		return 1000000
	case strings.Contains(lower, "gpt"):
		return 128000
	default:
		return 128000
	}
}

// Cancel requests that Run stop draining the stream at the next message
// boundary (or when the runner closes the stream) and transition the job
// to cancelled.
func (e *Executor) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
	if e.cancelFn != nil {
		e.cancelFn()
	}
}
