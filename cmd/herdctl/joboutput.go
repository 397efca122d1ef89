package main

import (
	"encoding/json"
	"net/http"

	"herdctl/internal/eventbus"
	"herdctl/internal/fleet"
	"herdctl/internal/model"
)

// jobOutputHandler implements the replay-then-subscribe shape SPEC_FULL.md
// §4.7/§4.8 names for streamJobOutput: every already-written line is sent
// first, then the handler tails live job:output events for the same job id
// until the client disconnects or the subscription closes. It does not
// watch for the job reaching a terminal state, so a stream opened on a
// still-running job stays open after that job finishes.
func jobOutputHandler(f *fleet.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("id")
		if jobID == "" {
			http.Error(w, "missing job id", http.StatusBadRequest)
			return
		}

		job, err := f.Store().ReadJob(jobID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		flusher, canFlush := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)

		enc := json.NewEncoder(w)

		history, err := f.Store().ReadOutputAll(jobID, true)
		if err != nil {
			return
		}
		for _, msg := range history {
			if err := enc.Encode(msg); err != nil {
				return
			}
		}
		if canFlush {
			flusher.Flush()
		}

		if job.Status != model.JobPending && job.Status != model.JobRunning {
			// Terminal already: nothing left to tail.
			return
		}

		sub := f.Bus().SubscribeJobOutput()
		defer sub.Unsubscribe()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-sub.Events():
				if !ok {
					return
				}
				if payload.JobID != jobID {
					continue
				}
				if err := enc.Encode(jobOutputLine(payload)); err != nil {
					return
				}
				if canFlush {
					flusher.Flush()
				}
			}
		}
	}
}

func jobOutputLine(p eventbus.JobOutputPayload) map[string]any {
	return map[string]any{
		"jobId":     p.JobID,
		"agentName": p.AgentName,
		"output":    p.Output,
		"stream":    p.Stream,
		"timestamp": p.Timestamp,
	}
}
