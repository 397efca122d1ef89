package statestore

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"herdctl/internal/herderrors"
	"herdctl/internal/logx"
	"herdctl/internal/model"
)

// Store is rooted at stateDir and owns the jobs/, sessions/, and
// <platform>-sessions/ subtrees plus herdctl.pid (§4.2 Files).
type Store struct {
	baseDir string
	log     *logx.Logger
}

// New constructs a Store rooted at baseDir, creating the directory tree if
// needed.
func New(baseDir string, log *logx.Logger) (*Store, error) {
	s := &Store{baseDir: baseDir, log: log}
	for _, sub := range []string{"jobs"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			return nil, &herderrors.StateFileError{StorageKind: herderrors.KindStateDirectoryCreate, Path: sub, Cause: err}
		}
	}
	return s, nil
}

const jobIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewJobID generates `job-YYYY-MM-DD-<6 lowercase alnum>`, retrying on
// collision against the jobs directory (§3 Job).
func (s *Store) NewJobID(now time.Time) (string, error) {
	date := now.UTC().Format("2006-01-02")
	for attempt := 0; attempt < 20; attempt++ {
		suffix, err := randomAlnum(6)
		if err != nil {
			return "", err
		}
		id := fmt.Sprintf("job-%s-%s", date, suffix)
		if _, err := os.Stat(s.jobMetaPath(id)); os.IsNotExist(err) {
			return id, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique job id after retries")
}

func randomAlnum(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(jobIDAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = jobIDAlphabet[idx.Int64()]
	}
	return string(out), nil
}

func (s *Store) jobMetaPath(jobID string) string {
	return filepath.Join(s.baseDir, "jobs", jobID+".yaml")
}

func (s *Store) jobOutputPath(jobID string) string {
	return filepath.Join(s.baseDir, "jobs", jobID+".jsonl")
}

// WriteJob atomically writes job metadata, auto-computing DurationSeconds
// from FinishedAt/StartedAt if the caller omitted it and the job is
// terminal (§4.2 Invariants).
func (s *Store) WriteJob(job model.Job) error {
	if !job.FinishedAt.IsZero() && job.DurationSeconds == 0 {
		job.DurationSeconds = math.Round(job.FinishedAt.Sub(job.StartedAt).Seconds())
	}
	data, err := yaml.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return AtomicWrite(s.jobMetaPath(job.ID), data, 0o644)
}

// ReadJob reads one job's metadata. On parse/schema failure it returns
// (nil, nil) and logs a warning — the file is treated as missing for
// listing purposes (§4.2 Readers).
func (s *Store) ReadJob(jobID string) (*model.Job, error) {
	data, err := os.ReadFile(s.jobMetaPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &herderrors.StateFileError{StorageKind: herderrors.KindStateFileRead, Path: s.jobMetaPath(jobID), Cause: err}
	}
	var job model.Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		s.log.Warn("job metadata %s is malformed, treating as missing: %v", jobID, err)
		return nil, nil
	}
	return &job, nil
}

// JobFilter narrows ListJobs' results (§4.2 Readers).
type JobFilter struct {
	Agent         string
	Status        model.JobStatus
	StartedAfter  time.Time
	StartedBefore time.Time
}

func (f JobFilter) matches(j model.Job) bool {
	if f.Agent != "" && j.Agent != f.Agent {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if !f.StartedAfter.IsZero() && j.StartedAt.Before(f.StartedAfter) {
		return false
	}
	if !f.StartedBefore.IsZero() && j.StartedAt.After(f.StartedBefore) {
		return false
	}
	return true
}

var jobIDPattern = `job-`

// ListJobs scans jobs/*.yaml (ignoring other files and malformed
// job-*.yaml names), applies filters, and sorts by startedAt descending
// (§4.2 Readers, §8 invariant).
func (s *Store) ListJobs(filter JobFilter) (jobs []model.Job, errorCount int, err error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "jobs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, &herderrors.StateFileError{StorageKind: herderrors.KindStateFileRead, Path: "jobs", Cause: err}
	}

	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") || !strings.HasPrefix(name, jobIDPattern) {
			continue
		}
		jobID := strings.TrimSuffix(name, ".yaml")
		job, rerr := s.ReadJob(jobID)
		if rerr != nil {
			errorCount++
			continue
		}
		if job == nil {
			errorCount++
			continue
		}
		if filter.matches(*job) {
			jobs = append(jobs, *job)
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs, errorCount, nil
}

// AppendOutput appends one message to the job's output log, flushing before
// returning — there is no in-process buffering (§4.2 Append log).
func (s *Store) AppendOutput(jobID string, msg model.OutputMessage) error {
	return s.AppendOutputBatch(jobID, []model.OutputMessage{msg})
}

// AppendOutputBatch validates every message in the batch before writing any
// of them (all-or-nothing), stamping them all with the same timestamp if
// the caller left Timestamp zero (§4.2 Append log).
func (s *Store) AppendOutputBatch(jobID string, msgs []model.OutputMessage) error {
	now := time.Now().UTC()
	for i, m := range msgs {
		if m.Variant == "" {
			return fmt.Errorf("invalid message at index %d: missing variant", i)
		}
	}

	f, err := os.OpenFile(s.jobOutputPath(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &herderrors.StateFileError{StorageKind: herderrors.KindStateFileWrite, Path: s.jobOutputPath(jobID), Cause: err}
	}
	defer f.Close()

	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		line, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal output message: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return &herderrors.StateFileError{StorageKind: herderrors.KindStateFileWrite, Path: s.jobOutputPath(jobID), Cause: err}
		}
	}
	if err := f.Sync(); err != nil {
		return &herderrors.StateFileError{StorageKind: herderrors.KindStateFileWrite, Path: s.jobOutputPath(jobID), Cause: err}
	}
	return nil
}

// ReadOutputAll reads the entire output log in production order. By
// default a malformed line raises StateFileError; skipInvalidLines logs and
// continues instead (§4.2 Readers).
func (s *Store) ReadOutputAll(jobID string, skipInvalidLines bool) ([]model.OutputMessage, error) {
	f, err := os.Open(s.jobOutputPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &herderrors.StateFileError{StorageKind: herderrors.KindStateFileRead, Path: s.jobOutputPath(jobID), Cause: err}
	}
	defer f.Close()

	var out []model.OutputMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg model.OutputMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			if skipInvalidLines {
				s.log.Warn("skipping malformed output line in %s: %v", jobID, err)
				continue
			}
			return nil, &herderrors.StateFileError{StorageKind: herderrors.KindStateFileRead, Path: s.jobOutputPath(jobID), Cause: err}
		}
		out = append(out, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, &herderrors.StateFileError{StorageKind: herderrors.KindStateFileRead, Path: s.jobOutputPath(jobID), Cause: err}
	}
	return out, nil
}

// OutputPath exposes the log file path for the log-stream file watcher.
func (s *Store) OutputPath(jobID string) string {
	return s.jobOutputPath(jobID)
}

// WritePID atomically writes the running fleet's process id to
// herdctl.pid.
func (s *Store) WritePID(pid int) error {
	return AtomicWrite(filepath.Join(s.baseDir, "herdctl.pid"), []byte(fmt.Sprintf("%d\n", pid)), 0o644)
}
