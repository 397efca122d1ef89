// Package herderrors implements the error taxonomy described in the
// component designs' error handling sections: closed tagged variants with a
// Kind discriminator instead of an exception hierarchy, so callers can
// pattern-match with errors.As rather than string comparison.
package herderrors

import "fmt"

// Kind is the stable, machine-readable discriminator every herdctl error
// carries. Kinds are grouped by the taxonomy: Configuration, Operational,
// Execution, Shutdown, Storage.
type Kind string

const (
	KindConfigNotFound        Kind = "config_not_found"
	KindFileRead               Kind = "file_read"
	KindSchemaValidation       Kind = "schema_validation"
	KindInvalidFleetName       Kind = "invalid_fleet_name"
	KindFleetCycle             Kind = "fleet_cycle"
	KindFleetNameCollision     Kind = "fleet_name_collision"
	KindFleetLoad              Kind = "fleet_load"
	KindAgentLoad              Kind = "agent_load"
	KindInvalidCronExpression  Kind = "invalid_cron_expression"
	KindInvalidMemoryString    Kind = "invalid_memory_string"
	KindInvalidVolumeString    Kind = "invalid_volume_string"
	KindInvalidUserString      Kind = "invalid_user_string"

	KindAgentNotFound    Kind = "agent_not_found"
	KindJobNotFound      Kind = "job_not_found"
	KindScheduleNotFound Kind = "schedule_not_found"
	KindInvalidState     Kind = "invalid_state"
	KindConcurrencyLimit Kind = "concurrency_limit"

	KindJobCancel                Kind = "job_cancel"
	KindJobFork                  Kind = "job_fork"
	KindSDKInitialization        Kind = "sdk_initialization"
	KindSDKStreaming             Kind = "sdk_streaming"
	KindMalformedResponse        Kind = "malformed_response"

	KindFleetManagerShutdown Kind = "fleet_manager_shutdown"

	KindStateFileRead        Kind = "state_file_read"
	KindStateFileWrite       Kind = "state_file_write"
	KindStateDirectoryCreate Kind = "state_directory_create"
	KindAtomicWrite          Kind = "atomic_write"
)

// HerdError is implemented by every error variant in this package so
// generic code can recover the Kind without a type switch.
type HerdError interface {
	error
	Kind() Kind
}

// --- Configuration errors -------------------------------------------------

type ConfigNotFoundError struct {
	SearchedPaths []string
}

func (e *ConfigNotFoundError) Kind() Kind { return KindConfigNotFound }
func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("config not found, searched: %v", e.SearchedPaths)
}

type FileReadError struct {
	Path  string
	Cause error
}

func (e *FileReadError) Kind() Kind   { return KindFileRead }
func (e *FileReadError) Unwrap() error { return e.Cause }
func (e *FileReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Cause)
}

type SchemaValidationError struct {
	Path   string
	Issues []string
}

func (e *SchemaValidationError) Kind() Kind { return KindSchemaValidation }
func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed for %s: %v", e.Path, e.Issues)
}

type AgentLoadError struct {
	AgentPath string
	Cause     error
}

func (e *AgentLoadError) Kind() Kind   { return KindAgentLoad }
func (e *AgentLoadError) Unwrap() error { return e.Cause }
func (e *AgentLoadError) Error() string {
	return fmt.Sprintf("load agent %s: %v", e.AgentPath, e.Cause)
}

type FleetLoadError struct {
	FleetPath string
	Cause     error
}

func (e *FleetLoadError) Kind() Kind   { return KindFleetLoad }
func (e *FleetLoadError) Unwrap() error { return e.Cause }
func (e *FleetLoadError) Error() string {
	return fmt.Sprintf("load fleet %s: %v", e.FleetPath, e.Cause)
}

type FleetCycleError struct {
	Chain []string
}

func (e *FleetCycleError) Kind() Kind { return KindFleetCycle }
func (e *FleetCycleError) Error() string {
	return fmt.Sprintf("fleet cycle detected: %v", e.Chain)
}

type FleetNameCollisionError struct {
	Name        string
	FirstPath   string
	SecondPath  string
}

func (e *FleetNameCollisionError) Kind() Kind { return KindFleetNameCollision }
func (e *FleetNameCollisionError) Error() string {
	return fmt.Sprintf("fleet name %q collides between %s and %s", e.Name, e.FirstPath, e.SecondPath)
}

type InvalidFleetNameError struct {
	Name    string
	Pattern string
}

func (e *InvalidFleetNameError) Kind() Kind { return KindInvalidFleetName }
func (e *InvalidFleetNameError) Error() string {
	return fmt.Sprintf("invalid fleet name %q: must match %s", e.Name, e.Pattern)
}

type InvalidCronExpressionError struct {
	Expression string
	Field      string
	Cause      error
}

func (e *InvalidCronExpressionError) Kind() Kind   { return KindInvalidCronExpression }
func (e *InvalidCronExpressionError) Unwrap() error { return e.Cause }
func (e *InvalidCronExpressionError) Error() string {
	return fmt.Sprintf("invalid cron expression %q (field %s): %v", e.Expression, e.Field, e.Cause)
}

type InvalidMemoryStringError struct{ Value string }

func (e *InvalidMemoryStringError) Kind() Kind { return KindInvalidMemoryString }
func (e *InvalidMemoryStringError) Error() string {
	return fmt.Sprintf("invalid memory string %q", e.Value)
}

type InvalidVolumeStringError struct{ Value string }

func (e *InvalidVolumeStringError) Kind() Kind { return KindInvalidVolumeString }
func (e *InvalidVolumeStringError) Error() string {
	return fmt.Sprintf("invalid volume string %q", e.Value)
}

type InvalidUserStringError struct{ Value string }

func (e *InvalidUserStringError) Kind() Kind { return KindInvalidUserString }
func (e *InvalidUserStringError) Error() string {
	return fmt.Sprintf("invalid user string %q", e.Value)
}

// --- Operational errors ---------------------------------------------------

type AgentNotFoundError struct {
	Name      string
	Available []string
}

func (e *AgentNotFoundError) Kind() Kind { return KindAgentNotFound }
func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent %q not found (available: %v)", e.Name, e.Available)
}

type JobNotFoundError struct{ JobID string }

func (e *JobNotFoundError) Kind() Kind { return KindJobNotFound }
func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job %q not found", e.JobID)
}

type ScheduleNotFoundError struct {
	AgentName    string
	ScheduleName string
}

func (e *ScheduleNotFoundError) Kind() Kind { return KindScheduleNotFound }
func (e *ScheduleNotFoundError) Error() string {
	return fmt.Sprintf("schedule %q not found on agent %q", e.ScheduleName, e.AgentName)
}

type InvalidStateError struct {
	Operation    string
	CurrentState string
}

func (e *InvalidStateError) Kind() Kind { return KindInvalidState }
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("operation %q not allowed in state %q", e.Operation, e.CurrentState)
}

type ConcurrencyLimitError struct {
	AgentName  string
	CurrentJobs int
	Limit       int
}

func (e *ConcurrencyLimitError) Kind() Kind { return KindConcurrencyLimit }
func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("agent %q at concurrency limit: %d/%d running", e.AgentName, e.CurrentJobs, e.Limit)
}

// --- Execution errors ------------------------------------------------------

type JobCancelError struct {
	JobID  string
	Reason string
}

func (e *JobCancelError) Kind() Kind { return KindJobCancel }
func (e *JobCancelError) Error() string {
	return fmt.Sprintf("cancel job %q: %s", e.JobID, e.Reason)
}

type JobForkError struct {
	OriginalJobID string
	Reason        string
}

func (e *JobForkError) Kind() Kind { return KindJobFork }
func (e *JobForkError) Error() string {
	return fmt.Sprintf("fork job %q: %s", e.OriginalJobID, e.Reason)
}

// SDKInitializationError models a runner backend failing to start: missing
// credentials, network setup, etc.
type SDKInitializationError struct {
	Classification string // "missingApiKey" | "network"
	Cause          error
}

func (e *SDKInitializationError) Kind() Kind   { return KindSDKInitialization }
func (e *SDKInitializationError) Unwrap() error { return e.Cause }
func (e *SDKInitializationError) Error() string {
	return fmt.Sprintf("runner initialization failed (%s): %v", e.Classification, e.Cause)
}
func (e *SDKInitializationError) IsMissingAPIKey() bool { return e.Classification == "missingApiKey" }
func (e *SDKInitializationError) IsNetworkError() bool  { return e.Classification == "network" }

// SDKStreamingError models a failure mid-stream, carrying the recoverability
// flags callers need without parsing error strings.
type SDKStreamingError struct {
	IsRecoverable bool
	IsRateLimited bool
	Cause         error
}

func (e *SDKStreamingError) Kind() Kind   { return KindSDKStreaming }
func (e *SDKStreamingError) Unwrap() error { return e.Cause }
func (e *SDKStreamingError) Error() string {
	return fmt.Sprintf("runner streaming error (recoverable=%t, rateLimited=%t): %v", e.IsRecoverable, e.IsRateLimited, e.Cause)
}

type MalformedResponseError struct {
	Expected string
	Got      string
}

func (e *MalformedResponseError) Kind() Kind { return KindMalformedResponse }
func (e *MalformedResponseError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("malformed runner response: %s", e.Got)
	}
	return fmt.Sprintf("malformed runner response: expected %s, got %s", e.Expected, e.Got)
}

// --- Shutdown errors --------------------------------------------------------

type FleetManagerShutdownError struct {
	Timeout bool
	Cause   error
}

func (e *FleetManagerShutdownError) Kind() Kind    { return KindFleetManagerShutdown }
func (e *FleetManagerShutdownError) Unwrap() error  { return e.Cause }
func (e *FleetManagerShutdownError) IsTimeout() bool { return e.Timeout }
func (e *FleetManagerShutdownError) Error() string {
	if e.Timeout {
		return "fleet manager shutdown timed out"
	}
	return fmt.Sprintf("fleet manager shutdown failed: %v", e.Cause)
}

// --- Storage errors ----------------------------------------------------------

type StateFileError struct {
	StorageKind Kind // KindStateFileRead | KindStateFileWrite | KindStateDirectoryCreate
	Path        string
	Cause       error
}

func (e *StateFileError) Kind() Kind   { return e.StorageKind }
func (e *StateFileError) Unwrap() error { return e.Cause }
func (e *StateFileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.StorageKind, e.Path, e.Cause)
}

type AtomicWriteError struct {
	Path     string
	TempPath string
	Cause    error
}

func (e *AtomicWriteError) Kind() Kind   { return KindAtomicWrite }
func (e *AtomicWriteError) Unwrap() error { return e.Cause }
func (e *AtomicWriteError) Error() string {
	return fmt.Sprintf("atomic write %s (via %s): %v", e.Path, e.TempPath, e.Cause)
}
