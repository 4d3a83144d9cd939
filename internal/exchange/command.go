// Package exchange implements the envelope exchanged between workers and the
// dispatcher and the per-kind command dispatch on the dispatcher side.
package exchange

import "github.com/withObsrvr/obsrvr-dispatch/internal/assign"

// Kind names a command variant on the wire.
type Kind string

const (
	KindNop                   Kind = "Nop"
	KindRequestIdentity       Kind = "RequestIdentity"
	KindAssignedIdentity      Kind = "AssignedIdentity"
	KindReassignIdentity      Kind = "ReassignIdentity"
	KindRequestTask           Kind = "RequestTask"
	KindAssignedTask          Kind = "AssignedTask"
	KindReportStatus          Kind = "ReportStatus"
	KindReportTaskResult      Kind = "ReportTaskResult"
	KindReportResultDelivered Kind = "ReportResultDelivered"
	KindExecContextStatus     Kind = "ExecContextStatus"
	KindWorkerTaskStatus      Kind = "WorkerTaskStatus"
	KindCheckMissingOutputs   Kind = "CheckMissingOutputs"
	KindResendOutput          Kind = "ResendOutput"
	KindResendOutputResult    Kind = "ResendOutputResult"
)

// kindOrder is the stable processing and encoding order.
var kindOrder = []Kind{
	KindNop,
	KindRequestIdentity,
	KindAssignedIdentity,
	KindReassignIdentity,
	KindWorkerTaskStatus,
	KindResendOutputResult,
	KindReportTaskResult,
	KindReportStatus,
	KindCheckMissingOutputs,
	KindRequestTask,
	KindAssignedTask,
	KindReportResultDelivered,
	KindExecContextStatus,
	KindResendOutput,
}

// Command is one variant of the closed command set. Only types in this
// package implement it.
type Command interface {
	Kind() Kind
	command()
}

// Nop carries nothing. Workers send it to keep a round alive.
type Nop struct{}

// RequestIdentity asks the dispatcher for a first identity.
type RequestIdentity struct{}

// AssignedIdentity is the identity issued on first contact.
type AssignedIdentity struct {
	WorkerID  string `json:"workerId"`
	SessionID string `json:"sessionId"`
}

// ReassignIdentity replaces the worker's identity or refreshes its session.
type ReassignIdentity struct {
	WorkerID  string `json:"workerId"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// RequestTask asks for at most one runnable task.
type RequestTask struct {
	AcceptOnlySigned bool `json:"acceptOnlySigned"`
}

// TaskAssignment describes one task handed to a worker.
type TaskAssignment struct {
	TaskID        int64  `json:"taskId"`
	ExecContextID int64  `json:"execContextId"`
	Params        string `json:"params"`
}

// AssignedTask carries the tasks granted in this round.
type AssignedTask struct {
	Tasks []TaskAssignment `json:"tasks"`
}

// WorkerStatus is the environment snapshot a worker reports.
type WorkerStatus struct {
	Hostname        string            `json:"hostname,omitempty"`
	OS              string            `json:"os,omitempty"`
	Platform        string            `json:"platform,omitempty"`
	CPUCores        int               `json:"cpuCores,omitempty"`
	MemoryTotal     uint64            `json:"memoryTotal,omitempty"`
	MemoryAvailable uint64            `json:"memoryAvailable,omitempty"`
	Uptime          uint64            `json:"uptime,omitempty"`
	Version         string            `json:"version,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Functions       []FunctionState   `json:"functions,omitempty"`
}

// FunctionState reports whether a function payload is ready on the worker.
type FunctionState struct {
	Code  string `json:"code"`
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// ReportStatus reports the worker's environment.
type ReportStatus struct {
	Status WorkerStatus `json:"status"`
}

// Execution states a worker reports for a task.
const (
	ExecOK    = assign.StateOK
	ExecError = assign.StateError
)

// TaskResult is the outcome of one finished task.
type TaskResult struct {
	TaskID  int64  `json:"taskId"`
	State   string `json:"state"`
	Console string `json:"console,omitempty"`
}

// ReportTaskResult carries finished task outcomes.
type ReportTaskResult struct {
	Results []TaskResult `json:"results"`
}

// ReportResultDelivered acknowledges stored task results.
type ReportResultDelivered struct {
	TaskIDs []int64 `json:"taskIds"`
}

// Exec context states, as stored by the coordinator.
const (
	ExecContextStarted  = assign.ExecContextStarted
	ExecContextStopped  = assign.ExecContextStopped
	ExecContextFinished = assign.ExecContextFinished
	ExecContextUnknown  = assign.ExecContextUnknown
)

// ExecContextState is the dispatcher-side state of one exec context.
type ExecContextState struct {
	ExecContextID int64  `json:"execContextId"`
	State         string `json:"state"`
}

// ExecContextStatus tells the worker which exec contexts are still live.
type ExecContextStatus struct {
	Statuses []ExecContextState `json:"statuses"`
}

// TaskStatus names a task the worker still holds.
type TaskStatus struct {
	TaskID int64 `json:"taskId"`
}

// WorkerTaskStatus lists the tasks the worker currently holds.
type WorkerTaskStatus struct {
	Statuses []TaskStatus `json:"statuses"`
}

// CheckMissingOutputs asks which finished tasks still lack an uploaded output.
type CheckMissingOutputs struct{}

// ResendOutput asks the worker to upload outputs again.
type ResendOutput struct {
	TaskIDs []int64 `json:"taskIds"`
}

// Resend statuses, as applied by the coordinator.
const (
	ResendOK                = assign.ResendOK
	ResendTaskNotFound      = assign.ResendTaskNotFound
	ResendTaskBroken        = assign.ResendTaskBroken
	ResendOutputMissing     = assign.ResendOutputMissing
	ResendOnExternalStorage = assign.ResendOnExternalStorage
)

// ResendStatus is the worker's answer for one ResendOutput entry.
type ResendStatus struct {
	TaskID int64  `json:"taskId"`
	Status string `json:"status"`
}

// ResendOutputResult answers a ResendOutput.
type ResendOutputResult struct {
	Statuses []ResendStatus `json:"statuses"`
}

func (Nop) Kind() Kind                   { return KindNop }
func (RequestIdentity) Kind() Kind       { return KindRequestIdentity }
func (AssignedIdentity) Kind() Kind      { return KindAssignedIdentity }
func (ReassignIdentity) Kind() Kind      { return KindReassignIdentity }
func (RequestTask) Kind() Kind           { return KindRequestTask }
func (AssignedTask) Kind() Kind          { return KindAssignedTask }
func (ReportStatus) Kind() Kind          { return KindReportStatus }
func (ReportTaskResult) Kind() Kind      { return KindReportTaskResult }
func (ReportResultDelivered) Kind() Kind { return KindReportResultDelivered }
func (ExecContextStatus) Kind() Kind     { return KindExecContextStatus }
func (WorkerTaskStatus) Kind() Kind      { return KindWorkerTaskStatus }
func (CheckMissingOutputs) Kind() Kind   { return KindCheckMissingOutputs }
func (ResendOutput) Kind() Kind          { return KindResendOutput }
func (ResendOutputResult) Kind() Kind    { return KindResendOutputResult }

func (Nop) command()                   {}
func (RequestIdentity) command()       {}
func (AssignedIdentity) command()      {}
func (ReassignIdentity) command()      {}
func (RequestTask) command()           {}
func (AssignedTask) command()          {}
func (ReportStatus) command()          {}
func (ReportTaskResult) command()      {}
func (ReportResultDelivered) command() {}
func (ExecContextStatus) command()     {}
func (WorkerTaskStatus) command()      {}
func (CheckMissingOutputs) command()   {}
func (ResendOutput) command()          {}
func (ResendOutputResult) command()    {}
