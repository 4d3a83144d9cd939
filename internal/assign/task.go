// Package assign hands runnable tasks to workers, one at a time and under
// mutual exclusion, and tracks the results they report.
package assign

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTaskNotFound is returned when a task id is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskWasReset is returned when a task is no longer assigned to the
	// worker acting on it.
	ErrTaskWasReset = errors.New("task was reset")

	// ErrAlreadyAssigned is returned by MarkAssigned when another worker got
	// the task first.
	ErrAlreadyAssigned = errors.New("task already assigned")

	// ErrLockConflict is returned by stores when a row lock could not be
	// taken. The coordinator treats it as "no task this round".
	ErrLockConflict = errors.New("task lock conflict")
)

// Execution states stored for reported results.
const (
	StateOK    = "ok"
	StateError = "error"
)

// Exec context states.
const (
	ExecContextStarted  = "started"
	ExecContextStopped  = "stopped"
	ExecContextFinished = "finished"
	ExecContextUnknown  = "unknown"
)

// Task is the dispatcher's task row. Only the assignment fields are owned by
// the coordinator; results are written through StoreResult.
type Task struct {
	ID             int64
	ExecContextID  int64
	Params         string
	FunctionCode   string
	FunctionSigned bool
	OutputCode     string

	// SeedKey identifies a task created from a seed file. CreateTask returns
	// the existing id for a key it has already stored.
	SeedKey string

	WorkerID   string
	AssignedAt time.Time

	Completed      bool
	CompletedAt    time.Time
	ResultReceived bool
	ExecState      string
	Console        string

	CreatedAt time.Time
}

// Assigned reports whether the task is held by a worker.
func (t Task) Assigned() bool {
	return t.WorkerID != ""
}

// InFlight reports whether the task is held and still running.
func (t Task) InFlight() bool {
	return t.Assigned() && !t.Completed
}

// Result is one task outcome reported by a worker.
type Result struct {
	TaskID  int64
	State   string
	Console string
}

// ExecContextState is the state of one exec context.
type ExecContextState struct {
	ExecContextID int64
	State         string
}

// Store is the task persistence collaborator.
type Store interface {
	// FindNextEligible returns the oldest unassigned, uncompleted task, or
	// nil when there is none. verifiedOnly excludes unsigned functions.
	FindNextEligible(ctx context.Context, workerID string, verifiedOnly bool) (*Task, error)

	// MarkAssigned assigns an unassigned task. Returns ErrAlreadyAssigned if
	// the task was taken in the meantime.
	MarkAssigned(ctx context.Context, taskID int64, workerID string, now time.Time) error

	// MarkResultReceived records that the task's output arrived.
	MarkResultReceived(ctx context.Context, taskID int64) error

	// Find loads one task. Returns ErrTaskNotFound when unknown.
	Find(ctx context.Context, taskID int64) (*Task, error)

	// ListByWorker returns tasks assigned to workerID whose result has not
	// been received yet.
	ListByWorker(ctx context.Context, workerID string) ([]Task, error)

	// StoreResult completes a task held by workerID.
	StoreResult(ctx context.Context, workerID string, r Result, now time.Time) error

	// Reset clears assignment and result fields so the task is eligible again.
	Reset(ctx context.Context, taskID int64) error

	// CreateTask inserts a task and returns its id. A task with a SeedKey
	// that is already stored is not inserted again.
	CreateTask(ctx context.Context, t Task) (int64, error)

	// SetExecContextState upserts the state of an exec context.
	SetExecContextState(ctx context.Context, execContextID int64, state string) error

	// ExecContextStates returns the states of the given exec contexts.
	// Unknown ids are reported as ExecContextUnknown.
	ExecContextStates(ctx context.Context, ids []int64) ([]ExecContextState, error)

	// Close releases any resources.
	Close() error
}

// AtomicAssigner is implemented by stores that pick and assign a task in one
// transaction, which keeps assignment exclusive across dispatcher processes.
type AtomicAssigner interface {
	AssignNext(ctx context.Context, workerID string, verifiedOnly bool, now time.Time) (*Task, error)
}
