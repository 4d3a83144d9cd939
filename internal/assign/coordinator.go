package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-dispatch/internal/logging"
	"github.com/withObsrvr/obsrvr-dispatch/internal/metrics"
)

// DefaultReconcileGrace is how long an assigned task may be absent from a
// worker's held list before it is reset.
const DefaultReconcileGrace = 90 * time.Second

// Coordinator serializes task assignment and applies worker reports to the
// task store.
type Coordinator struct {
	mu    sync.Mutex
	store Store
	grace time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithReconcileGrace overrides DefaultReconcileGrace.
func WithReconcileGrace(d time.Duration) Option {
	return func(c *Coordinator) { c.grace = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator over store.
func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: store,
		grace: DefaultReconcileGrace,
		now:   time.Now,
		log:   logging.Component("assign"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the underlying task store.
func (c *Coordinator) Store() Store {
	return c.store
}

// Assign grants workerID at most one task. It returns nil without error when
// nothing is eligible, the worker already holds a running task, or the store
// lost a lock race.
func (c *Coordinator) Assign(ctx context.Context, workerID string, verifiedOnly bool) (*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	held, err := c.store.ListByWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("list held tasks: %w", err)
	}
	for _, t := range held {
		if t.InFlight() {
			observeAssignment("busy")
			return nil, nil
		}
	}

	now := c.now().UTC()

	if aa, ok := c.store.(AtomicAssigner); ok {
		t, err := aa.AssignNext(ctx, workerID, verifiedOnly, now)
		switch {
		case errors.Is(err, ErrLockConflict):
			observeAssignment("conflict")
			return nil, nil
		case err != nil:
			observeAssignment("error")
			return nil, fmt.Errorf("assign next: %w", err)
		case t == nil:
			observeAssignment("none")
			return nil, nil
		}
		c.logAssigned(t)
		return t, nil
	}

	t, err := c.store.FindNextEligible(ctx, workerID, verifiedOnly)
	if err != nil {
		observeAssignment("error")
		return nil, fmt.Errorf("find eligible task: %w", err)
	}
	if t == nil {
		observeAssignment("none")
		return nil, nil
	}

	if err := c.store.MarkAssigned(ctx, t.ID, workerID, now); err != nil {
		if errors.Is(err, ErrAlreadyAssigned) || errors.Is(err, ErrLockConflict) {
			observeAssignment("conflict")
			return nil, nil
		}
		observeAssignment("error")
		return nil, fmt.Errorf("mark task %d assigned: %w", t.ID, err)
	}
	t.WorkerID = workerID
	t.AssignedAt = now
	c.logAssigned(t)
	return t, nil
}

func (c *Coordinator) logAssigned(t *Task) {
	observeAssignment("assigned")
	c.log.Info("task assigned",
		"task_id", t.ID,
		"exec_context_id", t.ExecContextID,
		"worker_id", t.WorkerID)
}

// StoreResults records reported results and returns the ids the worker may
// stop reporting. Unknown or reassigned tasks are acknowledged too so the
// worker drops them.
func (c *Coordinator) StoreResults(ctx context.Context, workerID string, results []Result) ([]int64, error) {
	now := c.now().UTC()
	delivered := make([]int64, 0, len(results))
	var errs []error

	for _, r := range results {
		err := c.store.StoreResult(ctx, workerID, r, now)
		switch {
		case err == nil:
			delivered = append(delivered, r.TaskID)
			if r.State != StateOK {
				// Failed runs produce no output to upload.
				if err := c.store.MarkResultReceived(ctx, r.TaskID); err != nil {
					errs = append(errs, fmt.Errorf("task %d: %w", r.TaskID, err))
				}
			}
		case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrTaskWasReset):
			c.log.Warn("dropping result for task not held by worker",
				"task_id", r.TaskID, "worker_id", workerID, "error", err)
			delivered = append(delivered, r.TaskID)
		default:
			errs = append(errs, fmt.Errorf("task %d: %w", r.TaskID, err))
		}
	}
	return delivered, errors.Join(errs...)
}

// Reconcile resets tasks the store believes workerID holds but which the
// worker did not list, once they are older than the grace period. It returns
// the reset ids.
func (c *Coordinator) Reconcile(ctx context.Context, workerID string, held []int64) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tasks, err := c.store.ListByWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("list held tasks: %w", err)
	}

	reported := make(map[int64]struct{}, len(held))
	for _, id := range held {
		reported[id] = struct{}{}
	}

	now := c.now().UTC()
	var reset []int64
	for _, t := range tasks {
		if t.Completed {
			continue
		}
		if _, ok := reported[t.ID]; ok {
			continue
		}
		if now.Sub(t.AssignedAt) <= c.grace {
			continue
		}
		if err := c.store.Reset(ctx, t.ID); err != nil {
			return reset, fmt.Errorf("reset task %d: %w", t.ID, err)
		}
		c.log.Info("task reset, worker no longer holds it",
			"task_id", t.ID, "worker_id", workerID, "assigned_at", t.AssignedAt)
		if m := metrics.Get(); m != nil {
			m.IncTaskResets()
		}
		reset = append(reset, t.ID)
	}
	return reset, nil
}

// MissingOutputs returns tasks the worker finished successfully whose output
// has not arrived.
func (c *Coordinator) MissingOutputs(ctx context.Context, workerID string) ([]int64, error) {
	tasks, err := c.store.ListByWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("list held tasks: %w", err)
	}
	var ids []int64
	for _, t := range tasks {
		if t.Completed && !t.ResultReceived && t.ExecState == StateOK {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

// Resend verdicts a worker may return for a requested output.
const (
	ResendOK                = "ok"
	ResendTaskNotFound      = "taskNotFound"
	ResendTaskBroken        = "taskIsBroken"
	ResendOutputMissing     = "outputNotFound"
	ResendOnExternalStorage = "outputOnExternalStorage"
)

// ApplyResend applies the worker's answer to a ResendOutput request.
func (c *Coordinator) ApplyResend(ctx context.Context, workerID string, taskID int64, status string) error {
	switch status {
	case ResendOK:
		// The upload is queued on the worker and will arrive on its own.
		return nil
	case ResendTaskNotFound, ResendTaskBroken, ResendOutputMissing:
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.store.Reset(ctx, taskID); err != nil && !errors.Is(err, ErrTaskNotFound) {
			return fmt.Errorf("reset task %d: %w", taskID, err)
		}
		c.log.Info("task reset after resend verdict",
			"task_id", taskID, "worker_id", workerID, "status", status)
		if m := metrics.Get(); m != nil {
			m.IncTaskResets()
		}
		return nil
	case ResendOnExternalStorage:
		if err := c.store.MarkResultReceived(ctx, taskID); err != nil && !errors.Is(err, ErrTaskNotFound) {
			return fmt.Errorf("mark task %d received: %w", taskID, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown resend status %q", status)
	}
}

// CheckUpload verifies that workerID may upload the output of taskID.
func (c *Coordinator) CheckUpload(ctx context.Context, workerID string, taskID int64) (*Task, error) {
	t, err := c.store.Find(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.WorkerID != workerID {
		return nil, ErrTaskWasReset
	}
	return t, nil
}

// AcceptOutput records that the output of taskID was stored.
func (c *Coordinator) AcceptOutput(ctx context.Context, taskID int64) error {
	return c.store.MarkResultReceived(ctx, taskID)
}

// ExecContextStates returns the states of exec contexts referenced by tasks
// workerID holds.
func (c *Coordinator) ExecContextStates(ctx context.Context, workerID string) ([]ExecContextState, error) {
	tasks, err := c.store.ListByWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("list held tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	seen := make(map[int64]struct{}, len(tasks))
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := seen[t.ExecContextID]; ok {
			continue
		}
		seen[t.ExecContextID] = struct{}{}
		ids = append(ids, t.ExecContextID)
	}
	return c.store.ExecContextStates(ctx, ids)
}

func observeAssignment(outcome string) {
	if m := metrics.Get(); m != nil {
		m.IncTaskAssignments(outcome)
	}
}
