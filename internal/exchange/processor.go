package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-dispatch/internal/assign"
	"github.com/withObsrvr/obsrvr-dispatch/internal/logging"
	"github.com/withObsrvr/obsrvr-dispatch/internal/metrics"
	"github.com/withObsrvr/obsrvr-dispatch/internal/session"
)

// ErrProtocol marks a request the dispatcher cannot process at all, such as a
// handler reached without a resolved identity. The transport answers it with
// a server error.
var ErrProtocol = errors.New("exchange protocol violation")

// TaskService is the task side of the dispatcher. *assign.Coordinator
// implements it.
type TaskService interface {
	Assign(ctx context.Context, workerID string, verifiedOnly bool) (*assign.Task, error)
	StoreResults(ctx context.Context, workerID string, results []assign.Result) ([]int64, error)
	Reconcile(ctx context.Context, workerID string, held []int64) ([]int64, error)
	MissingOutputs(ctx context.Context, workerID string) ([]int64, error)
	ApplyResend(ctx context.Context, workerID string, taskID int64, status string) error
	ExecContextStates(ctx context.Context, workerID string) ([]assign.ExecContextState, error)
}

// StatusStore persists worker status reports. session.Store implements it.
type StatusStore interface {
	SaveStatus(ctx context.Context, workerID string, status []byte) error
}

// Round is the per-request state handed to handlers.
type Round struct {
	Identity *session.WorkerIdentity
	Log      *slog.Logger
}

func (r *Round) workerID() (string, error) {
	if r == nil || r.Identity == nil || r.Identity.WorkerID == "" {
		return "", fmt.Errorf("%w: handler reached without an identity", ErrProtocol)
	}
	return r.Identity.WorkerID, nil
}

// Handler processes one request command and returns the reply commands.
type Handler func(ctx context.Context, round *Round, cmd Command) ([]Command, error)

// Processor resolves the identity of a request envelope and dispatches its
// commands by kind.
type Processor struct {
	registry *session.Registry
	tasks    TaskService
	statuses StatusStore
	handlers map[Kind]Handler
}

// NewProcessor wires the dispatcher-side handlers.
func NewProcessor(registry *session.Registry, tasks TaskService, statuses StatusStore) *Processor {
	p := &Processor{
		registry: registry,
		tasks:    tasks,
		statuses: statuses,
	}
	p.handlers = map[Kind]Handler{
		KindRequestIdentity:     p.handleRequestIdentity,
		KindWorkerTaskStatus:    p.handleWorkerTaskStatus,
		KindResendOutputResult:  p.handleResendOutputResult,
		KindReportTaskResult:    p.handleReportTaskResult,
		KindReportStatus:        p.handleReportStatus,
		KindCheckMissingOutputs: p.handleCheckMissingOutputs,
		KindRequestTask:         p.handleRequestTask,
	}
	return p
}

// Handle replaces or installs the handler for kind.
func (p *Processor) Handle(kind Kind, h Handler) {
	p.handlers[kind] = h
}

// Process answers one request envelope. The returned error is non-nil only
// for ErrProtocol; every other failure is reported in the reply.
func (p *Processor) Process(ctx context.Context, req *Envelope) (*Envelope, error) {
	start := time.Now()
	reply, result, err := p.process(ctx, req)
	if m := metrics.Get(); m != nil {
		m.IncExchangeRounds(result)
		m.ObserveExchangeDuration(time.Since(start).Seconds())
	}
	return reply, err
}

func (p *Processor) process(ctx context.Context, req *Envelope) (*Envelope, string, error) {
	reply := NewEnvelope()

	var presented session.Presented
	if req.Identity != nil {
		presented = session.Presented{
			WorkerID:  req.Identity.WorkerID,
			SessionID: req.Identity.SessionID,
		}
	}

	decision, err := p.registry.Resolve(ctx, presented)
	if err != nil {
		logging.ExchangeLogger(ctx, presented.WorkerID).Error("identity resolution failed", "error", err)
		reply.Success = false
		reply.Msg = "identity resolution failed: " + err.Error()
		return reply, "error", nil
	}

	id := decision.Identity
	switch decision.Action {
	case session.ActionAssigned:
		reply.Set(AssignedIdentity{WorkerID: id.WorkerID, SessionID: id.SessionID})
		return reply, "identity", nil
	case session.ActionReassigned:
		reply.Set(ReassignIdentity{WorkerID: id.WorkerID, SessionID: id.SessionID, Reason: decision.Reason})
		return reply, "identity", nil
	}

	round := &Round{
		Identity: &id,
		Log:      logging.ExchangeLogger(ctx, id.WorkerID),
	}

	var failures []string
	for _, cmd := range req.Commands() {
		h, ok := p.handlers[cmd.Kind()]
		if !ok {
			if cmd.Kind() != KindNop {
				round.Log.Debug("ignoring command without a dispatcher handler", "kind", cmd.Kind())
			}
			continue
		}

		out, err := h(ctx, round, cmd)
		if errors.Is(err, ErrProtocol) {
			round.Log.Error("protocol violation", "kind", cmd.Kind(), "error", err)
			return nil, "fatal", err
		}
		if err != nil {
			round.Log.Warn("command failed", "kind", cmd.Kind(), "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", cmd.Kind(), err))
			continue
		}
		for _, c := range out {
			reply.Set(c)
		}
	}

	if states, err := p.tasks.ExecContextStates(ctx, id.WorkerID); err != nil {
		round.Log.Warn("exec context lookup failed", "error", err)
	} else if len(states) > 0 {
		status := ExecContextStatus{Statuses: make([]ExecContextState, 0, len(states))}
		for _, s := range states {
			status.Statuses = append(status.Statuses, ExecContextState{ExecContextID: s.ExecContextID, State: s.State})
		}
		reply.Set(status)
	}

	if len(failures) > 0 {
		reply.Success = false
		reply.Msg = strings.Join(failures, "; ")
		return reply, "error", nil
	}
	return reply, "ok", nil
}

// handleRequestIdentity is reached only with a valid identity, so there is
// nothing to issue.
func (p *Processor) handleRequestIdentity(_ context.Context, round *Round, _ Command) ([]Command, error) {
	_, err := round.workerID()
	return nil, err
}

func (p *Processor) handleRequestTask(ctx context.Context, round *Round, cmd Command) ([]Command, error) {
	workerID, err := round.workerID()
	if err != nil {
		return nil, err
	}
	req := cmd.(RequestTask)

	task, err := p.tasks.Assign(ctx, workerID, req.AcceptOnlySigned)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return []Command{AssignedTask{Tasks: []TaskAssignment{}}}, nil
	}
	return []Command{AssignedTask{Tasks: []TaskAssignment{{
		TaskID:        task.ID,
		ExecContextID: task.ExecContextID,
		Params:        task.Params,
	}}}}, nil
}

func (p *Processor) handleReportTaskResult(ctx context.Context, round *Round, cmd Command) ([]Command, error) {
	workerID, err := round.workerID()
	if err != nil {
		return nil, err
	}
	report := cmd.(ReportTaskResult)

	results := make([]assign.Result, 0, len(report.Results))
	for _, r := range report.Results {
		results = append(results, assign.Result{TaskID: r.TaskID, State: r.State, Console: r.Console})
	}

	delivered, err := p.tasks.StoreResults(ctx, workerID, results)
	if len(delivered) == 0 {
		return nil, err
	}
	// Partial success still acknowledges what was stored.
	if err != nil {
		round.Log.Warn("some task results were not stored", "error", err)
	}
	return []Command{ReportResultDelivered{TaskIDs: delivered}}, nil
}

func (p *Processor) handleReportStatus(ctx context.Context, round *Round, cmd Command) ([]Command, error) {
	workerID, err := round.workerID()
	if err != nil {
		return nil, err
	}
	report := cmd.(ReportStatus)

	data, err := json.Marshal(report.Status)
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	if err := p.statuses.SaveStatus(ctx, workerID, data); err != nil {
		return nil, fmt.Errorf("save status: %w", err)
	}
	return nil, nil
}

func (p *Processor) handleWorkerTaskStatus(ctx context.Context, round *Round, cmd Command) ([]Command, error) {
	workerID, err := round.workerID()
	if err != nil {
		return nil, err
	}
	status := cmd.(WorkerTaskStatus)

	held := make([]int64, 0, len(status.Statuses))
	for _, s := range status.Statuses {
		held = append(held, s.TaskID)
	}
	reset, err := p.tasks.Reconcile(ctx, workerID, held)
	if err != nil {
		return nil, err
	}
	if len(reset) > 0 {
		round.Log.Info("reset tasks missing from worker", "task_ids", reset)
	}
	return nil, nil
}

func (p *Processor) handleCheckMissingOutputs(ctx context.Context, round *Round, _ Command) ([]Command, error) {
	workerID, err := round.workerID()
	if err != nil {
		return nil, err
	}
	ids, err := p.tasks.MissingOutputs(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return []Command{ResendOutput{TaskIDs: ids}}, nil
}

func (p *Processor) handleResendOutputResult(ctx context.Context, round *Round, cmd Command) ([]Command, error) {
	workerID, err := round.workerID()
	if err != nil {
		return nil, err
	}
	result := cmd.(ResendOutputResult)

	var errs []error
	for _, s := range result.Statuses {
		if err := p.tasks.ApplyResend(ctx, workerID, s.TaskID, s.Status); err != nil {
			errs = append(errs, err)
		}
	}
	return nil, errors.Join(errs...)
}
