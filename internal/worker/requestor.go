package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-dispatch/internal/assign"
	"github.com/withObsrvr/obsrvr-dispatch/internal/exchange"
	"github.com/withObsrvr/obsrvr-dispatch/internal/logging"
	"github.com/withObsrvr/obsrvr-dispatch/internal/metadata"
	"github.com/withObsrvr/obsrvr-dispatch/internal/transfer"
	"github.com/withObsrvr/obsrvr-dispatch/internal/util"
)

// exchangeTimeout bounds one round-trip.
const exchangeTimeout = 30 * time.Second

// ErrRoundFailed is returned when the dispatcher could not be reached or
// rejected the envelope outright.
var ErrRoundFailed = errors.New("exchange round failed")

// RequestorConfig tunes a requestor.
type RequestorConfig struct {
	// MissingEvery sends CheckMissingOutputs on every Nth round; 0 disables it.
	MissingEvery int
	Version      string
}

// Requestor runs exchange rounds with one dispatcher.
type Requestor struct {
	link    *Link
	ids     *metadata.Store
	codec   *exchange.Codec
	client  *http.Client
	assets  *Assets
	uploads *Uploads
	cfg     RequestorConfig
	log     *slog.Logger

	round int

	mu            sync.Mutex
	pendingResend []exchange.ResendStatus
}

// NewRequestor creates a requestor. A nil client selects a client bounded by
// the exchange timeout.
func NewRequestor(link *Link, ids *metadata.Store, codec *exchange.Codec, client *http.Client,
	assets *Assets, uploads *Uploads, cfg RequestorConfig) *Requestor {
	if client == nil {
		client = transfer.NewHTTPClient(exchangeTimeout, true)
	}
	return &Requestor{
		link:    link,
		ids:     ids,
		codec:   codec,
		client:  client,
		assets:  assets,
		uploads: uploads,
		cfg:     cfg,
		log:     logging.Component("requestor").With("dispatcher", link.URL()),
	}
}

// Run executes rounds until ctx is cancelled, waiting interval after each.
func (r *Requestor) Run(ctx context.Context, interval time.Duration) error {
	r.log.Info("requestor started", "interval", interval)
	for {
		if err := r.Round(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("round failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// Round performs one request and processes the reply.
func (r *Requestor) Round(ctx context.Context) error {
	r.round++
	r.cleanup()

	req := r.buildRequest(ctx)
	reply, err := r.send(ctx, req)
	if err != nil {
		return err
	}
	if !reply.Success {
		r.log.Warn("dispatcher reported errors", "msg", reply.Msg)
	}
	r.handleReply(reply)
	return nil
}

func (r *Requestor) buildRequest(ctx context.Context) *exchange.Envelope {
	req := exchange.NewEnvelope()

	id, err := r.ids.Get(r.link.URL())
	if err != nil {
		req.Set(exchange.RequestIdentity{})
		return req
	}
	req.Identity = &exchange.Identity{WorkerID: id.WorkerID, SessionID: id.SessionID}

	req.Set(exchange.ReportStatus{Status: CollectStatus(ctx, r.cfg.Version, r.link)})

	tasks := r.link.Book.List()
	held := exchange.WorkerTaskStatus{Statuses: make([]exchange.TaskStatus, 0, len(tasks))}
	var results []exchange.TaskResult
	for _, t := range tasks {
		held.Statuses = append(held.Statuses, exchange.TaskStatus{TaskID: t.TaskID})
		if t.Completed && !t.Delivered {
			results = append(results, exchange.TaskResult{TaskID: t.TaskID, State: t.State, Console: t.Console})
		}
	}
	req.Set(held)
	if len(results) > 0 {
		req.Set(exchange.ReportTaskResult{Results: results})
		for _, res := range results {
			r.link.Book.Update(res.TaskID, func(t *LocalTask) { t.Reported = true })
		}
	}

	if !r.link.Book.HasInFlight() {
		req.Set(exchange.RequestTask{AcceptOnlySigned: r.link.Entry.AcceptOnlySigned})
	}
	if r.cfg.MissingEvery > 0 && r.round%r.cfg.MissingEvery == 0 {
		req.Set(exchange.CheckMissingOutputs{})
	}

	r.mu.Lock()
	if len(r.pendingResend) > 0 {
		req.Set(exchange.ResendOutputResult{Statuses: r.pendingResend})
		r.pendingResend = nil
	}
	r.mu.Unlock()

	return req
}

func (r *Requestor) send(ctx context.Context, req *exchange.Envelope) (*exchange.Envelope, error) {
	encoding := ""
	if r.link.Entry.Compress {
		encoding = exchange.EncodingZstd
	}
	body, err := r.codec.Encode(req, encoding)
	if err != nil {
		return nil, err
	}

	random := uuid.New().String()
	if req.Identity != nil {
		random = random[:8] + "-" + req.Identity.WorkerID
	}
	u := strings.TrimRight(r.link.URL(), "/") + transfer.PathExchange + "/" + random

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build exchange request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		httpReq.Header.Set("Content-Encoding", encoding)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		r.requeueResend(req)
		return nil, fmt.Errorf("%w: %v", ErrRoundFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		r.requeueResend(req)
		return nil, fmt.Errorf("%w: read reply: %v", ErrRoundFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		r.requeueResend(req)
		return nil, fmt.Errorf("%w: status %d: %s", ErrRoundFailed, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return r.codec.Decode(raw, resp.Header.Get("Content-Encoding"))
}

// requeueResend keeps resend answers that never reached the dispatcher.
func (r *Requestor) requeueResend(req *exchange.Envelope) {
	res, ok := exchange.Lookup[exchange.ResendOutputResult](req)
	if !ok {
		return
	}
	r.mu.Lock()
	r.pendingResend = append(res.Statuses, r.pendingResend...)
	r.mu.Unlock()
}

func (r *Requestor) handleReply(reply *exchange.Envelope) {
	for _, cmd := range reply.Commands() {
		switch c := cmd.(type) {
		case exchange.AssignedIdentity:
			r.storeIdentity(c.WorkerID, c.SessionID, "assigned")
		case exchange.ReassignIdentity:
			r.storeIdentity(c.WorkerID, c.SessionID, c.Reason)
		case exchange.AssignedTask:
			r.acceptTasks(c.Tasks)
		case exchange.ReportResultDelivered:
			r.markDelivered(c.TaskIDs)
		case exchange.ExecContextStatus:
			r.applyExecContexts(c.Statuses)
		case exchange.ResendOutput:
			r.resend(c.TaskIDs)
		}
	}
}

func (r *Requestor) storeIdentity(workerID, sessionID, reason string) {
	prev, err := r.ids.Get(r.link.URL())
	if err == nil && prev.WorkerID != workerID {
		// Tasks held under the old id are no longer ours.
		if err := r.link.Book.Clear(); err != nil {
			r.log.Warn("clear task book failed", "error", err)
		}
	}
	if err := r.ids.Set(r.link.URL(), workerID, sessionID); err != nil {
		r.log.Error("persist identity failed", "error", err)
		return
	}
	r.log.Info("identity updated", "worker_id", workerID, "reason", reason)
}

func (r *Requestor) acceptTasks(tasks []exchange.TaskAssignment) {
	for _, a := range tasks {
		log := logging.TaskLogger(r.link.URL(), a.TaskID)
		params, err := assign.ParseTaskParams(a.Params)
		if err != nil {
			log.Error("unusable task params", "error", err)
			r.link.Book.Create(LocalTask{TaskID: a.TaskID, ExecContextID: a.ExecContextID, Params: a.Params})
			r.link.Book.MarkFinishedWithError(a.TaskID, err.Error())
			continue
		}

		t := LocalTask{
			TaskID:         a.TaskID,
			ExecContextID:  a.ExecContextID,
			Params:         a.Params,
			FunctionCode:   params.Function.Code,
			FunctionSigned: params.Function.Signed,
			Inputs:         params.Inputs,
		}
		created, err := r.link.Book.Create(t)
		if err != nil {
			log.Error("record task failed", "error", err)
			continue
		}
		if !created {
			continue
		}
		log.Info("task accepted", "function", t.FunctionCode, "inputs", len(t.Inputs))
		r.assets.Schedule(r.link, t)
	}
}

func (r *Requestor) markDelivered(ids []int64) {
	for _, id := range ids {
		var upload bool
		err := r.link.Book.Update(id, func(t *LocalTask) {
			t.Delivered = true
			upload = t.NeedsUpload()
		})
		if err != nil {
			continue
		}
		if upload {
			r.uploads.Schedule(r.link, id)
		}
	}
}

func (r *Requestor) applyExecContexts(states []exchange.ExecContextState) {
	live := make(map[int64]string, len(states))
	for _, s := range states {
		live[s.ExecContextID] = s.State
	}
	for _, t := range r.link.Book.List() {
		state, ok := live[t.ExecContextID]
		if ok && state != exchange.ExecContextFinished {
			continue
		}
		if t.Completed && !t.Delivered {
			// The result still has to be reported.
			continue
		}
		if err := r.link.Book.Delete(t.TaskID); err == nil {
			r.log.Info("dropped task of inactive exec context",
				"task_id", t.TaskID, "exec_context_id", t.ExecContextID, "state", state)
		}
	}
}

func (r *Requestor) resend(ids []int64) {
	statuses := make([]exchange.ResendStatus, 0, len(ids))
	for _, id := range ids {
		statuses = append(statuses, exchange.ResendStatus{TaskID: id, Status: r.resendOne(id)})
	}
	r.mu.Lock()
	r.pendingResend = append(r.pendingResend, statuses...)
	r.mu.Unlock()
}

func (r *Requestor) resendOne(id int64) string {
	t, ok := r.link.Book.Get(id)
	switch {
	case !ok:
		return exchange.ResendTaskNotFound
	case !t.Completed || t.State != StateOK:
		return exchange.ResendTaskBroken
	case !util.FileExists(r.link.Book.OutputPath(id)):
		return exchange.ResendOutputMissing
	}
	r.link.Book.Update(id, func(t *LocalTask) {
		t.Delivered = true
		t.Uploaded = false
	})
	r.uploads.Schedule(r.link, id)
	return exchange.ResendOK
}

// cleanup drops tasks the dispatcher no longer needs anything for.
func (r *Requestor) cleanup() {
	for _, t := range r.link.Book.List() {
		if t.Finished() {
			r.link.Book.Delete(t.TaskID)
		}
	}
}
