package dispatcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-dispatch/internal/assign"
	"github.com/withObsrvr/obsrvr-dispatch/internal/config"
	"github.com/withObsrvr/obsrvr-dispatch/internal/exchange"
	"github.com/withObsrvr/obsrvr-dispatch/internal/storage"
	"github.com/withObsrvr/obsrvr-dispatch/internal/transfer"
)

const testSeed = `
exec_contexts:
  - id: 7
    state: started
tasks:
  - exec_context_id: 7
    params: "n=3"
    function: fn-square
    output: out-square
    inputs: [numbers]
`

type harness struct {
	t     *testing.T
	app   *App
	srv   *httptest.Server
	codec *exchange.Codec
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	seedPath := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(testSeed), 0644))

	cfg := config.DispatcherConfig{
		Storage:  config.StorageConfig{Backend: "blob", BlobURL: "mem://"},
		Sessions: config.SessionConfig{Backend: "memory", TTL: 30 * time.Minute, RefreshInterval: 2 * time.Minute},
		Tasks:    config.TaskConfig{Backend: "memory", SeedFile: seedPath, ReconcileGrace: 90 * time.Second},
	}
	app, err := New(context.Background(), cfg)
	require.NoError(t, err)

	codec, err := exchange.NewCodec()
	require.NoError(t, err)

	h := &harness{t: t, app: app, srv: httptest.NewServer(app.Router), codec: codec}
	t.Cleanup(func() {
		h.srv.Close()
		codec.Close()
		app.Close()
	})
	return h
}

func (h *harness) round(req *exchange.Envelope, encoding string) *exchange.Envelope {
	h.t.Helper()
	body, err := h.codec.Encode(req, encoding)
	require.NoError(h.t, err)

	httpReq, err := http.NewRequest(http.MethodPost, h.srv.URL+transfer.PathExchange+"/r1", bytes.NewReader(body))
	require.NoError(h.t, err)
	if encoding != "" {
		httpReq.Header.Set("Content-Encoding", encoding)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(h.t, resp.Header.Get(HeaderCorrelationID))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	reply, err := h.codec.Decode(raw, resp.Header.Get("Content-Encoding"))
	require.NoError(h.t, err)
	return reply
}

func (h *harness) identify() *exchange.Identity {
	h.t.Helper()
	req := exchange.NewEnvelope()
	req.Set(exchange.RequestIdentity{})
	reply := h.round(req, "")
	require.True(h.t, reply.Success)
	require.Equal(h.t, 1, reply.Len())

	assigned, ok := exchange.Lookup[exchange.AssignedIdentity](reply)
	require.True(h.t, ok)
	return &exchange.Identity{WorkerID: assigned.WorkerID, SessionID: assigned.SessionID}
}

func TestEndToEndTaskLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.identify()

	// Request a task.
	req := exchange.NewEnvelope()
	req.Identity = id
	req.Set(exchange.RequestTask{})
	reply := h.round(req, exchange.EncodingZstd)
	require.True(t, reply.Success, reply.Msg)
	assigned, ok := exchange.Lookup[exchange.AssignedTask](reply)
	require.True(t, ok)
	require.Len(t, assigned.Tasks, 1)
	task := assigned.Tasks[0]
	require.Equal(t, int64(7), task.ExecContextID)
	params, err := assign.ParseTaskParams(task.Params)
	require.NoError(t, err)
	require.Equal(t, "fn-square", params.Function.Code)
	require.Equal(t, []string{"numbers"}, params.Inputs)
	require.Equal(t, "n=3", params.Args)

	status, ok := exchange.Lookup[exchange.ExecContextStatus](reply)
	require.True(t, ok)
	require.Equal(t, []exchange.ExecContextState{{ExecContextID: 7, State: exchange.ExecContextStarted}}, status.Statuses)

	// Download the function through the chunk endpoint.
	payload := "#!/bin/sh\necho squared > \"$2\"\n"
	err = storage.Put(ctx, h.app.Assets, storage.Ref{Kind: storage.KindFunction, Code: "fn-square"}, strings.NewReader(payload))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "fn-square")
	res := transfer.NewDownloader(nil).Download(ctx, transfer.DownloadRequest{
		BaseURL:   h.srv.URL,
		Type:      transfer.AssetFunction,
		Code:      "fn-square",
		WorkerID:  id.WorkerID,
		TaskID:    "1",
		ChunkSize: 8,
		Dest:      dest,
	})
	require.Equal(t, transfer.OutcomeOK, res.Outcome, "%v", res.Err)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, string(got))

	// Report the result; the output is still missing.
	req = exchange.NewEnvelope()
	req.Identity = id
	req.Set(exchange.WorkerTaskStatus{Statuses: []exchange.TaskStatus{{TaskID: task.TaskID}}})
	req.Set(exchange.ReportTaskResult{Results: []exchange.TaskResult{{TaskID: task.TaskID, State: exchange.ExecOK, Console: "done"}}})
	req.Set(exchange.CheckMissingOutputs{})
	reply = h.round(req, "")
	require.True(t, reply.Success, reply.Msg)

	delivered, ok := exchange.Lookup[exchange.ReportResultDelivered](reply)
	require.True(t, ok)
	require.Equal(t, []int64{task.TaskID}, delivered.TaskIDs)
	resend, ok := exchange.Lookup[exchange.ResendOutput](reply)
	require.True(t, ok)
	require.Equal(t, []int64{task.TaskID}, resend.TaskIDs)

	// Upload the output.
	out := filepath.Join(t.TempDir(), "output")
	require.NoError(t, os.WriteFile(out, []byte("9\n"), 0644))
	up, err := transfer.NewUploader(nil).Upload(ctx, transfer.UploadRequest{
		BaseURL:  h.srv.URL,
		WorkerID: id.WorkerID,
		TaskID:   task.TaskID,
		Path:     out,
	})
	require.NoError(t, err)
	require.Equal(t, transfer.UploadOK, up.Status)

	info, err := h.app.Assets.Head(ctx, storage.Ref{Kind: storage.KindOutput, Code: "out-square"})
	require.NoError(t, err)
	require.Equal(t, int64(2), info.Size)

	// Nothing is missing any more and no task is left.
	req = exchange.NewEnvelope()
	req.Identity = id
	req.Set(exchange.CheckMissingOutputs{})
	req.Set(exchange.RequestTask{})
	reply = h.round(req, "")
	require.True(t, reply.Success, reply.Msg)
	require.False(t, reply.Has(exchange.KindResendOutput))
	assigned, ok = exchange.Lookup[exchange.AssignedTask](reply)
	require.True(t, ok)
	require.Empty(t, assigned.Tasks)
}

func TestExchangeRejectsUndecodableBody(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Post(h.srv.URL+transfer.PathExchange+"/r2", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := `{"commands":{"Teleport":{}},"success":true}`
	resp, err = http.Post(h.srv.URL+transfer.PathExchange+"/r3", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExchangeForeignSessionGetsNewIdentity(t *testing.T) {
	h := newHarness(t)
	id := h.identify()

	req := exchange.NewEnvelope()
	req.Identity = &exchange.Identity{WorkerID: id.WorkerID, SessionID: "stale"}
	req.Set(exchange.RequestTask{})
	reply := h.round(req, "")

	require.Equal(t, 1, reply.Len())
	reassigned, ok := exchange.Lookup[exchange.ReassignIdentity](reply)
	require.True(t, ok)
	require.NotEqual(t, id.WorkerID, reassigned.WorkerID)
	require.Contains(t, reassigned.Reason, id.WorkerID)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), config.DispatcherConfig{
		Storage:  config.StorageConfig{Backend: "blob", BlobURL: "mem://"},
		Sessions: config.SessionConfig{Backend: "etcd"},
	})
	require.Error(t, err)
}
