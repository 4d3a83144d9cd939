package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-dispatch/internal/assign"
	"github.com/withObsrvr/obsrvr-dispatch/internal/storage"
)

type fixture struct {
	srv   *httptest.Server
	store storage.AssetStore
	tasks *assign.MemoryStore
	coord *assign.Coordinator
	gets  atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		store: storage.NewBlobStore(memblob.OpenBucket(nil), "mem://", ""),
		tasks: assign.NewMemoryStore(),
	}
	f.coord = assign.NewCoordinator(f.tasks)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.Request.Method == http.MethodGet {
			f.gets.Add(1)
		}
		c.Next()
	})
	NewServer(f.store, f.coord).RegisterRoutes(r.Group(""))

	f.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		f.srv.Close()
		f.store.Close()
	})
	return f
}

func (f *fixture) put(t *testing.T, kind, code, content string) {
	t.Helper()
	err := storage.Put(context.Background(), f.store, storage.Ref{Kind: kind, Code: code}, strings.NewReader(content))
	require.NoError(t, err)
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestDownloadReassemblesChunks(t *testing.T) {
	f := newFixture(t)
	payload := "abcdefghijklmnopqrstuvwxy"
	f.put(t, storage.KindData, "sample", payload)

	dir := t.TempDir()
	dest := filepath.Join(dir, "sample")
	res := NewDownloader(nil).Download(context.Background(), DownloadRequest{
		BaseURL:   f.srv.URL,
		Type:      AssetData,
		Code:      "sample",
		WorkerID:  "w1",
		TaskID:    "1",
		ChunkSize: 10,
		Dest:      dest,
	})

	require.Equal(t, OutcomeOK, res.Outcome, "err: %v", res.Err)
	require.Equal(t, 3, res.Chunks)
	require.EqualValues(t, 25, res.Bytes)
	require.EqualValues(t, 3, f.gets.Load())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, string(got))
	require.Equal(t, []string{"sample"}, dirEntries(t, dir), "no part files may remain")
}

func TestDownloadExactMultipleFetchesEmptyTail(t *testing.T) {
	f := newFixture(t)
	f.put(t, storage.KindData, "even", strings.Repeat("x", 20))

	dest := filepath.Join(t.TempDir(), "even")
	res := NewDownloader(nil).Download(context.Background(), DownloadRequest{
		BaseURL: f.srv.URL, Type: AssetData, Code: "even", WorkerID: "w1", TaskID: "1",
		ChunkSize: 10, Dest: dest,
	})
	require.Equal(t, OutcomeOK, res.Outcome, "err: %v", res.Err)
	info, err := os.Stat(dest)
	require.NoError(t, err)
	require.EqualValues(t, 20, info.Size())
}

func TestDownloadGoneStopsAfterFirstRequest(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	res := NewDownloader(nil).Download(context.Background(), DownloadRequest{
		BaseURL: f.srv.URL, Type: AssetData, Code: "missing", WorkerID: "w1", TaskID: "1",
		ChunkSize: 10, Dest: filepath.Join(dir, "missing"),
	})

	require.Equal(t, OutcomeGone, res.Outcome)
	require.True(t, res.Outcome.Terminal())
	require.EqualValues(t, 1, f.gets.Load())
	require.Empty(t, dirEntries(t, dir))
}

func TestDownloadUnknownTypeIsRejected(t *testing.T) {
	f := newFixture(t)
	res := NewDownloader(nil).Download(context.Background(), DownloadRequest{
		BaseURL: f.srv.URL, Type: AssetType("binary"), Code: "x", WorkerID: "w1", TaskID: "1",
		ChunkSize: 10, Dest: filepath.Join(t.TempDir(), "x"),
	})
	require.Equal(t, OutcomeRejected, res.Outcome)
}

func TestDownloadTransmitErrorDiscardsParts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set(HeaderChunkSize, "10")
		w.Header().Set(HeaderIsLastChunk, "false")
		if n == 1 {
			w.Write([]byte("0123456789"))
			return
		}
		w.Write([]byte("0123"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	res := NewDownloader(nil).Download(context.Background(), DownloadRequest{
		BaseURL: srv.URL, Type: AssetData, Code: "flaky", WorkerID: "w1", TaskID: "1",
		ChunkSize: 10, Dest: filepath.Join(dir, "flaky"),
	})

	require.Equal(t, OutcomeTransmitError, res.Outcome)
	require.True(t, res.Outcome.Retryable())
	require.Empty(t, dirEntries(t, dir))
}

func TestDownloadIntegrityFailureLeavesNothing(t *testing.T) {
	f := newFixture(t)
	f.put(t, storage.KindFunction, "fn", "payload")

	dir := t.TempDir()
	res := NewDownloader(nil).Download(context.Background(), DownloadRequest{
		BaseURL: f.srv.URL, Type: AssetFunction, Code: "fn", WorkerID: "w1", TaskID: "1",
		ChunkSize: 4, Dest: filepath.Join(dir, "fn"),
		Verify: func(string) error { return ErrChecksumMismatch },
	})

	require.Equal(t, OutcomeIntegrity, res.Outcome)
	require.True(t, errors.Is(res.Err, ErrChecksumMismatch))
	require.Empty(t, dirEntries(t, dir))
}

func TestDownloadTooManyChunks(t *testing.T) {
	f := newFixture(t)
	f.put(t, storage.KindData, "big", strings.Repeat("z", 25))

	d := NewDownloader(nil)
	d.maxChunks = 2
	dir := t.TempDir()
	res := d.Download(context.Background(), DownloadRequest{
		BaseURL: f.srv.URL, Type: AssetData, Code: "big", WorkerID: "w1", TaskID: "1",
		ChunkSize: 10, Dest: filepath.Join(dir, "big"),
	})
	require.Equal(t, OutcomeTooManyChunks, res.Outcome)
	require.Empty(t, dirEntries(t, dir))
}

func TestDownloadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := NewDownloader(NewHTTPClient(50*time.Millisecond, true))
	res := d.Download(context.Background(), DownloadRequest{
		BaseURL: srv.URL, Type: AssetData, Code: "slow", WorkerID: "w1", TaskID: "1",
		ChunkSize: 10, Dest: filepath.Join(t.TempDir(), "slow"),
	})
	require.Equal(t, OutcomeTimeout, res.Outcome, "err: %v", res.Err)
}

func TestServeChunkWholeAssetAndBadRange(t *testing.T) {
	f := newFixture(t)
	f.put(t, storage.KindData, "whole", "hello")

	resp, err := http.Get(f.srv.URL + PathAsset + "/data/r-w1-1?code=whole")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", string(body))
	require.Equal(t, "5", resp.Header.Get(HeaderChunkSize))
	require.Equal(t, "true", resp.Header.Get(HeaderIsLastChunk))

	resp, err = http.Get(f.srv.URL + PathAsset + "/data/r-w1-1?code=whole&chunkSize=abc&chunkNum=0")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + PathAsset + "/data/r-w1-1?code=whole&chunkSize=2&chunkNum=9")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "0", resp.Header.Get(HeaderChunkSize))
	require.Equal(t, "true", resp.Header.Get(HeaderIsLastChunk))
}

func TestChecksumEndpoint(t *testing.T) {
	f := newFixture(t)
	f.put(t, storage.KindFunction, "fn", "body")

	c := NewChecksumClient(nil)
	desc, err := c.Fetch(context.Background(), f.srv.URL, "w1", 1, AssetFunction, "fn")
	require.NoError(t, err)
	want, _ := DigestReader(strings.NewReader("body"))
	require.Equal(t, want, desc[AlgSHA256])

	_, err = c.Fetch(context.Background(), f.srv.URL, "w1", 1, AssetFunction, "nope")
	require.ErrorIs(t, err, ErrAssetGone)

	_, err = c.Fetch(context.Background(), f.srv.URL, "w1", 1, AssetFunction, "../fn")
	require.ErrorIs(t, err, ErrAssetRejected)
}

func TestUploadVerdicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, err := f.tasks.CreateTask(ctx, assign.Task{ExecContextID: 1, FunctionCode: "fn", OutputCode: "out-1"})
	require.NoError(t, err)
	task, err := f.coord.Assign(ctx, "w1", false)
	require.NoError(t, err)
	require.Equal(t, id, task.ID)

	output := filepath.Join(t.TempDir(), "output.txt")
	require.NoError(t, os.WriteFile(output, []byte("result=42"), 0644))

	up := NewUploader(nil)

	reply, err := up.Upload(ctx, UploadRequest{BaseURL: f.srv.URL, WorkerID: "w2", TaskID: id, Path: output})
	require.NoError(t, err)
	require.Equal(t, UploadTaskWasReset, reply.Status)

	reply, err = up.Upload(ctx, UploadRequest{BaseURL: f.srv.URL, WorkerID: "w1", TaskID: 999, Path: output})
	require.NoError(t, err)
	require.Equal(t, UploadTaskNotFound, reply.Status)

	reply, err = up.Upload(ctx, UploadRequest{BaseURL: f.srv.URL, WorkerID: "w1", TaskID: id, Path: output})
	require.NoError(t, err)
	require.Equal(t, UploadOK, reply.Status, "error: %s", reply.Error)

	rc, err := f.store.Open(ctx, storage.Ref{Kind: storage.KindOutput, Code: "out-1"})
	require.NoError(t, err)
	stored, _ := io.ReadAll(rc)
	rc.Close()
	require.Equal(t, "result=42", string(stored))

	got, err := f.tasks.Find(ctx, id)
	require.NoError(t, err)
	require.True(t, got.ResultReceived)
}

// lockedAcceptor fails every AcceptOutput as a store would when the task row
// is locked by another transaction.
type lockedAcceptor struct {
	*assign.Coordinator
}

func (lockedAcceptor) AcceptOutput(context.Context, int64) error {
	return assign.ErrLockConflict
}

func TestUploadLockConflictIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, err := f.tasks.CreateTask(ctx, assign.Task{ExecContextID: 1, FunctionCode: "fn", OutputCode: "out-locked"})
	require.NoError(t, err)
	_, err = f.coord.Assign(ctx, "w1", false)
	require.NoError(t, err)

	r := gin.New()
	NewServer(f.store, lockedAcceptor{f.coord}).RegisterRoutes(r.Group(""))
	srv := httptest.NewServer(r)
	defer srv.Close()

	output := filepath.Join(t.TempDir(), "output.txt")
	require.NoError(t, os.WriteFile(output, []byte("result"), 0644))

	reply, err := NewUploader(nil).Upload(ctx, UploadRequest{BaseURL: srv.URL, WorkerID: "w1", TaskID: id, Path: output})
	require.NoError(t, err)
	require.Equal(t, UploadProblemWithLocking, reply.Status)
	require.True(t, reply.Status.Retryable())

	got, err := f.tasks.Find(ctx, id)
	require.NoError(t, err)
	require.False(t, got.ResultReceived)
}

func TestUploadWithoutFileIsFilenameBlank(t *testing.T) {
	f := newFixture(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("workerId", "w1")
	mw.WriteField("taskId", "1")
	mw.Close()

	resp, err := http.Post(f.srv.URL+PathUpload+"/r-w1-1", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	require.Equal(t, string(UploadFilenameBlank), reply.Status)
}
