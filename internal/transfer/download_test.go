package transfer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-dispatch/internal/storage"
)

// windowServer serves payload the way ServeChunk does. hook runs first and
// may answer the request itself by returning true.
type windowServer struct {
	payload string
	hook    func(num int, w http.ResponseWriter, r *http.Request) bool

	mu   sync.Mutex
	nums []int
}

func (s *windowServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	num, _ := strconv.Atoi(r.URL.Query().Get("chunkNum"))
	s.mu.Lock()
	s.nums = append(s.nums, num)
	s.mu.Unlock()

	if s.hook != nil && s.hook(num, w, r) {
		return
	}
	win, err := ComputeWindow(int64(len(s.payload)), r.URL.Query().Get("chunkSize"), r.URL.Query().Get("chunkNum"))
	if err != nil {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	w.Header().Set(HeaderChunkSize, strconv.FormatInt(win.Size, 10))
	w.Header().Set(HeaderIsLastChunk, strconv.FormatBool(win.Last))
	if win.Size > 0 {
		w.Write([]byte(s.payload[win.Offset : win.Offset+win.Size]))
	}
}

func (s *windowServer) requested() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.nums...)
}

func chunkHeaders(t *testing.T, base, code string, num int) (size, last string) {
	t.Helper()
	resp, err := http.Get(base + PathAsset + "/data/r-w1-1?code=" + code + "&chunkSize=5&chunkNum=" + strconv.Itoa(num))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp.Header.Get(HeaderChunkSize), resp.Header.Get(HeaderIsLastChunk)
}

func TestDownloadOneByteShortOfMultiple(t *testing.T) {
	f := newFixture(t)
	payload := strings.Repeat("abcde", 3) + "fghi" // 19 bytes
	f.put(t, storage.KindData, "short", payload)

	dir := t.TempDir()
	dest := filepath.Join(dir, "short")
	res := NewDownloader(nil).Download(context.Background(), DownloadRequest{
		BaseURL: f.srv.URL, Type: AssetData, Code: "short", WorkerID: "w1", TaskID: "1",
		ChunkSize: 5, Dest: dest,
	})
	require.Equal(t, OutcomeOK, res.Outcome, "err: %v", res.Err)
	require.Equal(t, 4, res.Chunks)
	require.EqualValues(t, 19, res.Bytes)
	require.EqualValues(t, 4, f.gets.Load(), "the short final chunk ends the transfer")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, string(got))
	require.Equal(t, []string{"short"}, dirEntries(t, dir))

	size, last := chunkHeaders(t, f.srv.URL, "short", 3)
	require.Equal(t, "4", size)
	require.Equal(t, "true", last)
	size, last = chunkHeaders(t, f.srv.URL, "short", 2)
	require.Equal(t, "5", size)
	require.Equal(t, "false", last)
}

func TestDownloadOneByteOverMultiple(t *testing.T) {
	f := newFixture(t)
	payload := strings.Repeat("vwxyz", 4) + "!" // 21 bytes
	f.put(t, storage.KindData, "long", payload)

	dir := t.TempDir()
	dest := filepath.Join(dir, "long")
	res := NewDownloader(nil).Download(context.Background(), DownloadRequest{
		BaseURL: f.srv.URL, Type: AssetData, Code: "long", WorkerID: "w1", TaskID: "1",
		ChunkSize: 5, Dest: dest,
	})
	require.Equal(t, OutcomeOK, res.Outcome, "err: %v", res.Err)
	require.Equal(t, 5, res.Chunks)
	require.EqualValues(t, 21, res.Bytes)
	require.EqualValues(t, 5, f.gets.Load())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, string(got))
	require.Equal(t, []string{"long"}, dirEntries(t, dir))

	size, last := chunkHeaders(t, f.srv.URL, "long", 4)
	require.Equal(t, "1", size)
	require.Equal(t, "true", last)
	size, last = chunkHeaders(t, f.srv.URL, "long", 3)
	require.Equal(t, "5", size)
	require.Equal(t, "false", last)
}

func TestDownloadRetryAfterTimeoutRestartsFromFirstChunk(t *testing.T) {
	payload := "0123456789abcdefghijklmnopq" // 27 bytes, 6 chunks of 5
	var stalled atomic.Bool
	ws := &windowServer{payload: payload}
	ws.hook = func(num int, w http.ResponseWriter, r *http.Request) bool {
		if num != 2 || !stalled.CompareAndSwap(false, true) {
			return false
		}
		<-r.Context().Done()
		return true
	}
	srv := httptest.NewServer(ws)
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "slow")
	req := DownloadRequest{
		BaseURL: srv.URL, Type: AssetData, Code: "slow", WorkerID: "w1", TaskID: "1",
		ChunkSize: 5, Dest: dest,
	}
	d := NewDownloader(NewHTTPClient(200*time.Millisecond, true))

	res := d.Download(context.Background(), req)
	require.Equal(t, OutcomeTimeout, res.Outcome, "err: %v", res.Err)
	require.True(t, res.Outcome.Retryable())
	require.Equal(t, 2, res.Chunks)
	require.Empty(t, dirEntries(t, dir), "a timed out attempt keeps no parts")

	res = d.Download(context.Background(), req)
	require.Equal(t, OutcomeOK, res.Outcome, "err: %v", res.Err)
	require.Equal(t, 6, res.Chunks)
	require.Equal(t, []int{0, 1, 2, 0, 1, 2, 3, 4, 5}, ws.requested())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, string(got))
	require.Equal(t, []string{"slow"}, dirEntries(t, dir))
}

func TestDownloadFailureKeepsExistingDestination(t *testing.T) {
	ws := &windowServer{payload: strings.Repeat("n", 30)}
	ws.hook = func(num int, w http.ResponseWriter, r *http.Request) bool {
		if num != 2 {
			return false
		}
		w.Header().Set(HeaderChunkSize, "5")
		w.Header().Set(HeaderIsLastChunk, "false")
		w.Write([]byte("nn"))
		return true
	}
	srv := httptest.NewServer(ws)
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "asset")
	require.NoError(t, os.WriteFile(dest, []byte("previous"), 0644))

	res := NewDownloader(nil).Download(context.Background(), DownloadRequest{
		BaseURL: srv.URL, Type: AssetData, Code: "asset", WorkerID: "w1", TaskID: "1",
		ChunkSize: 5, Dest: dest,
	})
	require.Equal(t, OutcomeTransmitError, res.Outcome, "err: %v", res.Err)
	require.Equal(t, []int{0, 1, 2}, ws.requested())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "previous", string(got))
	require.Equal(t, []string{"asset"}, dirEntries(t, dir), "no part files may remain")
}

func TestDownloadCodeWithReservedCharacters(t *testing.T) {
	f := newFixture(t)
	f.put(t, storage.KindData, "a?b#c d", "reserved")

	dest := filepath.Join(t.TempDir(), "reserved")
	res := NewDownloader(nil).Download(context.Background(), DownloadRequest{
		BaseURL: f.srv.URL, Type: AssetData, Code: "a?b#c d", WorkerID: "w1", TaskID: "1",
		ChunkSize: 4, Dest: dest,
	})
	require.Equal(t, OutcomeOK, res.Outcome, "err: %v", res.Err)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "reserved", string(got))
}

func TestDownloadMalformedCodeIsRejected(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	res := NewDownloader(nil).Download(context.Background(), DownloadRequest{
		BaseURL: f.srv.URL, Type: AssetData, Code: "../etc/passwd", WorkerID: "w1", TaskID: "1",
		ChunkSize: 4, Dest: filepath.Join(dir, "passwd"),
	})
	require.Equal(t, OutcomeRejected, res.Outcome, "err: %v", res.Err)
	require.True(t, res.Outcome.Terminal())
	require.EqualValues(t, 1, f.gets.Load(), "the request must reach the chunk handler")
	require.Empty(t, dirEntries(t, dir))
}
