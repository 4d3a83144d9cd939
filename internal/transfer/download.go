package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/withObsrvr/obsrvr-dispatch/internal/logging"
)

// Outcome classifies one download attempt.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTransmitError
	OutcomeGone
	OutcomeRejected
	OutcomeTimeout
	OutcomeTransient
	OutcomeTooManyChunks
	OutcomeIntegrity
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTransmitError:
		return "transmit_error"
	case OutcomeGone:
		return "gone"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeTransient:
		return "transient"
	case OutcomeTooManyChunks:
		return "too_many_chunks"
	case OutcomeIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Terminal reports whether the task owning the asset must be failed.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeGone, OutcomeRejected, OutcomeTooManyChunks:
		return true
	}
	return false
}

// Retryable reports whether the download should be attempted again later.
func (o Outcome) Retryable() bool {
	return o != OutcomeOK && !o.Terminal()
}

// DownloadRequest describes one asset download.
type DownloadRequest struct {
	BaseURL   string
	Type      AssetType
	Code      string
	WorkerID  string
	TaskID    string
	ChunkSize int64

	// Dest is the final path. It appears only once the asset is complete.
	Dest string

	// Verify, when set, inspects the assembled file before it is renamed
	// into place. An error discards the file.
	Verify func(path string) error
}

// DownloadResult is the outcome of Download.
type DownloadResult struct {
	Outcome Outcome
	Bytes   int64
	Chunks  int
	Err     error
}

// Downloader fetches assets chunk by chunk.
type Downloader struct {
	client    *http.Client
	maxChunks int
	log       *slog.Logger
}

// NewDownloader creates a downloader. A nil client selects the default
// download timeouts.
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = NewHTTPClient(DownloadTimeout, true)
	}
	return &Downloader{
		client:    client,
		maxChunks: MaxChunks,
		log:       logging.Component("download"),
	}
}

// Download fetches req's asset into req.Dest. Part files are removed on every
// path; a failed attempt leaves nothing at Dest.
func (d *Downloader) Download(ctx context.Context, req DownloadRequest) DownloadResult {
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0755); err != nil {
		return DownloadResult{Outcome: OutcomeTransient, Err: fmt.Errorf("create dir: %w", err)}
	}
	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var parts []string
	defer func() {
		for _, p := range parts {
			os.Remove(p)
		}
	}()

	var total int64
	for idx := 0; ; idx++ {
		if idx >= d.maxChunks {
			return DownloadResult{
				Outcome: OutcomeTooManyChunks,
				Bytes:   total,
				Chunks:  idx,
				Err:     fmt.Errorf("asset %s exceeds %d chunks", req.Code, d.maxChunks),
			}
		}

		part := fmt.Sprintf("%s.%d.tmp", req.Dest, idx)
		parts = append(parts, part)

		n, last, outcome, err := d.fetchChunk(ctx, req, chunkSize, idx, part)
		if outcome != OutcomeOK {
			return DownloadResult{Outcome: outcome, Bytes: total, Chunks: idx, Err: err}
		}
		total += n
		if last || n == 0 {
			break
		}
	}

	if err := d.assemble(req, parts); err != nil {
		var ie *integrityError
		if errors.As(err, &ie) {
			return DownloadResult{Outcome: OutcomeIntegrity, Bytes: total, Chunks: len(parts), Err: ie.err}
		}
		return DownloadResult{Outcome: OutcomeTransient, Bytes: total, Chunks: len(parts), Err: err}
	}

	d.log.Debug("asset downloaded", "code", req.Code, "type", req.Type, "bytes", total, "chunks", len(parts))
	return DownloadResult{Outcome: OutcomeOK, Bytes: total, Chunks: len(parts)}
}

func (d *Downloader) fetchChunk(ctx context.Context, req DownloadRequest, chunkSize int64, idx int, part string) (int64, bool, Outcome, error) {
	q := url.Values{}
	q.Set("code", req.Code)
	q.Set("chunkSize", strconv.FormatInt(chunkSize, 10))
	q.Set("chunkNum", strconv.Itoa(idx))
	u := joinURL(req.BaseURL, PathAsset, string(req.Type), RandomPart(req.WorkerID, req.TaskID, req.Code)) + "?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, false, OutcomeTransient, fmt.Errorf("build request: %w", err)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return 0, false, OutcomeTimeout, err
		}
		return 0, false, OutcomeTransient, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGone:
		return 0, false, OutcomeGone, fmt.Errorf("asset %s is gone", req.Code)
	case http.StatusRequestedRangeNotSatisfiable, http.StatusNotAcceptable:
		return 0, false, OutcomeRejected, fmt.Errorf("asset %s rejected with status %d", req.Code, resp.StatusCode)
	default:
		return 0, false, OutcomeTransient, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	declared, err := strconv.ParseInt(resp.Header.Get(HeaderChunkSize), 10, 64)
	if err != nil {
		return 0, false, OutcomeTransmitError, fmt.Errorf("chunk %d: bad %s header", idx, HeaderChunkSize)
	}
	last, _ := strconv.ParseBool(resp.Header.Get(HeaderIsLastChunk))

	f, err := os.Create(part)
	if err != nil {
		return 0, false, OutcomeTransient, fmt.Errorf("create part: %w", err)
	}
	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		if isTimeout(copyErr) {
			return n, false, OutcomeTimeout, copyErr
		}
		return n, false, OutcomeTransient, copyErr
	}
	if closeErr != nil {
		return n, false, OutcomeTransient, closeErr
	}

	if n != declared {
		return n, false, OutcomeTransmitError,
			fmt.Errorf("chunk %d: declared %d bytes, received %d", idx, declared, n)
	}
	return n, last, OutcomeOK, nil
}

type integrityError struct{ err error }

func (e *integrityError) Error() string { return e.err.Error() }

// assemble concatenates non-empty parts into a temp file next to Dest,
// verifies it, and renames it into place.
func (d *Downloader) assemble(req DownloadRequest, parts []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(req.Dest), filepath.Base(req.Dest)+".*.assembling")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	for _, p := range parts {
		info, err := os.Stat(p)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("stat part: %w", err)
		}
		if info.Size() == 0 {
			continue
		}
		if err := appendFile(tmp, p); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if req.Verify != nil {
		if err := req.Verify(tmpPath); err != nil {
			os.Remove(tmpPath)
			return &integrityError{err: err}
		}
	}

	if err := os.Rename(tmpPath, req.Dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s to %s: %w", tmpPath, req.Dest, err)
	}
	return nil
}

func appendFile(dst *os.File, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open part: %w", err)
	}
	defer src.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("append part: %w", err)
	}
	return nil
}
