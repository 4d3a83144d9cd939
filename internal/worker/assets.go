package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/withObsrvr/obsrvr-dispatch/internal/logging"
	"github.com/withObsrvr/obsrvr-dispatch/internal/metrics"
	"github.com/withObsrvr/obsrvr-dispatch/internal/transfer"
	"github.com/withObsrvr/obsrvr-dispatch/internal/util"
)

// Actor names, also used as metric labels.
const (
	ActorDownloadAsset    = "download_asset"
	ActorDownloadFunction = "download_function"
	ActorUploadResult     = "upload_result"
)

// AssetJob asks for one asset needed by one task.
type AssetJob struct {
	DispatcherURL string
	TaskID        int64
	Type          transfer.AssetType
	Code          string
}

func (j AssetJob) key() string {
	return j.DispatcherURL + "|" + string(j.Type) + "|" + j.Code
}

// Assets owns the two download actors. Data inputs go through the asset
// actor; function payloads go through the function actor, which applies the
// integrity gate.
type Assets struct {
	links      *Links
	downloader *transfer.Downloader
	checksums  *transfer.ChecksumClient

	mu         sync.Mutex
	downloaded map[string]bool

	Data     *Actor[AssetJob]
	Function *Actor[AssetJob]
}

// NewAssets creates the download side. Nil clients select the default
// download timeouts.
func NewAssets(links *Links, downloader *transfer.Downloader, checksums *transfer.ChecksumClient) *Assets {
	if downloader == nil {
		downloader = transfer.NewDownloader(nil)
	}
	if checksums == nil {
		checksums = transfer.NewChecksumClient(nil)
	}
	a := &Assets{
		links:      links,
		downloader: downloader,
		checksums:  checksums,
		downloaded: make(map[string]bool),
	}
	a.Data = NewActor(ActorDownloadAsset, func(ctx context.Context, job AssetJob) bool {
		return a.fetch(ctx, ActorDownloadAsset, job)
	})
	a.Function = NewActor(ActorDownloadFunction, func(ctx context.Context, job AssetJob) bool {
		return a.fetch(ctx, ActorDownloadFunction, job)
	})
	return a
}

// Schedule enqueues every asset the task still lacks.
func (a *Assets) Schedule(link *Link, t LocalTask) {
	if t.Completed {
		return
	}
	if !t.FunctionReady {
		a.Function.Enqueue(AssetJob{DispatcherURL: link.URL(), TaskID: t.TaskID, Type: transfer.AssetFunction, Code: t.FunctionCode})
	}
	ready := make(map[string]bool, len(t.ReadyInputs))
	for _, c := range t.ReadyInputs {
		ready[c] = true
	}
	for _, code := range t.Inputs {
		if !ready[code] {
			a.Data.Enqueue(AssetJob{DispatcherURL: link.URL(), TaskID: t.TaskID, Type: transfer.AssetData, Code: code})
		}
	}
}

func (a *Assets) isDownloaded(link *Link, job AssetJob) bool {
	a.mu.Lock()
	done := a.downloaded[job.key()]
	a.mu.Unlock()
	if done {
		return true
	}
	if util.FileExists(link.AssetPath(job.Type, job.Code)) {
		a.setDownloaded(job)
		return true
	}
	return false
}

func (a *Assets) setDownloaded(job AssetJob) {
	a.mu.Lock()
	a.downloaded[job.key()] = true
	a.mu.Unlock()
}

// fetch handles one job and reports whether to retry it.
func (a *Assets) fetch(ctx context.Context, actor string, job AssetJob) bool {
	link, ok := a.links.Get(job.DispatcherURL)
	if !ok {
		return false
	}
	log := logging.TaskLogger(job.DispatcherURL, job.TaskID).With("actor", actor, "code", job.Code)

	t, ok := link.Book.Get(job.TaskID)
	if !ok || t.Completed {
		return false
	}

	if a.isDownloaded(link, job) {
		a.markReady(link, job, log)
		return false
	}

	workerID := link.WorkerID()
	if workerID == "" {
		return true
	}

	req := transfer.DownloadRequest{
		BaseURL:   link.URL(),
		Type:      job.Type,
		Code:      job.Code,
		WorkerID:  workerID,
		TaskID:    util.FormatID(job.TaskID),
		ChunkSize: link.Entry.ChunkSize,
		Dest:      link.AssetPath(job.Type, job.Code),
	}

	if job.Type == transfer.AssetFunction {
		desc, err := a.checksums.Fetch(ctx, link.URL(), workerID, job.TaskID, job.Type, job.Code)
		if errors.Is(err, transfer.ErrAssetGone) {
			a.observe(actor, transfer.OutcomeGone, 0)
			a.fail(link, job, log, fmt.Errorf("function %s is gone", job.Code))
			return false
		}
		if errors.Is(err, transfer.ErrAssetRejected) {
			a.observe(actor, transfer.OutcomeRejected, 0)
			a.fail(link, job, log, fmt.Errorf("function %s was rejected", job.Code))
			return false
		}
		if err != nil {
			log.Warn("checksum fetch failed", "error", err)
			return true
		}
		required := link.Entry.SignatureRequired
		req.Verify = func(path string) error {
			return link.verifier.Verify(path, desc, required)
		}
	}

	res := a.downloader.Download(ctx, req)
	a.observe(actor, res.Outcome, res.Bytes)

	switch {
	case res.Outcome == transfer.OutcomeOK:
		if job.Type == transfer.AssetFunction {
			if err := os.Chmod(req.Dest, 0755); err != nil {
				log.Warn("chmod function failed", "error", err)
				return true
			}
		}
		a.setDownloaded(job)
		a.markReady(link, job, log)
		log.Info("asset downloaded", "bytes", res.Bytes, "chunks", res.Chunks)
		return false
	case res.Outcome.Terminal():
		a.fail(link, job, log, fmt.Errorf("download %s %s: %s: %w", job.Type, job.Code, res.Outcome, res.Err))
		return false
	default:
		log.Warn("download failed, will retry", "outcome", res.Outcome.String(), "error", res.Err)
		return true
	}
}

func (a *Assets) markReady(link *Link, job AssetJob, log *slog.Logger) {
	err := link.Book.Update(job.TaskID, func(t *LocalTask) {
		if job.Type == transfer.AssetFunction {
			t.FunctionReady = true
			return
		}
		for _, c := range t.ReadyInputs {
			if c == job.Code {
				return
			}
		}
		t.ReadyInputs = append(t.ReadyInputs, job.Code)
	})
	if err != nil && !errors.Is(err, ErrTaskNotFound) {
		log.Warn("record asset ready failed", "error", err)
	}
}

func (a *Assets) fail(link *Link, job AssetJob, log *slog.Logger, cause error) {
	log.Error("asset unavailable, failing task", "error", cause)
	if err := link.Book.MarkFinishedWithError(job.TaskID, cause.Error()); err != nil && !errors.Is(err, ErrTaskNotFound) {
		log.Warn("mark task failed", "error", err)
	}
}

func (a *Assets) observe(actor string, outcome transfer.Outcome, bytes int64) {
	if m := metrics.Get(); m != nil {
		m.IncDownloadOutcome(actor, outcome.String())
		if bytes > 0 {
			m.AddDownloadBytes(actor, bytes)
		}
	}
}
