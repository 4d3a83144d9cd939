package worker

import (
	"context"
	"errors"

	"github.com/withObsrvr/obsrvr-dispatch/internal/logging"
	"github.com/withObsrvr/obsrvr-dispatch/internal/metrics"
	"github.com/withObsrvr/obsrvr-dispatch/internal/transfer"
)

// UploadJob asks for the output of one task to be uploaded.
type UploadJob struct {
	DispatcherURL string
	TaskID        int64
}

// Uploads owns the upload actor.
type Uploads struct {
	links    *Links
	uploader *transfer.Uploader

	Actor *Actor[UploadJob]
}

// NewUploads creates the upload side. A nil uploader selects the default
// upload timeouts.
func NewUploads(links *Links, uploader *transfer.Uploader) *Uploads {
	if uploader == nil {
		uploader = transfer.NewUploader(nil)
	}
	u := &Uploads{links: links, uploader: uploader}
	u.Actor = NewActor(ActorUploadResult, u.upload)
	return u
}

// Schedule enqueues the task's upload.
func (u *Uploads) Schedule(link *Link, taskID int64) {
	u.Actor.Enqueue(UploadJob{DispatcherURL: link.URL(), TaskID: taskID})
}

// upload handles one job and reports whether to retry it.
func (u *Uploads) upload(ctx context.Context, job UploadJob) bool {
	link, ok := u.links.Get(job.DispatcherURL)
	if !ok {
		return false
	}
	log := logging.TaskLogger(job.DispatcherURL, job.TaskID).With("actor", ActorUploadResult)

	t, ok := link.Book.Get(job.TaskID)
	if !ok || !t.NeedsUpload() {
		return false
	}
	workerID := link.WorkerID()
	if workerID == "" {
		return true
	}

	reply, err := u.uploader.Upload(ctx, transfer.UploadRequest{
		BaseURL:  link.URL(),
		WorkerID: workerID,
		TaskID:   job.TaskID,
		Path:     link.Book.OutputPath(job.TaskID),
	})
	if err != nil {
		log.Warn("upload failed, will retry", "error", err)
		observeUpload("transport_error")
		return true
	}
	observeUpload(string(reply.Status))

	switch {
	case reply.Status == transfer.UploadOK:
		if err := link.Book.Update(job.TaskID, func(t *LocalTask) { t.Uploaded = true }); err != nil && !errors.Is(err, ErrTaskNotFound) {
			log.Warn("record upload failed", "error", err)
			return true
		}
		log.Info("output uploaded")
		return false
	case reply.Status.Terminal():
		log.Warn("upload refused, dropping task", "status", reply.Status, "error", reply.Error)
		if err := link.Book.Delete(job.TaskID); err != nil && !errors.Is(err, ErrTaskNotFound) {
			log.Warn("delete task failed", "error", err)
		}
		return false
	default:
		log.Warn("upload not accepted, will retry", "status", reply.Status, "error", reply.Error)
		return true
	}
}

func observeUpload(status string) {
	if m := metrics.Get(); m != nil {
		m.IncUploadOutcome(status)
	}
}
