package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
)

// UploadRequest describes one output upload.
type UploadRequest struct {
	BaseURL  string
	WorkerID string
	TaskID   int64
	Path     string
}

// Uploader posts task outputs as multipart forms.
type Uploader struct {
	client *http.Client
}

// NewUploader creates an uploader. A nil client selects the default upload
// timeouts.
func NewUploader(client *http.Client) *Uploader {
	if client == nil {
		client = NewHTTPClient(UploadTimeout, false)
	}
	return &Uploader{client: client}
}

// Upload streams the file at req.Path. A returned error means the verdict is
// unknown and the upload should be repeated.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (UploadReply, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return UploadReply{}, fmt.Errorf("open output: %w", err)
	}
	defer f.Close()

	taskID := strconv.FormatInt(req.TaskID, 10)
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeForm(mw, req.WorkerID, taskID, filepath.Base(req.Path), f)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	target := joinURL(req.BaseURL, PathUpload, RandomPart(req.WorkerID, taskID, ""))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, pr)
	if err != nil {
		pr.CloseWithError(err)
		return UploadReply{}, fmt.Errorf("build upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.client.Do(httpReq)
	if err != nil {
		pr.CloseWithError(err)
		return UploadReply{}, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return UploadReply{}, fmt.Errorf("upload request: unexpected status %d", resp.StatusCode)
	}

	var reply UploadReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return UploadReply{}, fmt.Errorf("decode upload reply: %w", err)
	}
	return reply, nil
}

func writeForm(mw *multipart.Writer, workerID, taskID, filename string, r io.Reader) error {
	if err := mw.WriteField("workerId", workerID); err != nil {
		return err
	}
	if err := mw.WriteField("taskId", taskID); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, r)
	return err
}
