package transfer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/withObsrvr/obsrvr-dispatch/internal/assign"
	"github.com/withObsrvr/obsrvr-dispatch/internal/logging"
	"github.com/withObsrvr/obsrvr-dispatch/internal/metrics"
	"github.com/withObsrvr/obsrvr-dispatch/internal/storage"
)

// OutputAcceptor decides whether an upload belongs to a live assignment and
// records its arrival. *assign.Coordinator implements it.
type OutputAcceptor interface {
	CheckUpload(ctx context.Context, workerID string, taskID int64) (*assign.Task, error)
	AcceptOutput(ctx context.Context, taskID int64) error
}

// Server serves chunks and checksums and receives output uploads.
type Server struct {
	store storage.AssetStore
	tasks OutputAcceptor
	locks *KeyedMutex
	log   *slog.Logger
}

// NewServer creates a transfer server.
func NewServer(store storage.AssetStore, tasks OutputAcceptor) *Server {
	return &Server{
		store: store,
		tasks: tasks,
		locks: NewKeyedMutex(),
		log:   logging.Component("transfer"),
	}
}

// RegisterRoutes registers the transfer endpoints on the provided group.
func (s *Server) RegisterRoutes(g *gin.RouterGroup) {
	g.GET(PathAsset+"/:type/:random", s.ServeChunk)
	g.POST(PathChecksum+"/:random", s.ServeChecksum)
	g.POST(PathUpload+"/:random", s.ReceiveUpload)
}

// ServeChunk answers GET /rest/v1/asset/{type}/{random}?code=&chunkSize=&chunkNum=.
func (s *Server) ServeChunk(c *gin.Context) {
	typ, err := ParseAssetType(c.Param("type"))
	if err != nil {
		c.Status(http.StatusNotAcceptable)
		return
	}

	ref := storage.Ref{Kind: string(typ), Code: c.Query("code")}
	if err := ref.Validate(); err != nil {
		c.Status(http.StatusNotAcceptable)
		return
	}

	unlock := s.locks.Lock(ref.Key(""))
	defer unlock()

	ctx := c.Request.Context()
	info, err := s.store.Head(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		c.Status(http.StatusGone)
		return
	}
	if err != nil {
		s.log.Error("asset lookup failed", "type", typ, "code", ref.Code, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	w, err := ComputeWindow(info.Size, c.Query("chunkSize"), c.Query("chunkNum"))
	if err != nil {
		c.Status(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	var data []byte
	if w.Size > 0 {
		data, err = s.store.ReadRange(ctx, ref, w.Offset, w.Size)
		if errors.Is(err, storage.ErrNotFound) {
			c.Status(http.StatusGone)
			return
		}
		if err != nil {
			s.log.Error("asset read failed", "type", typ, "code", ref.Code, "offset", w.Offset, "error", err)
			c.Status(http.StatusInternalServerError)
			return
		}
	}

	if m := metrics.Get(); m != nil {
		m.AddChunkServed(string(typ), int64(len(data)))
	}

	c.Header(HeaderChunkSize, strconv.FormatInt(w.Size, 10))
	c.Header(HeaderIsLastChunk, strconv.FormatBool(w.Last))
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// ServeChecksum answers POST /rest/v1/asset-checksum/{random}.
func (s *Server) ServeChecksum(c *gin.Context) {
	var req ChecksumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "details": err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = AssetFunction
	}
	typ, err := ParseAssetType(string(req.Type))
	if err != nil {
		c.Status(http.StatusNotAcceptable)
		return
	}

	ref := storage.Ref{Kind: string(typ), Code: req.Code}
	if err := ref.Validate(); err != nil {
		c.Status(http.StatusNotAcceptable)
		return
	}

	ctx := c.Request.Context()
	rc, err := s.store.Open(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		c.Status(http.StatusGone)
		return
	}
	if err != nil {
		s.log.Error("asset open failed", "code", ref.Code, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	sig, err := s.store.Signature(ctx, ref)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("signature lookup failed", "code", ref.Code, "error", err)
	}

	desc, err := BuildDescriptor(rc, sig)
	if err != nil {
		s.log.Error("checksum failed", "code", ref.Code, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, ChecksumReply{Checksums: desc})
}

// ReceiveUpload answers POST /rest/v1/upload/{random} with a multipart body
// of workerId, taskId and file.
func (s *Server) ReceiveUpload(c *gin.Context) {
	ctx := c.Request.Context()
	workerID := c.PostForm("workerId")
	rawTaskID := c.PostForm("taskId")

	reply := func(status UploadStatus, msg string) {
		if m := metrics.Get(); m != nil {
			m.IncUploadsReceived(string(status))
		}
		if status != UploadOK {
			s.log.Warn("upload rejected",
				"worker_id", workerID, "task_id", rawTaskID, "status", status, "error", msg)
		}
		c.JSON(http.StatusOK, UploadReply{Status: status, Error: msg})
	}

	fh, err := c.FormFile("file")
	if err != nil || strings.TrimSpace(fh.Filename) == "" {
		reply(UploadFilenameBlank, "file is missing or has a blank name")
		return
	}

	taskID, err := strconv.ParseInt(strings.TrimSpace(rawTaskID), 10, 64)
	if err != nil {
		reply(UploadTaskNotFound, "task id is not a number")
		return
	}

	task, err := s.tasks.CheckUpload(ctx, workerID, taskID)
	switch {
	case errors.Is(err, assign.ErrTaskNotFound):
		reply(UploadTaskNotFound, err.Error())
		return
	case errors.Is(err, assign.ErrTaskWasReset):
		reply(UploadTaskWasReset, err.Error())
		return
	case err != nil:
		reply(UploadGeneralError, err.Error())
		return
	}

	code := task.OutputCode
	if code == "" {
		code = strconv.FormatInt(task.ID, 10)
	}
	ref := storage.Ref{Kind: storage.KindOutput, Code: code}
	if err := ref.Validate(); err != nil {
		reply(UploadUnrecoverableError, err.Error())
		return
	}

	f, err := fh.Open()
	if err != nil {
		reply(UploadGeneralError, "open upload: "+err.Error())
		return
	}
	defer f.Close()

	unlock := s.locks.Lock(ref.Key(""))
	defer unlock()

	if err := storage.Put(ctx, s.store, ref, f); err != nil {
		reply(UploadGeneralError, "store output: "+err.Error())
		return
	}

	err = s.tasks.AcceptOutput(ctx, taskID)
	switch {
	case errors.Is(err, assign.ErrLockConflict):
		reply(UploadProblemWithLocking, err.Error())
		return
	case errors.Is(err, assign.ErrTaskNotFound):
		reply(UploadTaskNotFound, err.Error())
		return
	case err != nil:
		reply(UploadGeneralError, err.Error())
		return
	}

	s.log.Info("output stored", "task_id", taskID, "worker_id", workerID, "uri", s.store.URI(ref))
	reply(UploadOK, "")
}
