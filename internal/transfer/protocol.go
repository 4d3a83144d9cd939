// Package transfer moves assets between the dispatcher and workers: chunked
// downloads of data and function payloads, checksum descriptors, and
// multipart uploads of task outputs.
package transfer

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Response headers on chunk downloads.
const (
	HeaderChunkSize   = "X-Mh-Chunk-Size"
	HeaderIsLastChunk = "X-Mh-Is-Last-Chunk"
)

// MaxChunks caps the number of chunks fetched for one asset.
const MaxChunks = 1000

// DefaultChunkSize is the chunk size workers request.
const DefaultChunkSize = 1 << 20

// REST paths, relative to a dispatcher base URL.
const (
	PathExchange = "/rest/v1/exchange"
	PathAsset    = "/rest/v1/asset"
	PathChecksum = "/rest/v1/asset-checksum"
	PathUpload   = "/rest/v1/upload"
)

var (
	// ErrBadRange is returned for malformed chunk parameters.
	ErrBadRange = errors.New("malformed chunk parameters")

	// ErrUnknownAssetType is returned for an asset type outside the enum.
	ErrUnknownAssetType = errors.New("unknown asset type")
)

// AssetType names what is being transferred.
type AssetType string

const (
	AssetData     AssetType = "data"
	AssetFunction AssetType = "function"
	AssetOutput   AssetType = "output"
)

// ParseAssetType validates s.
func ParseAssetType(s string) (AssetType, error) {
	switch t := AssetType(strings.ToLower(s)); t {
	case AssetData, AssetFunction, AssetOutput:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAssetType, s)
}

// RandomPart builds the cache-busting path segment
// "<uuid[:8]>-<workerID>-<taskID>[-<code>]". Each piece is escaped so the
// result is always a single segment.
func RandomPart(workerID, taskID, code string) string {
	s := uuid.New().String()[:8] + "-" + segment(workerID) + "-" + segment(taskID)
	if code != "" {
		s += "-" + segment(code)
	}
	return s
}

// segment escapes s for use inside one path segment. Separators are replaced
// before escaping since routers match on the decoded path.
func segment(s string) string {
	return url.PathEscape(strings.NewReplacer("/", "_", "\\", "_").Replace(s))
}

// Window is the byte range served for one chunk request.
type Window struct {
	Offset int64
	Size   int64
	Last   bool
}

// ComputeWindow resolves the chunk parameters against an asset of length
// bytes. A blank chunkSize selects the whole asset.
func ComputeWindow(length int64, chunkSize, chunkNum string) (Window, error) {
	if strings.TrimSpace(chunkSize) == "" {
		return Window{Offset: 0, Size: length, Last: true}, nil
	}

	size, err := strconv.ParseInt(strings.TrimSpace(chunkSize), 10, 64)
	if err != nil || size <= 0 {
		return Window{}, fmt.Errorf("%w: chunkSize=%q", ErrBadRange, chunkSize)
	}
	num, err := strconv.ParseInt(strings.TrimSpace(chunkNum), 10, 64)
	if err != nil || num < 0 {
		return Window{}, fmt.Errorf("%w: chunkNum=%q", ErrBadRange, chunkNum)
	}
	if num > 0 && size > (1<<62)/num {
		return Window{}, fmt.Errorf("%w: offset overflow", ErrBadRange)
	}

	offset := size * num
	if offset >= length {
		return Window{Offset: offset, Size: 0, Last: true}, nil
	}

	n := size
	if rest := length - offset; rest < n {
		n = rest
	}
	return Window{
		Offset: offset,
		Size:   n,
		Last:   length == offset+n,
	}, nil
}

// UploadStatus is the dispatcher's verdict on an output upload.
type UploadStatus string

const (
	UploadOK                 UploadStatus = "OK"
	UploadFilenameBlank      UploadStatus = "FILENAME_IS_BLANK"
	UploadTaskWasReset       UploadStatus = "TASK_WAS_RESET"
	UploadTaskNotFound       UploadStatus = "TASK_NOT_FOUND"
	UploadUnrecoverableError UploadStatus = "UNRECOVERABLE_ERROR"
	UploadProblemWithLocking UploadStatus = "PROBLEM_WITH_LOCKING"
	UploadGeneralError       UploadStatus = "GENERAL_ERROR"
)

// Terminal reports whether the worker must give up on the task's output.
func (s UploadStatus) Terminal() bool {
	switch s {
	case UploadFilenameBlank, UploadTaskWasReset, UploadTaskNotFound, UploadUnrecoverableError:
		return true
	}
	return false
}

// Retryable reports whether the upload should be attempted again later.
// Unknown statuses are retried.
func (s UploadStatus) Retryable() bool {
	return s != UploadOK && !s.Terminal()
}

// UploadReply is the JSON body of an upload response.
type UploadReply struct {
	Status UploadStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// ChecksumRequest is the JSON body of a checksum request.
type ChecksumRequest struct {
	Type AssetType `json:"type,omitempty"`
	Code string    `json:"code"`
}

// ChecksumReply is the JSON body of a checksum response.
type ChecksumReply struct {
	Checksums Descriptor `json:"checksums"`
}
