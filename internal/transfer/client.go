package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client timeouts.
const (
	ConnectTimeout  = 5 * time.Second
	DownloadTimeout = 20 * time.Second
	UploadTimeout   = 5 * time.Second
)

var (
	// ErrAssetGone is returned when the dispatcher no longer has an asset.
	ErrAssetGone = errors.New("asset gone")

	// ErrAssetRejected is returned when the dispatcher refuses the request
	// itself, e.g. for a malformed code or asset type.
	ErrAssetRejected = errors.New("asset request rejected")
)

// NewHTTPClient builds a client with a 5s connect timeout. socketTimeout
// bounds the wait for response headers; when bounded is set it also caps the
// whole request.
func NewHTTPClient(socketTimeout time.Duration, bounded bool) *http.Client {
	dialer := &net.Dialer{Timeout: ConnectTimeout, KeepAlive: 30 * time.Second}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = dialer.DialContext
	tr.ResponseHeaderTimeout = socketTimeout

	c := &http.Client{Transport: tr}
	if bounded {
		c.Timeout = socketTimeout
	}
	return c
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func joinURL(base, path string, parts ...string) string {
	u := strings.TrimRight(base, "/") + path
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

// ChecksumClient fetches checksum descriptors.
type ChecksumClient struct {
	client *http.Client
}

// NewChecksumClient creates a ChecksumClient. A nil client selects the
// download timeouts.
func NewChecksumClient(client *http.Client) *ChecksumClient {
	if client == nil {
		client = NewHTTPClient(DownloadTimeout, true)
	}
	return &ChecksumClient{client: client}
}

// Fetch requests the descriptor of an asset. Returns ErrAssetGone on 410 and
// ErrAssetRejected on 406.
func (c *ChecksumClient) Fetch(ctx context.Context, baseURL, workerID string, taskID int64, typ AssetType, code string) (Descriptor, error) {
	body, err := json.Marshal(ChecksumRequest{Type: typ, Code: code})
	if err != nil {
		return nil, err
	}
	u := joinURL(baseURL, PathChecksum, RandomPart(workerID, strconv.FormatInt(taskID, 10), code))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build checksum request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("checksum request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGone:
		return nil, ErrAssetGone
	case http.StatusNotAcceptable, http.StatusRequestedRangeNotSatisfiable:
		return nil, ErrAssetRejected
	default:
		return nil, fmt.Errorf("checksum request: unexpected status %d", resp.StatusCode)
	}

	var reply ChecksumReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode checksum reply: %w", err)
	}
	return reply.Checksums, nil
}
