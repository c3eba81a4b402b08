package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
	"github.com/odvcencio/usercache/pkg/usercache"
)

// maxReplyBytes caps how much of a server reply is read.
const maxReplyBytes = 64 << 20

// HTTPTransport posts JSON requests to a sync server.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport targets baseURL, e.g. "https://sync.example.com". A nil
// client uses one with a 30s timeout.
func NewHTTPTransport(baseURL string, client *http.Client) (*HTTPTransport, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, cacheerrors.Newf(cacheerrors.ErrCodeInvalidInput, "invalid sync server url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(u.String(), "/"),
		client:  client,
	}, nil
}

func (t *HTTPTransport) Upload(ctx context.Context, req UploadRequest) error {
	_, err := t.post(ctx, PutPath, req)
	return err
}

func (t *HTTPTransport) Download(ctx context.Context, req DownloadRequest) ([]usercache.Entry, error) {
	reply, err := t.post(ctx, GetPath, req)
	if err != nil {
		return nil, err
	}
	if reply.Entries == nil {
		return []usercache.Entry{}, nil
	}
	return reply.Entries, nil
}

func (t *HTTPTransport) post(ctx context.Context, path string, body any) (Reply, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Reply{}, cacheerrors.Wrap(err, cacheerrors.ErrCodeInternal, "encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Reply{}, cacheerrors.Wrap(err, cacheerrors.ErrCodeTransport, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Reply{}, transportErr(err, fmt.Sprintf("POST %s", path))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Reply{}, transportErr(err, "read reply")
	}

	var reply Reply
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &reply); err != nil && resp.StatusCode < 300 {
			return Reply{}, cacheerrors.Wrap(err, cacheerrors.ErrCodeTransport, "decode reply").
				WithContext("path", path)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := reply.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Reply{}, cacheerrors.Newf(cacheerrors.ErrCodeTransport, "POST %s: %s", path, msg).
			WithContext("status", resp.StatusCode).
			WithRetryable(resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
	}
	return reply, nil
}
