// Package syncer moves cache documents between a device and a sync server.
// A round exports pending documents, uploads them, downloads what the server
// has published since the last round and imports it.
package syncer

import (
	"context"

	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
	"github.com/odvcencio/usercache/pkg/usercache"
)

//go:generate mockgen -source=transport.go -destination=mock_transport_test.go -package=syncer

// Transport carries sync requests to the server.
type Transport interface {
	// Upload delivers a batch of device documents.
	Upload(ctx context.Context, req UploadRequest) error

	// Download returns server documents written after req.Since.
	Download(ctx context.Context, req DownloadRequest) ([]usercache.Entry, error)
}

// UploadRequest is the body of a put call.
type UploadRequest struct {
	BatchID  string            `json:"batch_id"`
	DeviceID string            `json:"device_id"`
	Entries  []usercache.Entry `json:"entries"`
}

// DownloadRequest is the body of a get call.
type DownloadRequest struct {
	DeviceID string `json:"device_id"`
	Since    int64  `json:"since"`
}

// Reply is the response body of put and get calls. Error is set when the
// server rejected the request.
type Reply struct {
	Entries []usercache.Entry `json:"entries"`
	Error   string            `json:"error,omitempty"`
}

// Paths and subject suffixes shared with the server.
const (
	PutPath    = "/usercache/put"
	GetPath    = "/usercache/get"
	PutSubject = "put"
	GetSubject = "get"
)

func transportErr(err error, message string) error {
	return cacheerrors.Wrap(err, cacheerrors.ErrCodeTransport, message).WithRetryable(true)
}
