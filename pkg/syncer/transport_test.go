package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/usercache/pkg/bus"
	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
	"github.com/odvcencio/usercache/pkg/usercache"
)

func sampleEntries() []usercache.Entry {
	return []usercache.Entry{
		{Metadata: usercache.Metadata{WriteTS: 10, Type: usercache.Document, Key: "config"}, Data: []byte(`{"v":1}`)},
	}
}

func TestNewHTTPTransport_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://host", "http://", "::bad"} {
		_, err := NewHTTPTransport(raw, nil)
		assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeInvalidInput), "url %q", raw)
	}
}

func TestHTTPTransport_RoundTrip(t *testing.T) {
	var uploaded UploadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		switch r.URL.Path {
		case PutPath:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&uploaded))
			_ = json.NewEncoder(w).Encode(Reply{})
		case GetPath:
			var req DownloadRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, int64(5), req.Since)
			_ = json.NewEncoder(w).Encode(Reply{Entries: sampleEntries()})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(srv.URL+"/", srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	err = tr.Upload(ctx, UploadRequest{BatchID: "b1", DeviceID: "dev", Entries: sampleEntries()})
	require.NoError(t, err)
	assert.Equal(t, "b1", uploaded.BatchID)
	assert.Equal(t, sampleEntries(), uploaded.Entries)

	got, err := tr.Download(ctx, DownloadRequest{DeviceID: "dev", Since: 5})
	require.NoError(t, err)
	assert.Equal(t, sampleEntries(), got)
}

func TestHTTPTransport_EmptyDownloadIsNonNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(srv.URL, srv.Client())
	require.NoError(t, err)

	got, err := tr.Download(context.Background(), DownloadRequest{DeviceID: "dev"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestHTTPTransport_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		contains  string
	}{
		{"server error", http.StatusServiceUnavailable, "", true, "Service Unavailable"},
		{"rate limited", http.StatusTooManyRequests, "", true, "Too Many Requests"},
		{"bad request", http.StatusBadRequest, `{"error":"device id is required"}`, false, "device id is required"},
		{"non json error body", http.StatusBadGateway, "<html>oops</html>", true, "Bad Gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			tr, err := NewHTTPTransport(srv.URL, srv.Client())
			require.NoError(t, err)

			err = tr.Upload(context.Background(), UploadRequest{DeviceID: "dev"})
			require.Error(t, err)
			assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeTransport))
			assert.Equal(t, tt.retryable, cacheerrors.IsRetryable(err))
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestHTTPTransport_MalformedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"entries":`))
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = tr.Download(context.Background(), DownloadRequest{DeviceID: "dev"})
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeTransport))
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr, err := NewHTTPTransport(url, nil)
	require.NoError(t, err)

	err = tr.Upload(context.Background(), UploadRequest{DeviceID: "dev"})
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeTransport))
	assert.True(t, cacheerrors.IsRetryable(err))
}

func TestNewBusTransport_Validation(t *testing.T) {
	_, err := NewBusTransport(nil, "usercache", 0)
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeInvalidInput))

	b := bus.NewMemoryBus()
	defer b.Close()
	_, err = NewBusTransport(b, " . ", 0)
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeInvalidInput))
}

func TestBusTransport_RoundTrip(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	uploads := make(chan UploadRequest, 1)
	_, err := b.Subscribe(ctx, "usercache.put", func(msg *bus.Message) []byte {
		var req UploadRequest
		_ = json.Unmarshal(msg.Data, &req)
		uploads <- req
		data, _ := json.Marshal(Reply{})
		return data
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "usercache.get", func(msg *bus.Message) []byte {
		data, _ := json.Marshal(Reply{Entries: sampleEntries()})
		return data
	})
	require.NoError(t, err)

	tr, err := NewBusTransport(b, "usercache.", time.Second)
	require.NoError(t, err)

	require.NoError(t, tr.Upload(ctx, UploadRequest{BatchID: "b1", DeviceID: "dev", Entries: sampleEntries()}))
	select {
	case req := <-uploads:
		assert.Equal(t, "b1", req.BatchID)
	case <-time.After(time.Second):
		t.Fatal("upload never reached the responder")
	}

	got, err := tr.Download(ctx, DownloadRequest{DeviceID: "dev"})
	require.NoError(t, err)
	assert.Equal(t, sampleEntries(), got)
}

func TestBusTransport_ReplyError(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "usercache.get", func(msg *bus.Message) []byte {
		data, _ := json.Marshal(Reply{Error: "unknown device"})
		return data
	})
	require.NoError(t, err)

	tr, err := NewBusTransport(b, "usercache", time.Second)
	require.NoError(t, err)

	_, err = tr.Download(ctx, DownloadRequest{DeviceID: "dev"})
	require.Error(t, err)
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeTransport))
	assert.Contains(t, err.Error(), "unknown device")
}

func TestBusTransport_NoResponders(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	tr, err := NewBusTransport(b, "usercache", time.Second)
	require.NoError(t, err)

	err = tr.Upload(context.Background(), UploadRequest{DeviceID: "dev"})
	require.Error(t, err)
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeTransport))
	assert.True(t, cacheerrors.IsRetryable(err))
}
