package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
	"github.com/odvcencio/usercache/pkg/telemetry"
	"github.com/odvcencio/usercache/pkg/usercache"
)

type testClock struct {
	mu sync.Mutex
	ms int64
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.UnixMilli(c.ms)
}

func setupSyncer(t *testing.T, opts Options) (*Syncer, *usercache.MemoryStore, *MockTransport, *testClock) {
	t.Helper()
	ctrl := gomock.NewController(t)
	transport := NewMockTransport(ctrl)
	clock := &testClock{ms: 1_000}
	store := usercache.NewMemoryStore(usercache.WithClock(clock.Now))

	if opts.DeviceID == "" {
		opts.DeviceID = "dev-1"
	}
	s, err := New(store, transport, opts)
	require.NoError(t, err)
	return s, store, transport, clock
}

func TestNew_Validation(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := NewMockTransport(ctrl)
	store := usercache.NewMemoryStore()

	_, err := New(nil, transport, Options{DeviceID: "d"})
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeInvalidInput))

	_, err = New(store, nil, Options{DeviceID: "d"})
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeInvalidInput))

	_, err = New(store, transport, Options{DeviceID: "  "})
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeInvalidInput))

	s, err := New(store, transport, Options{DeviceID: "d"})
	require.NoError(t, err)
	assert.Equal(t, defaultInterval, s.opts.Interval)
	assert.Equal(t, defaultTimeout, s.opts.Timeout)
}

func TestRunOnce_UploadsPendingDocuments(t *testing.T) {
	ctx := context.Background()
	s, store, transport, _ := setupSyncer(t, Options{})

	require.NoError(t, store.PutReadWriteDocument(ctx, "a", []byte(`1`)))
	require.NoError(t, store.PutMessage(ctx, "loc", []byte(`{}`)))
	require.NoError(t, store.PutReadWriteDocument(ctx, "b", []byte(`2`)))

	gomock.InOrder(
		transport.EXPECT().Upload(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req UploadRequest) error {
			assert.Equal(t, "dev-1", req.DeviceID)
			assert.NotEmpty(t, req.BatchID)
			require.Len(t, req.Entries, 2)
			assert.Equal(t, "a", req.Entries[0].Metadata.Key)
			assert.Equal(t, "b", req.Entries[1].Metadata.Key)
			return nil
		}),
		transport.EXPECT().Download(gomock.Any(), DownloadRequest{DeviceID: "dev-1", Since: 0}).Return(nil, nil),
	)

	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Uploaded)
	assert.Zero(t, report.Downloaded)

	cursor, err := store.Cursor(ctx, UploadCursor)
	require.NoError(t, err)
	assert.Equal(t, int64(1_002), cursor)

	// Only the new write goes out next time.
	require.NoError(t, store.PutReadWriteDocument(ctx, "c", []byte(`3`)))
	gomock.InOrder(
		transport.EXPECT().Upload(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req UploadRequest) error {
			require.Len(t, req.Entries, 1)
			assert.Equal(t, "c", req.Entries[0].Metadata.Key)
			return nil
		}),
		transport.EXPECT().Download(gomock.Any(), gomock.Any()).Return([]usercache.Entry{}, nil),
	)

	report, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)
}

func TestRunOnce_NothingPendingSkipsUpload(t *testing.T) {
	ctx := context.Background()
	s, store, transport, _ := setupSyncer(t, Options{})

	require.NoError(t, store.PutMessage(ctx, "loc", []byte(`{}`)))
	transport.EXPECT().Download(gomock.Any(), gomock.Any()).Return(nil, nil)

	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Uploaded)
}

func TestRunOnce_UploadFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	s, store, transport, _ := setupSyncer(t, Options{})

	require.NoError(t, store.PutReadWriteDocument(ctx, "a", []byte(`1`)))
	transport.EXPECT().Upload(gomock.Any(), gomock.Any()).
		Return(cacheerrors.New(cacheerrors.ErrCodeTransport, "connection refused").WithRetryable(true))

	_, err := s.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeTransport))
	assert.True(t, cacheerrors.IsRetryable(err))

	cursor, err := store.Cursor(ctx, UploadCursor)
	require.NoError(t, err)
	assert.Zero(t, cursor)
}

func TestRunOnce_DownloadImportsAndAdvances(t *testing.T) {
	ctx := context.Background()
	s, store, transport, _ := setupSyncer(t, Options{})

	server := []usercache.Entry{
		{Metadata: usercache.Metadata{WriteTS: 5_000, Type: usercache.Document, Key: "config", Plugin: "server"}, Data: []byte(`{"v":1}`)},
		{Metadata: usercache.Metadata{WriteTS: 6_000, Type: usercache.ReadWriteDocument, Key: "profile"}, Data: []byte(`{"name":"srv"}`)},
	}
	transport.EXPECT().Download(gomock.Any(), DownloadRequest{DeviceID: "dev-1", Since: 0}).Return(server, nil)

	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Downloaded)
	assert.Equal(t, 2, report.Imported)

	got, err := usercache.DocumentEntry(ctx, store, "config")
	require.NoError(t, err)
	assert.Equal(t, server[0].Data, got.Data)
	assert.Equal(t, "server", got.Metadata.Plugin)
	assert.Equal(t, int64(5_000), got.Metadata.WriteTS)

	cursor, err := store.Cursor(ctx, DownloadCursor)
	require.NoError(t, err)
	assert.Equal(t, int64(6_000), cursor)

	// Imported documents are newer than the upload cursor and go back up.
	transport.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(nil)
	transport.EXPECT().Download(gomock.Any(), DownloadRequest{DeviceID: "dev-1", Since: 6_000}).Return(nil, nil)

	_, err = s.RunOnce(ctx)
	require.NoError(t, err)
}

func TestRunOnce_PartialImportHoldsCursorBeforeFailure(t *testing.T) {
	ctx := context.Background()
	s, store, transport, _ := setupSyncer(t, Options{
		Metrics: telemetry.NewSyncMetrics(prometheus.NewRegistry()),
	})

	transport.EXPECT().Download(gomock.Any(), gomock.Any()).Return([]usercache.Entry{
		{Metadata: usercache.Metadata{WriteTS: 100, Type: usercache.Document, Key: "a"}, Data: []byte(`1`)},
		{Metadata: usercache.Metadata{WriteTS: 200, Type: "unknown", Key: "b"}, Data: []byte(`2`)},
		{Metadata: usercache.Metadata{WriteTS: 300, Type: usercache.Document, Key: "c"}, Data: []byte(`3`)},
	}, nil)

	report, err := s.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodePartialSync))
	assert.Equal(t, 2, report.Imported)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, 1, report.Failed[0].Index)

	cursor, err := store.Cursor(ctx, DownloadCursor)
	require.NoError(t, err)
	assert.Equal(t, int64(199), cursor)
}

func TestRunOnce_DownloadError(t *testing.T) {
	ctx := context.Background()
	s, store, transport, _ := setupSyncer(t, Options{})

	transport.EXPECT().Download(gomock.Any(), gomock.Any()).
		Return(nil, cacheerrors.Wrap(errors.New("eof"), cacheerrors.ErrCodeTransport, "read reply"))

	_, err := s.RunOnce(ctx)
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeTransport))

	cursor, err := store.Cursor(ctx, DownloadCursor)
	require.NoError(t, err)
	assert.Zero(t, cursor)
}

func TestNextDownloadCursor(t *testing.T) {
	entry := func(ts int64) usercache.Entry {
		return usercache.Entry{Metadata: usercache.Metadata{WriteTS: ts}}
	}
	tests := []struct {
		name    string
		since   int64
		entries []usercache.Entry
		failed  []int64
		want    int64
	}{
		{"all ok", 10, []usercache.Entry{entry(20), entry(15)}, nil, 20},
		{"failure in the middle", 10, []usercache.Entry{entry(20), entry(30), entry(40)}, []int64{30}, 29},
		{"failure at the start", 10, []usercache.Entry{entry(11), entry(30)}, []int64{11}, 10},
		{"never regresses", 50, []usercache.Entry{entry(20)}, []int64{20}, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var failed []usercache.ImportFailure
			for _, ts := range tt.failed {
				failed = append(failed, usercache.ImportFailure{Entry: entry(ts)})
			}
			assert.Equal(t, tt.want, nextDownloadCursor(tt.since, tt.entries, failed))
		})
	}
}

func TestTrigger_Throttled(t *testing.T) {
	s, _, _, _ := setupSyncer(t, Options{MinTriggerInterval: time.Hour})

	assert.True(t, s.Trigger())
	assert.False(t, s.Trigger(), "second trigger inside the interval is throttled")
	assert.Len(t, s.trigger, 1)
}

func TestTrigger_Unthrottled(t *testing.T) {
	s, _, _, _ := setupSyncer(t, Options{})

	assert.True(t, s.Trigger())
	assert.True(t, s.Trigger())
	assert.Len(t, s.trigger, 1, "pending triggers coalesce")
}

func TestTriggerOn_DocumentWrites(t *testing.T) {
	s, _, _, _ := setupSyncer(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan usercache.Event, 2)
	events <- usercache.Event{Type: usercache.EventEntryPut, EntryType: usercache.Message}
	events <- usercache.Event{Type: usercache.EventEntryPut, EntryType: usercache.ReadWriteDocument}
	close(events)

	s.TriggerOn(ctx, events)
	assert.Len(t, s.trigger, 1)
}

func TestRun_RoundsUntilCancelled(t *testing.T) {
	s, _, transport, _ := setupSyncer(t, Options{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rounds := make(chan struct{}, 4)
	transport.EXPECT().Download(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, DownloadRequest) ([]usercache.Entry, error) {
			rounds <- struct{}{}
			return nil, nil
		}).MinTimes(2)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitRound := func() {
		select {
		case <-rounds:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a sync round")
		}
	}
	waitRound()
	require.True(t, s.Trigger())
	waitRound()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
