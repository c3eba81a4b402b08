package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/usercache/pkg/usercache"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsub := hub.Subscribe()
	defer unsub()

	hub.HandleCacheEvent(usercache.Event{Type: usercache.EventEntryPut, Key: "k"})

	select {
	case got := <-ch:
		assert.Equal(t, usercache.EventEntryPut, got.Type)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsub := hub.Subscribe()
	unsub()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
	assert.NotPanics(t, unsub)
}

func TestHub_DropsWhenSubscriberIsSlow(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsub := hub.Subscribe()
	defer unsub()

	assert.NotPanics(t, func() {
		for i := 0; i < hubBuffer*2; i++ {
			hub.Publish(usercache.Event{Type: usercache.EventEntryPut})
		}
	})
	assert.Len(t, ch, hubBuffer)
	assert.Equal(t, uint64(hubBuffer), hub.Dropped())
}

func TestHub_FilteredSubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	writes, unsubWrites := hub.Subscribe(DocumentWrites)
	defer unsubWrites()
	clears, unsubClears := hub.Subscribe(OfType(usercache.EventEntriesCleared))
	defer unsubClears()
	all, unsubAll := hub.Subscribe()
	defer unsubAll()

	for _, e := range []usercache.Event{
		{Type: usercache.EventEntryPut, EntryType: usercache.Message, Key: "m"},
		{Type: usercache.EventEntryPut, EntryType: usercache.ReadWriteDocument, Key: "rw"},
		{Type: usercache.EventEntryPut, EntryType: usercache.Document, Key: "d"},
		{Type: usercache.EventDocumentRead, EntryType: usercache.Document, Key: "d"},
		{Type: usercache.EventEntriesCleared},
	} {
		hub.Publish(e)
	}

	require.Len(t, writes, 2)
	assert.Equal(t, "rw", (<-writes).Key)
	assert.Equal(t, "d", (<-writes).Key)
	require.Len(t, clears, 1)
	assert.Equal(t, usercache.EventEntriesCleared, (<-clears).Type)
	assert.Len(t, all, 5)
	assert.Zero(t, hub.Dropped())
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	hub.Close()
	hub.Close()

	ch, _ := hub.Subscribe()
	_, ok := <-ch
	assert.False(t, ok, "subscribe after close returns a closed channel")

	hub.Publish(usercache.Event{Type: usercache.EventEntryPut})
}

func TestCacheMetrics_CountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCacheMetrics(reg)

	m.HandleCacheEvent(usercache.Event{Type: usercache.EventEntryPut, EntryType: usercache.Message})
	m.HandleCacheEvent(usercache.Event{Type: usercache.EventEntryPut, EntryType: usercache.Message})
	m.HandleCacheEvent(usercache.Event{Type: usercache.EventEntryPut, EntryType: usercache.ReadWriteDocument})
	m.HandleCacheEvent(usercache.Event{Type: usercache.EventDocumentRead})
	m.HandleCacheEvent(usercache.Event{Type: usercache.EventDocumentUnchanged})
	m.HandleCacheEvent(usercache.Event{Type: usercache.EventEntriesCleared, Count: 4})
	m.HandleCacheEvent(usercache.Event{Type: usercache.EventEntriesExported, Count: 2})
	m.HandleCacheEvent(usercache.Event{Type: usercache.EventEntriesImported, Count: 3, Failed: 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.puts.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.puts.WithLabelValues("rw-document")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reads.WithLabelValues("read")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reads.WithLabelValues("unchanged")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.cleared))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.exported))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.imported.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.imported.WithLabelValues("failed")))
}

func TestCacheMetrics_NilIsNoop(t *testing.T) {
	var m *CacheMetrics
	assert.NotPanics(t, func() {
		m.HandleCacheEvent(usercache.Event{Type: usercache.EventEntryPut})
	})

	var s *SyncMetrics
	assert.NotPanics(t, func() {
		s.ObserveRound(RoundOK, time.Second, 1, 1)
	})
}

func TestCacheMetrics_AttachedToStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCacheMetrics(reg)
	hub := NewHub()
	defer hub.Close()
	events, unsub := hub.Subscribe()
	defer unsub()

	store := usercache.NewMemoryStore(usercache.WithObserver(m), usercache.WithObserver(hub))
	require.NoError(t, store.PutMessage(context.Background(), "loc", []byte(`{}`)))

	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("hub did not receive put event")
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.puts.WithLabelValues("message")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSyncMetrics_ObserveRound(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSyncMetrics(reg)

	m.ObserveRound(RoundOK, 20*time.Millisecond, 3, 2)
	m.ObserveRound(RoundPartial, 10*time.Millisecond, 0, 5)
	m.ObserveRound(RoundError, time.Millisecond, 0, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.rounds.WithLabelValues(RoundOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rounds.WithLabelValues(RoundPartial)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rounds.WithLabelValues(RoundError)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.uploaded))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.downloaded))
	assert.Greater(t, testutil.ToFloat64(m.lastSuccess), 0.0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
	assert.Equal(t, uint64(3), histogramSamples(t, reg, "usercache_sync_round_duration_seconds"))
}

// histogramSamples returns the observation count of the named histogram.
func histogramSamples(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	t.Fatalf("histogram %s not registered", name)
	return 0
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSyncMetrics(reg)
	m.ObserveRound(RoundOK, time.Millisecond, 1, 0)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "usercache_sync_rounds_total"))
}

func TestTracerProvider_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider(TracingOptions{ServiceName: "usercache-test", Version: "test", Writer: &buf})
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "sync.round")
	SetAttributes(ctx, AttrBatchID.String("01TEST"), AttrUploaded.Int(2))
	RecordError(ctx, errors.New("boom"))
	RecordError(ctx, nil)
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "sync.round")
	assert.Contains(t, buf.String(), "usercache.sync.batch_id")
}

func TestTracingOptions_Sampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{-2, "AlwaysOnSampler"},
		{0.25, "ParentBased{root:TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		got := TracingOptions{SampleRatio: tt.ratio}.sampler().Description()
		assert.True(t, strings.HasPrefix(got, tt.want), "ratio %v: %s", tt.ratio, got)
	}
}

func TestTracerProvider_NilShutdown(t *testing.T) {
	var tp *TracerProvider
	assert.NoError(t, tp.Shutdown(context.Background()))
}
