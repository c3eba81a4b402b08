package syncer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
	"github.com/odvcencio/usercache/pkg/logging"
	"github.com/odvcencio/usercache/pkg/telemetry"
	"github.com/odvcencio/usercache/pkg/usercache"
)

// Cursor names kept in the store.
const (
	UploadCursor   = "sync.upload"
	DownloadCursor = "sync.download"
)

const (
	defaultInterval = 5 * time.Minute
	defaultTimeout  = 30 * time.Second
)

// Store is what a Syncer needs from the cache.
type Store interface {
	usercache.Cache
	usercache.CursorStore
}

// Options configures a Syncer.
type Options struct {
	DeviceID string

	// Interval between background rounds in Run.
	Interval time.Duration

	// Timeout bounds a single round.
	Timeout time.Duration

	// MinTriggerInterval is the minimum spacing of Trigger calls that
	// actually start a round. Zero disables throttling.
	MinTriggerInterval time.Duration

	// Transport names the transport in spans and logs.
	Transport string

	Logger  *logging.Logger
	Metrics *telemetry.SyncMetrics
}

// Report summarizes one round.
type Report struct {
	BatchID    string
	Uploaded   int
	Downloaded int
	Imported   int
	Failed     []usercache.ImportFailure
}

// Syncer runs sync rounds for one device cache. One round runs at a time.
type Syncer struct {
	store     Store
	transport Transport
	opts      Options
	logger    *logging.Logger
	limiter   *rate.Limiter
	trigger   chan struct{}
	mu        sync.Mutex
}

// New validates opts and builds a Syncer.
func New(store Store, transport Transport, opts Options) (*Syncer, error) {
	if store == nil || transport == nil {
		return nil, cacheerrors.New(cacheerrors.ErrCodeInvalidInput, "syncer needs a store and a transport")
	}
	opts.DeviceID = strings.TrimSpace(opts.DeviceID)
	if opts.DeviceID == "" {
		return nil, cacheerrors.New(cacheerrors.ErrCodeInvalidInput, "device id is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	limit := rate.Inf
	if opts.MinTriggerInterval > 0 {
		limit = rate.Every(opts.MinTriggerInterval)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Syncer{
		store:     store,
		transport: transport,
		opts:      opts,
		logger:    logger.Component("syncer").WithDevice(opts.DeviceID),
		limiter:   rate.NewLimiter(limit, 1),
		trigger:   make(chan struct{}, 1),
	}, nil
}

// RunOnce performs one round: upload then download. An upload failure stops
// the round before downloading. A partially failed import returns the report
// together with a PARTIAL_SYNC_FAILURE error.
func (s *Syncer) RunOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{BatchID: ulid.Make().String()}
	started := time.Now()
	log := s.logger.WithBatch(report.BatchID)

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "usercache.sync.round")
	defer span.End()
	telemetry.SetAttributes(ctx,
		telemetry.AttrBatchID.String(report.BatchID),
		telemetry.AttrDeviceID.String(s.opts.DeviceID),
		telemetry.AttrTransport.String(s.opts.Transport),
	)

	err := s.round(ctx, &report)

	telemetry.SetAttributes(ctx,
		telemetry.AttrUploaded.Int(report.Uploaded),
		telemetry.AttrDownloaded.Int(report.Downloaded),
		telemetry.AttrFailed.Int(len(report.Failed)),
	)
	telemetry.RecordError(ctx, err)

	result := telemetry.RoundOK
	switch {
	case cacheerrors.GetCode(err) == cacheerrors.ErrCodePartialSync:
		result = telemetry.RoundPartial
	case err != nil:
		result = telemetry.RoundError
	}
	s.opts.Metrics.ObserveRound(result, time.Since(started), report.Uploaded, report.Downloaded)

	attrs := []any{
		"uploaded", report.Uploaded,
		"downloaded", report.Downloaded,
		"imported", report.Imported,
		"failed", len(report.Failed),
		"duration", time.Since(started),
	}
	if err != nil {
		log.Warn("sync round failed", append(attrs, "err", err)...)
	} else {
		log.Info("sync round complete", attrs...)
	}
	return report, err
}

func (s *Syncer) round(ctx context.Context, report *Report) error {
	if err := s.upload(ctx, report); err != nil {
		return err
	}
	return s.download(ctx, report)
}

// upload sends documents written after the upload cursor.
func (s *Syncer) upload(ctx context.Context, report *Report) error {
	since, err := s.store.Cursor(ctx, UploadCursor)
	if err != nil {
		return err
	}
	exported, err := s.store.ExportForUpload(ctx)
	if err != nil {
		return err
	}

	// Export is ordered by write_ts, so the pending entries are a suffix.
	var pending []usercache.Entry
	for _, e := range exported {
		if e.Metadata.WriteTS > since {
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	err = s.transport.Upload(ctx, UploadRequest{
		BatchID:  report.BatchID,
		DeviceID: s.opts.DeviceID,
		Entries:  pending,
	})
	if err != nil {
		return err
	}
	report.Uploaded = len(pending)

	return s.store.SetCursor(ctx, UploadCursor, pending[len(pending)-1].Metadata.WriteTS)
}

// download imports server documents written after the download cursor. The
// cursor only moves past entries that imported, so failed ones are fetched
// again next round.
func (s *Syncer) download(ctx context.Context, report *Report) error {
	since, err := s.store.Cursor(ctx, DownloadCursor)
	if err != nil {
		return err
	}

	entries, err := s.transport.Download(ctx, DownloadRequest{DeviceID: s.opts.DeviceID, Since: since})
	if err != nil {
		return err
	}
	report.Downloaded = len(entries)
	if len(entries) == 0 {
		return nil
	}

	res, importErr := s.store.ImportFromDownload(ctx, entries)
	report.Imported = res.Imported
	report.Failed = res.Failed

	next := nextDownloadCursor(since, entries, res.Failed)
	if next > since {
		if err := s.store.SetCursor(ctx, DownloadCursor, next); err != nil {
			return err
		}
	}
	return importErr
}

func nextDownloadCursor(since int64, entries []usercache.Entry, failed []usercache.ImportFailure) int64 {
	next := since
	for _, e := range entries {
		if e.Metadata.WriteTS > next {
			next = e.Metadata.WriteTS
		}
	}
	for _, f := range failed {
		if limit := f.Entry.Metadata.WriteTS - 1; limit < next {
			next = limit
		}
	}
	if next < since {
		return since
	}
	return next
}

// Trigger asks Run to start a round soon. It reports false when throttled.
func (s *Syncer) Trigger() bool {
	if !s.limiter.Allow() {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return true
}

// TriggerOn calls Trigger for every document write seen on events until ctx
// is done or events is closed.
func (s *Syncer) TriggerOn(ctx context.Context, events <-chan usercache.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type == usercache.EventEntryPut && e.EntryType.IsDocument() {
				s.Trigger()
			}
		}
	}
}

// Run performs a round immediately, then on every interval tick or
// trigger, until ctx is cancelled. Round errors are logged, not returned.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info("syncer started", "interval", s.opts.Interval, "transport", s.opts.Transport)
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			s.logger.Info("syncer stopped")
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}
	}
}
