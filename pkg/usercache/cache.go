package usercache

import (
	"context"
	"strings"
	"time"

	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
)

// Cache is the entry store. Implementations are safe for concurrent use.
type Cache interface {
	// PutMessage appends a Message entry.
	PutMessage(ctx context.Context, key string, data []byte, opts ...PutOption) error

	// PutDocument appends a Document entry.
	PutDocument(ctx context.Context, key string, data []byte, opts ...PutOption) error

	// PutReadWriteDocument appends a ReadWriteDocument entry.
	PutReadWriteDocument(ctx context.Context, key string, data []byte, opts ...PutOption) error

	// ReadDocument selects the current document row for key and passes it
	// to fn. The row is marked read only if fn returns nil. With
	// ReadIfChanged, an unchanged row yields (false, nil) and fn is not
	// called.
	ReadDocument(ctx context.Context, key string, mode ReadMode, fn func(Entry) error) (bool, error)

	// ClearMessages deletes entries matching q and returns how many.
	ClearMessages(ctx context.Context, q TimeQuery) (int64, error)

	// Clear deletes every entry.
	Clear(ctx context.Context) error

	// ExportForUpload returns all document entries, oldest write first.
	ExportForUpload(ctx context.Context) ([]Entry, error)

	// ImportFromDownload inserts entries verbatim, reporting per-entry
	// failures.
	ImportFromDownload(ctx context.Context, entries []Entry) (ImportResult, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int64, error)
}

// CursorStore persists named sync positions next to the entries.
type CursorStore interface {
	Cursor(ctx context.Context, name string) (int64, error)
	SetCursor(ctx context.Context, name string, value int64) error
}

// PutOption adjusts a single put.
type PutOption func(*putOptions)

type putOptions struct {
	plugin  string
	hasPlug bool
}

// WithPlugin tags the entry with the producing subsystem.
func WithPlugin(name string) PutOption {
	return func(o *putOptions) {
		o.plugin = name
		o.hasPlug = true
	}
}

func (o *options) pluginFor(opts []PutOption) string {
	var po putOptions
	for _, opt := range opts {
		opt(&po)
	}
	if po.hasPlug {
		return po.plugin
	}
	return o.defaultPlugin
}

// Option configures a store.
type Option func(*options)

type options struct {
	now           func() time.Time
	busyTimeout   time.Duration
	defaultPlugin string
	observers     []Observer
}

const defaultBusyTimeout = 5 * time.Second

func defaultOptions() options {
	return options{
		now:         time.Now,
		busyTimeout: defaultBusyTimeout,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// WithClock replaces the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithBusyTimeout bounds how long SQLite waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// WithDefaultPlugin sets the plugin tag used when a put has none.
func WithDefaultPlugin(name string) Option {
	return func(o *options) { o.defaultPlugin = name }
}

// WithObserver registers an observer at construction time.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return cacheerrors.New(cacheerrors.ErrCodeInvalidInput, "key cannot be empty")
	}
	return nil
}

func validateQuery(q TimeQuery) error {
	if !q.Field.Valid() {
		return cacheerrors.Newf(cacheerrors.ErrCodeInvalidInput, "unknown timestamp field %q", q.Field)
	}
	return nil
}

// MaxTimestamp is the latest timestamp accepted on import,
// 9999-12-31T23:59:59.999Z in epoch milliseconds.
const MaxTimestamp int64 = 253402300799999

func validateImport(e Entry) error {
	md := e.Metadata
	switch {
	case !md.Type.Valid():
		return cacheerrors.Newf(cacheerrors.ErrCodeInvalidInput, "unknown entry type %q", md.Type)
	case strings.TrimSpace(md.Key) == "":
		return cacheerrors.New(cacheerrors.ErrCodeInvalidInput, "key cannot be empty")
	case md.WriteTS < 0 || md.ReadTS < 0:
		return cacheerrors.New(cacheerrors.ErrCodeInvalidInput, "timestamps cannot be negative")
	case md.WriteTS > MaxTimestamp || md.ReadTS > MaxTimestamp:
		return cacheerrors.Newf(cacheerrors.ErrCodeInvalidInput, "timestamps cannot be after %d", MaxTimestamp).
			WithContext("write_ts", md.WriteTS).
			WithContext("read_ts", md.ReadTS)
	}
	return nil
}

func notFound(key string) error {
	return cacheerrors.Newf(cacheerrors.ErrCodeNotFound, "no document for key %q", key).
		WithContext("key", key)
}

func partialImport(res ImportResult, total int) error {
	if len(res.Failed) == 0 {
		return nil
	}
	err := cacheerrors.Newf(cacheerrors.ErrCodePartialSync, "%d of %d entries failed to import", len(res.Failed), total).
		WithContext("failed_indexes", res.FailedIndexes())
	err.Underlying = res.Failed[0].Err
	return err
}
