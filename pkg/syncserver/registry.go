package syncserver

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
	"github.com/odvcencio/usercache/pkg/usercache"
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Device holds the server-side stores of one device. Inbox receives what the
// device uploads; Outbox holds documents the server publishes to it.
type Device struct {
	ID     string
	Inbox  usercache.Cache
	Outbox usercache.Cache
}

// Registry opens device stores on first use and keeps them until Close.
type Registry struct {
	dataDir string
	opts    []usercache.Option

	mu      sync.Mutex
	devices map[string]*Device
	closed  bool
}

// NewRegistry keeps SQLite databases under dataDir/<device>/. An empty
// dataDir keeps everything in memory.
func NewRegistry(dataDir string, opts ...usercache.Option) (*Registry, error) {
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, cacheerrors.Wrap(err, cacheerrors.ErrCodeStorageUnavailable, "create data dir").
				WithContext("path", dataDir)
		}
	}
	return &Registry{
		dataDir: dataDir,
		opts:    opts,
		devices: make(map[string]*Device),
	}, nil
}

// ValidDeviceID reports whether id is safe to use as a directory name.
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// Device returns the stores for id, opening them if needed.
func (r *Registry) Device(id string) (*Device, error) {
	if !ValidDeviceID(id) {
		return nil, cacheerrors.Newf(cacheerrors.ErrCodeInvalidInput, "invalid device id %q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, cacheerrors.New(cacheerrors.ErrCodeStorageUnavailable, "registry closed")
	}
	if d, ok := r.devices[id]; ok {
		return d, nil
	}

	d, err := r.open(id)
	if err != nil {
		return nil, err
	}
	r.devices[id] = d
	return d, nil
}

func (r *Registry) open(id string) (*Device, error) {
	if r.dataDir == "" {
		return &Device{
			ID:     id,
			Inbox:  usercache.NewMemoryStore(r.opts...),
			Outbox: usercache.NewMemoryStore(r.opts...),
		}, nil
	}

	dir := filepath.Join(r.dataDir, id)
	inbox, err := usercache.Open(filepath.Join(dir, "inbox.db"), r.opts...)
	if err != nil {
		return nil, err
	}
	outbox, err := usercache.Open(filepath.Join(dir, "outbox.db"), r.opts...)
	if err != nil {
		_ = inbox.Close()
		return nil, err
	}
	return &Device{ID: id, Inbox: inbox, Outbox: outbox}, nil
}

// Devices lists the ids opened so far, sorted.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every open store. The registry is unusable afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var first error
	for _, d := range r.devices {
		for _, c := range []usercache.Cache{d.Inbox, d.Outbox} {
			if closer, ok := c.(io.Closer); ok {
				if err := closer.Close(); err != nil && first == nil {
					first = err
				}
			}
		}
	}
	r.devices = nil
	return first
}
