package usercache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Cache with the same semantics as
// SQLiteStore. Contents are lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	rows    []memoryRow
	nextID  int64
	cursors map[string]int64
	opts    options
	clock   *stamper
	notifier
}

type memoryRow struct {
	id    int64
	entry Entry
}

var _ Cache = (*MemoryStore)(nil)
var _ CursorStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory cache.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	s := &MemoryStore{
		cursors: make(map[string]int64),
		opts:    o,
		clock:   newStamper(o.now),
	}
	s.add(o.observers...)
	return s
}

// AddObserver registers an observer that will receive cache events.
func (s *MemoryStore) AddObserver(observer Observer) {
	if observer != nil {
		s.add(observer)
	}
}

func (s *MemoryStore) PutMessage(ctx context.Context, key string, data []byte, opts ...PutOption) error {
	return s.put(ctx, Message, key, data, opts)
}

func (s *MemoryStore) PutDocument(ctx context.Context, key string, data []byte, opts ...PutOption) error {
	return s.put(ctx, Document, key, data, opts)
}

func (s *MemoryStore) PutReadWriteDocument(ctx context.Context, key string, data []byte, opts ...PutOption) error {
	return s.put(ctx, ReadWriteDocument, key, data, opts)
}

func (s *MemoryStore) put(ctx context.Context, entryType EntryType, key string, data []byte, opts []PutOption) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return storageErr(err, "put entry")
	}

	s.mu.Lock()
	s.insertLocked(Entry{
		Metadata: Metadata{
			WriteTS: s.clock.next(0),
			Type:    entryType,
			Key:     key,
			Plugin:  s.opts.pluginFor(opts),
		},
		Data: cloneBytes(data),
	})
	s.mu.Unlock()

	s.notify(Event{Type: EventEntryPut, EntryType: entryType, Key: key, Count: 1})
	return nil
}

func (s *MemoryStore) insertLocked(e Entry) {
	s.nextID++
	s.rows = append(s.rows, memoryRow{id: s.nextID, entry: e})
}

func (s *MemoryStore) ReadDocument(ctx context.Context, key string, mode ReadMode, fn func(Entry) error) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, storageErr(err, "read document")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Rows are in insertion order, so the last maximum wins ties.
	idx := -1
	for i, row := range s.rows {
		md := row.entry.Metadata
		if md.Key != key || !md.Type.IsDocument() {
			continue
		}
		if idx < 0 || md.WriteTS >= s.rows[idx].entry.Metadata.WriteTS {
			idx = i
		}
	}
	if idx < 0 {
		return false, notFound(key)
	}

	row := &s.rows[idx]
	entry := copyEntry(row.entry)
	if mode == ReadIfChanged && entry.Metadata.WriteTS < entry.Metadata.ReadTS {
		s.notify(Event{Type: EventDocumentUnchanged, EntryType: entry.Metadata.Type, Key: key})
		return false, nil
	}

	if err := fn(entry); err != nil {
		return false, err
	}

	row.entry.Metadata.ReadTS = s.clock.next(after(entry.Metadata.WriteTS))
	s.notify(Event{Type: EventDocumentRead, EntryType: entry.Metadata.Type, Key: key})
	return true, nil
}

func (s *MemoryStore) ClearMessages(ctx context.Context, q TimeQuery) (int64, error) {
	if err := validateQuery(q); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, storageErr(err, "clear messages")
	}

	s.mu.Lock()
	kept := s.rows[:0]
	var removed int64
	for _, row := range s.rows {
		if q.matches(row.entry.Metadata) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	// release payloads of removed rows still held by the backing array
	clear(s.rows[len(kept):])
	s.rows = kept
	s.mu.Unlock()

	s.notify(Event{Type: EventEntriesCleared, Count: removed})
	return removed, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storageErr(err, "clear")
	}

	s.mu.Lock()
	n := int64(len(s.rows))
	s.rows = nil
	s.mu.Unlock()

	s.notify(Event{Type: EventEntriesCleared, Count: n})
	return nil
}

func (s *MemoryStore) ExportForUpload(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr(err, "export")
	}

	s.mu.RLock()
	entries := make([]Entry, 0)
	for _, row := range s.rows {
		if row.entry.Metadata.Type.IsDocument() {
			entries = append(entries, copyEntry(row.entry))
		}
	}
	s.mu.RUnlock()

	// Stable keeps insertion order among equal timestamps.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Metadata.WriteTS < entries[j].Metadata.WriteTS
	})

	s.notify(Event{Type: EventEntriesExported, Count: int64(len(entries))})
	return entries, nil
}

func (s *MemoryStore) ImportFromDownload(ctx context.Context, entries []Entry) (ImportResult, error) {
	var res ImportResult
	if len(entries) == 0 {
		return res, nil
	}

	s.mu.Lock()
	for i, entry := range entries {
		err := validateImport(entry)
		if err == nil {
			err = storageErr(ctx.Err(), "import entry")
		}
		if err != nil {
			res.Failed = append(res.Failed, ImportFailure{Index: i, Entry: entry, Err: err})
			continue
		}
		s.insertLocked(copyEntry(entry))
		s.clock.observe(entry.Metadata.WriteTS, entry.Metadata.ReadTS)
		res.Imported++
	}
	s.mu.Unlock()

	s.notify(Event{Type: EventEntriesImported, Count: int64(res.Imported), Failed: int64(len(res.Failed))})
	return res, partialImport(res, len(entries))
}

func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.rows)), nil
}

func (s *MemoryStore) Cursor(ctx context.Context, name string) (int64, error) {
	if err := validateKey(name); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[name], nil
}

func (s *MemoryStore) SetCursor(ctx context.Context, name string, value int64) error {
	if err := validateKey(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = value
	return nil
}

func copyEntry(e Entry) Entry {
	e.Data = cloneBytes(e.Data)
	return e
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return append([]byte{}, b...)
}
