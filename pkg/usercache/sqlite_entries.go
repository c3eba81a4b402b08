package usercache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const entryColumns = `id, write_ts, read_ts, type, key, plugin, data`

// PutMessage appends a Message entry.
func (s *SQLiteStore) PutMessage(ctx context.Context, key string, data []byte, opts ...PutOption) error {
	return s.put(ctx, Message, key, data, opts)
}

// PutDocument appends a Document entry.
func (s *SQLiteStore) PutDocument(ctx context.Context, key string, data []byte, opts ...PutOption) error {
	return s.put(ctx, Document, key, data, opts)
}

// PutReadWriteDocument appends a ReadWriteDocument entry. Earlier rows for
// the key stay in place; reads pick the newest.
func (s *SQLiteStore) PutReadWriteDocument(ctx context.Context, key string, data []byte, opts ...PutOption) error {
	return s.put(ctx, ReadWriteDocument, key, data, opts)
}

func (s *SQLiteStore) put(ctx context.Context, entryType EntryType, key string, data []byte, opts []PutOption) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return storageErr(err, "put entry")
	}
	if data == nil {
		data = []byte{}
	}
	plugin := s.opts.pluginFor(opts)

	s.mu.Lock()
	ts := s.clock.next(0)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_cache (write_ts, read_ts, type, key, plugin, data)
		VALUES (?, 0, ?, ?, ?, ?)
	`, ts, string(entryType), key, plugin, data)
	s.mu.Unlock()
	if err != nil {
		return storageErr(err, fmt.Sprintf("insert %s", entryType))
	}

	s.notify(Event{Type: EventEntryPut, EntryType: entryType, Key: key, Count: 1})
	return nil
}

// ReadDocument selects the newest Document or ReadWriteDocument row for key,
// breaking write_ts ties by insertion order, and stamps only that row.
func (s *SQLiteStore) ReadDocument(ctx context.Context, key string, mode ReadMode, fn func(Entry) error) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, storageErr(err, "read document")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr(err, "begin read")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM user_cache
		WHERE key = ? AND type IN (?, ?)
		ORDER BY write_ts DESC, id DESC
		LIMIT 1
	`, key, string(Document), string(ReadWriteDocument))

	id, entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, notFound(key)
	}
	if err != nil {
		return false, storageErr(err, "select document")
	}

	if mode == ReadIfChanged && entry.Metadata.WriteTS < entry.Metadata.ReadTS {
		s.notify(Event{Type: EventDocumentUnchanged, EntryType: entry.Metadata.Type, Key: key})
		return false, nil
	}

	if err := fn(entry); err != nil {
		return false, err
	}

	readTS := s.clock.next(after(entry.Metadata.WriteTS))
	if _, err := tx.ExecContext(ctx, `UPDATE user_cache SET read_ts = ? WHERE id = ?`, readTS, id); err != nil {
		return false, storageErr(err, "update read timestamp")
	}
	if err := tx.Commit(); err != nil {
		return false, storageErr(err, "commit read")
	}

	s.notify(Event{Type: EventDocumentRead, EntryType: entry.Metadata.Type, Key: key})
	return true, nil
}

// ClearMessages deletes entries of any type whose q.Field lies strictly
// between q.After and q.Before.
func (s *SQLiteStore) ClearMessages(ctx context.Context, q TimeQuery) (int64, error) {
	if err := validateQuery(q); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, storageErr(err, "clear messages")
	}

	s.mu.Lock()
	// Field is validated above, so it is one of two fixed column names.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_cache WHERE `+string(q.Field)+` > ? AND `+string(q.Field)+` < ?`,
		q.After, q.Before,
	)
	s.mu.Unlock()
	if err != nil {
		return 0, storageErr(err, "delete entries")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(err, "count deleted entries")
	}
	s.notify(Event{Type: EventEntriesCleared, Count: n})
	return n, nil
}

// Clear deletes every entry. Sync cursors are left alone.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storageErr(err, "clear")
	}

	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_cache`)
	s.mu.Unlock()
	if err != nil {
		return storageErr(err, "delete all entries")
	}

	n, _ := res.RowsAffected()
	s.notify(Event{Type: EventEntriesCleared, Count: n})
	return nil
}

// ExportForUpload returns every document entry ordered by write_ts, oldest
// first. It does not modify the store.
func (s *SQLiteStore) ExportForUpload(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr(err, "export")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM user_cache
		WHERE type IN (?, ?)
		ORDER BY write_ts ASC, id ASC
	`, string(Document), string(ReadWriteDocument))
	if err != nil {
		return nil, storageErr(err, "query documents")
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		_, entry, err := scanEntry(rows)
		if err != nil {
			return nil, storageErr(err, "scan document")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate documents")
	}

	s.notify(Event{Type: EventEntriesExported, Count: int64(len(entries))})
	return entries, nil
}

// ImportFromDownload inserts each entry with its metadata unchanged. A bad
// or failed entry does not stop the rest.
func (s *SQLiteStore) ImportFromDownload(ctx context.Context, entries []Entry) (ImportResult, error) {
	var res ImportResult
	if len(entries) == 0 {
		return res, nil
	}

	s.mu.Lock()
	for i, entry := range entries {
		if err := s.importOne(ctx, entry); err != nil {
			res.Failed = append(res.Failed, ImportFailure{Index: i, Entry: entry, Err: err})
			continue
		}
		res.Imported++
	}
	s.mu.Unlock()

	s.notify(Event{Type: EventEntriesImported, Count: int64(res.Imported), Failed: int64(len(res.Failed))})
	return res, partialImport(res, len(entries))
}

func (s *SQLiteStore) importOne(ctx context.Context, entry Entry) error {
	if err := validateImport(entry); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return storageErr(err, "import entry")
	}

	md := entry.Metadata
	data := entry.Data
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_cache (write_ts, read_ts, type, key, plugin, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, md.WriteTS, md.ReadTS, string(md.Type), md.Key, md.Plugin, data)
	if err != nil {
		return storageErr(err, "insert imported entry")
	}
	s.clock.observe(md.WriteTS, md.ReadTS)
	return nil
}

// Count returns the number of stored entries.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_cache`).Scan(&n); err != nil {
		return 0, storageErr(err, "count entries")
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (int64, Entry, error) {
	var (
		id    int64
		entry Entry
		typ   string
	)
	err := row.Scan(
		&id,
		&entry.Metadata.WriteTS,
		&entry.Metadata.ReadTS,
		&typ,
		&entry.Metadata.Key,
		&entry.Metadata.Plugin,
		&entry.Data,
	)
	if err != nil {
		return 0, Entry{}, err
	}
	entry.Metadata.Type = EntryType(typ)
	return id, entry, nil
}
