package usercache

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
)

// SQLiteStore is the durable Cache. Every write appends a row to user_cache;
// reads pick the newest row per key.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.RWMutex
	opts  options
	clock *stamper
	notifier
}

var (
	_ Cache       = (*SQLiteStore)(nil)
	_ CursorStore = (*SQLiteStore)(nil)
)

// Open opens the cache at path, creating and migrating it as needed. path is
// a file path, a file: URI, or ":memory:".
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)

	file, onDisk := diskPath(path)
	if onDisk {
		if err := preparePrivateFile(file); err != nil {
			return nil, cacheerrors.Wrap(err, cacheerrors.ErrCodeStorageUnavailable, "prepare database file").
				WithContext("path", file)
		}
	}

	db, err := sql.Open("sqlite", buildDSN(path, o, onDisk))
	if err != nil {
		return nil, cacheerrors.Wrap(err, cacheerrors.ErrCodeStorageUnavailable, "open database")
	}
	if onDisk {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
	} else {
		// each :memory: connection is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, cacheerrors.Wrap(err, cacheerrors.ErrCodeStorageUnavailable, "migrate database")
	}

	store := &SQLiteStore{db: db, opts: o, clock: newStamper(o.now)}
	store.add(o.observers...)
	if err := store.seedClock(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// buildDSN appends the busy timeout, plus WAL for files, to path's query.
func buildDSN(path string, o options, onDisk bool) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", o.busyTimeout.Milliseconds()))
	if onDisk {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	if strings.Contains(path, "?") {
		return path + "&" + q.Encode()
	}
	return path + "?" + q.Encode()
}

// diskPath returns the file behind dsn, or false for in-memory and
// non-file DSNs.
func diskPath(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "", dsn == ":memory:", strings.Contains(dsn, "://"):
		return "", false
	case !strings.HasPrefix(dsn, "file:"):
		return dsn, true
	}

	u, err := url.Parse(dsn)
	if err != nil || u.Query().Get("mode") == "memory" {
		return "", false
	}
	file := u.Path
	if file == "" {
		file = u.Opaque
	}
	file = strings.TrimSpace(file)
	if file == "" || file == ":memory:" {
		return "", false
	}
	return file, true
}

// preparePrivateFile creates file and its directory readable by the owner
// only. Existing files keep their mode.
func preparePrivateFile(file string) error {
	if dir := filepath.Dir(file); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

// seedClock makes stamps issued after a restart sort after stored ones.
func (s *SQLiteStore) seedClock() error {
	var maxWrite, maxRead int64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(write_ts), 0), COALESCE(MAX(read_ts), 0) FROM user_cache`).
		Scan(&maxWrite, &maxRead)
	if err != nil {
		return storageErr(err, "seed clock")
	}
	s.clock.observe(maxWrite, maxRead)
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// DB exposes the connection pool for inspection tools.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) AddObserver(observer Observer) {
	if observer != nil {
		s.add(observer)
	}
}

// storageErr wraps err as STORAGE_UNAVAILABLE, retryable when SQLite
// reported contention.
func storageErr(err error, message string) error {
	if err == nil {
		return nil
	}
	return cacheerrors.Wrap(err, cacheerrors.ErrCodeStorageUnavailable, message).
		WithRetryable(isBusyError(err))
}

func isBusyError(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
