// Package usercache is a persistent, typed cache for data a device produces
// or consumes locally before exchanging it with a server.
//
// Entries come in three types. Messages are an append-only outbox. Documents
// and read-write documents hold one current value per key; every write
// inserts a new row and readers resolve the current value as the row with
// the highest write timestamp. Each document read stamps the selected row
// with a read timestamp, which lets consumers ask whether a document changed
// since they last looked at it.
package usercache

import (
	"time"
)

// EntryType tags what an entry represents.
type EntryType string

const (
	// Message is an immutable fact, never updated once written.
	Message EntryType = "message"
	// Document has one authoritative copy per key, written by the server.
	Document EntryType = "document"
	// ReadWriteDocument is a document either side may write.
	ReadWriteDocument EntryType = "rw-document"
)

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	switch t {
	case Message, Document, ReadWriteDocument:
		return true
	}
	return false
}

// IsDocument reports whether t is Document or ReadWriteDocument.
func (t EntryType) IsDocument() bool {
	return t == Document || t == ReadWriteDocument
}

// Metadata is attached to every entry. Timestamps are epoch milliseconds;
// a zero ReadTS means the entry has never been read.
type Metadata struct {
	WriteTS int64     `json:"write_ts"`
	ReadTS  int64     `json:"read_ts"`
	Type    EntryType `json:"type"`
	Key     string    `json:"key"`
	Plugin  string    `json:"plugin"`
}

// WriteTime returns WriteTS as a time.
func (m Metadata) WriteTime() time.Time {
	return time.UnixMilli(m.WriteTS)
}

// ReadTime returns ReadTS as a time, or the zero time when unread.
func (m Metadata) ReadTime() time.Time {
	if m.ReadTS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.ReadTS)
}

// Entry is one stored record. Data is opaque to the cache. In JSON, as
// exchanged by export, import and the sync transports, Data is a base64
// string (encoding/json's []byte form), not an embedded JSON value:
//
//	{"metadata":{"write_ts":1,"read_ts":0,"type":"document","key":"k","plugin":""},"data":"eyJ2IjoxfQ=="}
type Entry struct {
	Metadata Metadata `json:"metadata"`
	Data     []byte   `json:"data"`
}

// TimestampField names a timestamp column a TimeQuery filters on.
type TimestampField string

const (
	WriteTS TimestampField = "write_ts"
	ReadTS  TimestampField = "read_ts"
)

// Valid reports whether f names a timestamp column.
func (f TimestampField) Valid() bool {
	return f == WriteTS || f == ReadTS
}

func (f TimestampField) of(m Metadata) int64 {
	if f == ReadTS {
		return m.ReadTS
	}
	return m.WriteTS
}

// TimeQuery selects entries whose Field lies strictly between After and
// Before.
type TimeQuery struct {
	Field  TimestampField `json:"field"`
	After  int64          `json:"after"`
	Before int64          `json:"before"`
}

func (q TimeQuery) matches(m Metadata) bool {
	v := q.Field.of(m)
	return q.After < v && v < q.Before
}

// ReadMode controls whether a document read skips unchanged documents.
type ReadMode int

const (
	// ReadAlways returns the current document.
	ReadAlways ReadMode = iota
	// ReadIfChanged returns the current document only if it was written
	// after it was last read.
	ReadIfChanged
)

// ImportFailure describes one entry that could not be imported.
type ImportFailure struct {
	Index int
	Entry Entry
	Err   error
}

// ImportResult reports the outcome of ImportFromDownload.
type ImportResult struct {
	Imported int
	Failed   []ImportFailure
}

// FailedIndexes lists the input positions that failed.
func (r ImportResult) FailedIndexes() []int {
	out := make([]int, len(r.Failed))
	for i, f := range r.Failed {
		out[i] = f.Index
	}
	return out
}
