package cache

import (
	"bufio"
	"bytes"
	"database/sql"
	"errors"
	"net/http"
	"net/textproto"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ChunkSize is the unit in which cached bodies are read back.
const ChunkSize = 32 << 10

// Entry is the stored metadata for one cached response. The body is kept
// separately and read back in chunks at offsets.
type Entry struct {
	Key         string
	Status      int
	Header      http.Header
	BodyLen     int64
	Expires     time.Time
	RequestedAt time.Time
	ReceivedAt  time.Time
}

// Fresh reports whether the entry may be served without revalidation.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.Expires)
}

// ETag returns the stored validator, if any.
func (e *Entry) ETag() string {
	return e.Header.Get("Etag")
}

// LastModified returns the stored Last-Modified value, if any.
func (e *Entry) LastModified() string {
	return e.Header.Get("Last-Modified")
}

// Store is the contract the relay uses to serve responses from cache.
// It stores response heads and bodies keyed by request key.
//
// Implementations must be thread-safe!
type Store interface {
	// Lookup returns the entry stored under key, or nil when there is none.
	// A stale entry is still returned; freshness is the caller's decision.
	Lookup(key string) (*Entry, error)
	// ReadBodyChunk returns up to ChunkSize body bytes starting at offset.
	// At or past the end of the body it returns an empty slice and no error.
	ReadBodyChunk(key string, offset int64) ([]byte, error)
	// Put stores an entry together with its complete body.
	Put(e *Entry, body []byte) error
	// Refresh extends the freshness lifetime of an entry after a
	// successful revalidation.
	Refresh(key string, expires time.Time) error
	// Invalidate removes the entry stored under key.
	Invalidate(key string) error
}

type memEntry struct {
	entry Entry
	body  []byte
}

// MemStore is an in-memory Store used in tests and for the memory provider.
type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]memEntry
}

func NewMemStore() *MemStore {
	return &MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memEntry),
	}
}

func (m *MemStore) Lookup(key string) (*Entry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	stored, ok := m.db[key]
	if !ok {
		return nil, nil
	}
	entry := stored.entry
	return &entry, nil
}

func (m *MemStore) ReadBodyChunk(key string, offset int64) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	stored, ok := m.db[key]
	if !ok {
		return nil, errors.New("no cache entry for key")
	}
	if offset >= int64(len(stored.body)) {
		return nil, nil
	}
	end := offset + ChunkSize
	if end > int64(len(stored.body)) {
		end = int64(len(stored.body))
	}
	chunk := make([]byte, end-offset)
	copy(chunk, stored.body[offset:end])
	return chunk, nil
}

func (m *MemStore) Put(e *Entry, body []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	e.BodyLen = int64(len(body))
	m.db[e.Key] = memEntry{entry: *e, body: body}
	return nil
}

func (m *MemStore) Refresh(key string, expires time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	stored, ok := m.db[key]
	if !ok {
		return errors.New("no cache entry for key")
	}
	stored.entry.Expires = expires
	stored.entry.ReceivedAt = time.Now()
	m.db[key] = stored
	return nil
}

func (m *MemStore) Invalidate(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

// SQLiteStore persists entries in a sqlite database.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore creates a new store with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteStore(filename string) *SQLiteStore {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		status INTEGER,
		header BLOB,
		body BLOB,
		body_len INTEGER,
		expires INTEGER,
		requested_at INTEGER,
		received_at INTEGER
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)")
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s *SQLiteStore) Lookup(key string) (*Entry, error) {
	var entry Entry
	var headerBytes []byte
	var exp, req, rec int64
	err := s.db.QueryRow(`SELECT
		key, status, header, body_len, expires, requested_at, received_at
		FROM cache WHERE key = ?`, key).
		Scan(&entry.Key, &entry.Status, &headerBytes, &entry.BodyLen, &exp, &req, &rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry.Expires = time.Unix(exp, 0)
	entry.RequestedAt = time.Unix(req, 0)
	entry.ReceivedAt = time.Unix(rec, 0)
	entry.Header, err = bytesToHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLiteStore) ReadBodyChunk(key string, offset int64) ([]byte, error) {
	var chunk []byte
	// sqlite substr is 1-indexed
	err := s.db.QueryRow("SELECT substr(body, ?, ?) FROM cache WHERE key = ?",
		offset+1, ChunkSize, key).Scan(&chunk)
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

func (s *SQLiteStore) Put(e *Entry, body []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	e.BodyLen = int64(len(body))
	_, err := s.db.Exec(`INSERT OR REPLACE INTO cache
		(key, status, header, body, body_len, expires, requested_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key, e.Status, headerToBytes(e.Header), body, e.BodyLen,
		e.Expires.Unix(), e.RequestedAt.Unix(), e.ReceivedAt.Unix())
	return err
}

func (s *SQLiteStore) Refresh(key string, expires time.Time) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("UPDATE cache SET expires = ?, received_at = ? WHERE key = ?",
		expires.Unix(), time.Now().Unix(), key)
	return err
}

func (s *SQLiteStore) Invalidate(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return err
}

// headerToBytes serializes headers in wire format for storage.
func headerToBytes(h http.Header) []byte {
	buf := &bytes.Buffer{}
	h.Write(buf)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func bytesToHeader(b []byte) (http.Header, error) {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(b)))
	mime, err := reader.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	return http.Header(mime), nil
}
