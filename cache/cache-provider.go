package cache

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.trai.ch/zerr"
)

// ErrEmptyName is returned when a cache operation is given an empty cache name.
var ErrEmptyName = zerr.New("cache name must not be empty")

// Storage is the set of named caches owned by one origin.
// Every cache maps request identities (see the cache-key package) to stored responses.
// Caches are created lazily: opening or writing to an unknown name creates it.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open creates the named cache if it does not exist yet.
	Open(name string) error
	// Keys returns the names of all caches, in creation order.
	Keys() ([]string, error)
	// Has reports whether the named cache exists.
	Has(name string) (bool, error)
	// Delete removes the named cache and every entry in it.
	// It returns false if there was no such cache.
	Delete(name string) (bool, error)
	// Match looks up the key in every cache, in creation order,
	// and returns the first entry found.
	Match(key string) (Entry, bool, error)
	// MatchIn looks up the key in the named cache only.
	MatchIn(name, key string) (Entry, bool, error)
	// Put stores the entry in the named cache, replacing an entry with the same key.
	Put(name string, entry Entry) error
	// PutAll stores all entries in the named cache atomically.
	// If any write fails, none of the entries are stored.
	PutAll(name string, entries []Entry) error
	// Entries calls the given callback for each entry in the named cache.
	// It calls the callback in order to enable very large caches to be
	// processable without loading everything into memory.
	Entries(name string, cb func(Entry)) error
	// Close releases the underlying database.
	Close() error
}

// Entry is a single stored response.
type Entry struct {
	// Request identity, see cachekey.Keyer.
	Key string
	// Absolute URL of the request that produced the response.
	URL string
	// Response type (basic, cors, opaque).
	Type string
	// When the response was written to the cache.
	StoredAt time.Time
	// HTTP/1.1 representation of the response.
	Bytes []byte
}

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens a cache storage with the given filename as the db.
// If file name is empty or "memory", a private in-memory db is opened.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	memory := filename == "" || filename == "memory"
	if memory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, zerr.Wrap(err, "could not open cache db")
	}
	// every connection to :memory: is a new database
	if memory {
		db.SetMaxOpenConns(1)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS caches (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache TEXT NOT NULL,
			key TEXT NOT NULL,
			url TEXT,
			type TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (cache, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key)",
	}
	if !memory {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, zerr.Wrap(err, "could not prepare cache db")
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStorage) Open(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return openCache(s.db, name)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func openCache(db execer, name string) error {
	_, err := db.Exec("INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)", name, time.Now().UnixNano())
	return err
}

func (s SQLiteStorage) Keys() ([]string, error) {
	names := make([]string, 0)
	rows, err := s.db.Query("SELECT name FROM caches ORDER BY created_at ASC, rowid ASC")
	if err != nil {
		return names, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteStorage) Has(name string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteStorage) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteStorage) Match(key string) (Entry, bool, error) {
	return s.scanEntry(s.db.QueryRow(`SELECT
		e.key, e.url, e.type, e.stored_at, e.bytes
		FROM entries e JOIN caches c ON c.name = e.cache
		WHERE e.key = ?
		ORDER BY c.created_at ASC, c.rowid ASC
		LIMIT 1`, key))
}

func (s SQLiteStorage) MatchIn(name, key string) (Entry, bool, error) {
	return s.scanEntry(s.db.QueryRow(`SELECT
		key, url, type, stored_at, bytes
		FROM entries WHERE cache = ? AND key = ?`, name, key))
}

func (s SQLiteStorage) scanEntry(row *sql.Row) (Entry, bool, error) {
	var entry Entry
	var storedAt int64
	err := row.Scan(&entry.Key, &entry.URL, &entry.Type, &storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (s SQLiteStorage) Put(name string, entry Entry) error {
	return s.PutAll(name, []Entry{entry})
}

func (s SQLiteStorage) PutAll(name string, entries []Entry) error {
	if name == "" {
		return ErrEmptyName
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := openCache(tx, name); err != nil {
		return err
	}
	for _, e := range entries {
		storedAt := e.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now()
		}
		_, err := tx.Exec(`INSERT OR REPLACE INTO entries
			(cache, key, url, type, stored_at, bytes) VALUES (?, ?, ?, ?, ?, ?)`,
			name, e.Key, e.URL, e.Type, storedAt.UnixNano(), e.Bytes)
		if err != nil {
			return zerr.With(zerr.Wrap(err, "could not write cache entry"), "key", e.Key)
		}
	}
	return tx.Commit()
}

func (s SQLiteStorage) Entries(name string, cb func(Entry)) error {
	rows, err := s.db.Query(`SELECT key, url, type, stored_at, bytes
		FROM entries WHERE cache = ? ORDER BY stored_at ASC`, name)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var entry Entry
		var storedAt int64
		if err := rows.Scan(&entry.Key, &entry.URL, &entry.Type, &storedAt, &entry.Bytes); err != nil {
			return err
		}
		entry.StoredAt = time.Unix(0, storedAt)
		cb(entry)
	}
	return rows.Err()
}

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}
