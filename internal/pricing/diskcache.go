package pricing

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DiskStore keeps the last successfully fetched catalog in a sqlite file so
// a cold process can serve stale prices before its first network fetch.
type DiskStore struct {
	db *sql.DB
}

func OpenDiskStore(path string) (*DiskStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening pricing cache: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS pricing_catalog (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		fetched_at INTEGER NOT NULL,
		payload BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing pricing cache schema: %w", err)
	}
	return &DiskStore{db: db}, nil
}

func (s *DiskStore) Close() error { return s.db.Close() }

func (s *DiskStore) Save(fetchedAt time.Time, payload []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO pricing_catalog (id, fetched_at, payload) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET fetched_at = excluded.fetched_at, payload = excluded.payload`,
		fetchedAt.Unix(), payload,
	)
	if err != nil {
		return fmt.Errorf("persisting pricing catalog: %w", err)
	}
	return nil
}

func (s *DiskStore) Load() (time.Time, []byte, error) {
	var fetchedAt int64
	var payload []byte
	err := s.db.QueryRow(`SELECT fetched_at, payload FROM pricing_catalog WHERE id = 1`).Scan(&fetchedAt, &payload)
	if err != nil {
		return time.Time{}, nil, err
	}
	return time.Unix(fetchedAt, 0), payload, nil
}
