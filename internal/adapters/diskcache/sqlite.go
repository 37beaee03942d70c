package diskcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Amund211/fetchcache/internal/cachekey"
	"github.com/Amund211/fetchcache/internal/domain"
	_ "github.com/glebarez/go-sqlite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// SQLiteStore keeps resources in a single sqlite database file
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	nowFunc    func() time.Time
	tracer     trace.Tracer
}

// NewSQLiteStore opens the database at filename, creating the table if needed.
// An empty filename opens a shared in-memory database.
func NewSQLiteStore(ctx context.Context, filename string, nowFunc func() time.Time) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS resources (
			cache_key TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			final_url TEXT NOT NULL,
			content_type TEXT NOT NULL,
			data BLOB NOT NULL,
			fetched_at INTEGER NOT NULL,
			stored_at INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS resources_stored_at_idx ON resources (stored_at)",
		"PRAGMA journal_mode=WAL",
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to prepare sqlite database: %w", err)
		}
	}

	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
		nowFunc:    nowFunc,
		tracer:     otel.Tracer("fetchcache/diskcache/sqlite"),
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key cachekey.Key) (domain.Resource, bool, error) {
	ctx, span := s.tracer.Start(ctx, "SQLiteStore.Get")
	defer span.End()

	var fetchedAt int64
	resource := domain.Resource{Key: string(key)}
	err := s.db.QueryRowContext(
		ctx,
		"SELECT url, final_url, content_type, data, fetched_at FROM resources WHERE cache_key = ?",
		string(key),
	).Scan(&resource.URL, &resource.FinalURL, &resource.ContentType, &resource.Data, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Resource{}, false, nil
	}
	if err != nil {
		return domain.Resource{}, false, fmt.Errorf("failed to read resource: %w", err)
	}

	resource.FetchedAt = time.UnixMilli(fetchedAt).UTC()
	if resource.Data == nil {
		resource.Data = []byte{}
	}
	return resource, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key cachekey.Key, resource domain.Resource) error {
	ctx, span := s.tracer.Start(ctx, "SQLiteStore.Put")
	defer span.End()

	data := resource.Data
	if data == nil {
		data = []byte{}
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO resources
		(cache_key, url, final_url, content_type, data, fetched_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(key),
		resource.URL,
		resource.FinalURL,
		resource.ContentType,
		data,
		resource.FetchedAt.UnixMilli(),
		s.nowFunc().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to store resource: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key cachekey.Key) error {
	ctx, span := s.tracer.Start(ctx, "SQLiteStore.Remove")
	defer span.End()

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM resources WHERE cache_key = ?", string(key)); err != nil {
		return fmt.Errorf("failed to remove resource: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
