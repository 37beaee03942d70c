package diskcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Amund211/fetchcache/internal/cachekey"
	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// PostgresStore keeps resources in the resources table of a migrated schema
type PostgresStore struct {
	db      *sqlx.DB
	schema  string
	tracer  trace.Tracer
	nowFunc func() time.Time
}

func NewPostgresStore(db *sqlx.DB, schema string, nowFunc func() time.Time) *PostgresStore {
	return &PostgresStore{
		db:      db,
		schema:  schema,
		tracer:  otel.Tracer("fetchcache/diskcache/postgres"),
		nowFunc: nowFunc,
	}
}

type dbResource struct {
	CacheKey    string    `db:"cache_key"`
	URL         string    `db:"url"`
	FinalURL    string    `db:"final_url"`
	ContentType string    `db:"content_type"`
	Data        []byte    `db:"data"`
	Size        int64     `db:"size"`
	FetchedAt   time.Time `db:"fetched_at"`
	StoredAt    time.Time `db:"stored_at"`
}

func (p *PostgresStore) Get(ctx context.Context, key cachekey.Key) (domain.Resource, bool, error) {
	ctx, span := p.tracer.Start(ctx, "PostgresStore.Get")
	defer span.End()

	var row dbResource
	err := p.db.QueryRowxContext(
		ctx,
		fmt.Sprintf(`SELECT cache_key, url, final_url, content_type, data, size, fetched_at, stored_at
		FROM %s.resources
		WHERE cache_key = $1`,
			pq.QuoteIdentifier(p.schema)),
		string(key),
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Resource{}, false, nil
	}
	if err != nil {
		return domain.Resource{}, false, fmt.Errorf("failed to read resource: %w", err)
	}

	if int64(len(row.Data)) != row.Size {
		return domain.Resource{}, false, fmt.Errorf("%w: expected %d bytes, got %d", ErrCorrupt, row.Size, len(row.Data))
	}

	data := row.Data
	if data == nil {
		data = []byte{}
	}

	return domain.Resource{
		Key:         row.CacheKey,
		URL:         row.URL,
		FinalURL:    row.FinalURL,
		ContentType: row.ContentType,
		Data:        data,
		FetchedAt:   row.FetchedAt,
	}, true, nil
}

func (p *PostgresStore) Put(ctx context.Context, key cachekey.Key, resource domain.Resource) error {
	ctx, span := p.tracer.Start(ctx, "PostgresStore.Put")
	defer span.End()

	data := resource.Data
	if data == nil {
		data = []byte{}
	}

	_, err := p.db.ExecContext(
		ctx,
		fmt.Sprintf(`INSERT INTO %s.resources
		(cache_key, url, final_url, content_type, data, size, fetched_at, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (cache_key)
		DO UPDATE SET
			url = EXCLUDED.url,
			final_url = EXCLUDED.final_url,
			content_type = EXCLUDED.content_type,
			data = EXCLUDED.data,
			size = EXCLUDED.size,
			fetched_at = EXCLUDED.fetched_at,
			stored_at = EXCLUDED.stored_at`,
			pq.QuoteIdentifier(p.schema)),
		string(key),
		resource.URL,
		resource.FinalURL,
		resource.ContentType,
		data,
		int64(len(data)),
		resource.FetchedAt,
		p.nowFunc(),
	)
	if err != nil {
		return fmt.Errorf("failed to store resource: %w", err)
	}
	return nil
}

func (p *PostgresStore) Remove(ctx context.Context, key cachekey.Key) error {
	ctx, span := p.tracer.Start(ctx, "PostgresStore.Remove")
	defer span.End()

	_, err := p.db.ExecContext(
		ctx,
		fmt.Sprintf("DELETE FROM %s.resources WHERE cache_key = $1", pq.QuoteIdentifier(p.schema)),
		string(key),
	)
	if err != nil {
		return fmt.Errorf("failed to remove resource: %w", err)
	}
	return nil
}
