// Package postgres provides the Postgres-backed record store: the pending-row
// selectors and the per-row writers of both backfill pipelines.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/ipfs-backfill/internal/backfill"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrRecordNotFound is returned when an image write matches no record.
var ErrRecordNotFound = errors.New("record not found")

const (
	defaultOwnerTable  = "Atom"
	defaultRecordTable = "atom_ipfs_data"
)

// RecordStoreConfig controls the Postgres connection pool and table names.
type RecordStoreConfig struct {
	DSN             string
	OwnerTable      string
	RecordTable     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// RecordStore implements backfill.Store on Postgres.
type RecordStore struct {
	pool        querier
	ownerTable  string
	recordTable string
	indexName   string
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRecordStoreWithPool(pool, cfg.OwnerTable, cfg.RecordTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool querier, ownerTable, recordTable string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ownerTable == "" {
		ownerTable = defaultOwnerTable
	}
	if recordTable == "" {
		recordTable = defaultRecordTable
	}
	for _, table := range []string{ownerTable, recordTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &RecordStore{
		pool:        pool,
		ownerTable:  pgx.Identifier{ownerTable}.Sanitize(),
		recordTable: pgx.Identifier{recordTable}.Sanitize(),
		indexName:   pgx.Identifier{recordTable + "_atom_id_key"}.Sanitize(),
	}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the record table when missing and adds the columns and
// unique owner index the writers rely on.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id SERIAL PRIMARY KEY,
	atom_id BIGINT NOT NULL,
	contents JSONB,
	contents_attempts INTEGER DEFAULT 1,
	image_attempts INTEGER DEFAULT 0,
	image_hash TEXT,
	image_filename TEXT,
	created_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ
)`, s.recordTable),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS contents_attempts INTEGER DEFAULT 1`, s.recordTable),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS image_attempts INTEGER DEFAULT 0`, s.recordTable),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS image_hash TEXT`, s.recordTable),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS image_filename TEXT`, s.recordTable),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (atom_id)`, s.indexName, s.recordTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// PendingContent returns owners whose locator is an IPFS reference and whose
// contents are missing or empty, below the attempt ceiling, by owner id.
func (s *RecordStore) PendingContent(ctx context.Context, maxAttempts int) ([]backfill.PendingContent, error) {
	query := fmt.Sprintf(`
SELECT o.id, o.data, COALESCE(r.contents_attempts, 0)
FROM %s o
LEFT JOIN %s r ON r.atom_id = o.id
WHERE o.data LIKE ANY($2::text[])
	AND (r.contents IS NULL OR r.contents = '{}'::jsonb)
	AND COALESCE(r.contents_attempts, 0) < $1
ORDER BY o.id ASC`, s.ownerTable, s.recordTable)

	rows, err := s.pool.Query(ctx, query, maxAttempts, locatorPatterns())
	if err != nil {
		return nil, fmt.Errorf("select pending content: %w", err)
	}
	defer rows.Close()

	var out []backfill.PendingContent
	for rows.Next() {
		var row backfill.PendingContent
		if err := rows.Scan(&row.OwnerID, &row.Locator, &row.Attempts); err != nil {
			return nil, fmt.Errorf("scan pending content: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending content: %w", err)
	}
	return out, nil
}

// PendingImages returns records with non-empty contents and no stored image,
// below the attempt ceiling, by owner id.
func (s *RecordStore) PendingImages(ctx context.Context, maxAttempts int) ([]backfill.PendingImage, error) {
	query := fmt.Sprintf(`
SELECT r.atom_id, r.contents, COALESCE(r.image_attempts, 0)
FROM %s r
WHERE r.contents IS NOT NULL
	AND r.contents <> '{}'::jsonb
	AND r.image_filename IS NULL
	AND COALESCE(r.image_attempts, 0) < $1
ORDER BY r.atom_id ASC`, s.recordTable)

	rows, err := s.pool.Query(ctx, query, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("select pending images: %w", err)
	}
	defer rows.Close()

	var out []backfill.PendingImage
	for rows.Next() {
		var (
			row      backfill.PendingImage
			contents []byte
		)
		if err := rows.Scan(&row.OwnerID, &contents, &row.Attempts); err != nil {
			return nil, fmt.Errorf("scan pending image: %w", err)
		}
		doc, err := backfill.DecodeDocument(contents)
		if err != nil {
			return nil, fmt.Errorf("decode contents of owner %d: %w", row.OwnerID, err)
		}
		row.Contents = doc
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending images: %w", err)
	}
	return out, nil
}

// SaveContent upserts the contents of one owner in a single statement. New
// records start at one attempt; existing ones reset to one on success and
// otherwise increment.
func (s *RecordStore) SaveContent(ctx context.Context, ownerID int64, outcome backfill.ContentOutcome) error {
	payload, err := json.Marshal(outcome.Document)
	if err != nil {
		return fmt.Errorf("marshal contents: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s AS r (atom_id, contents, contents_attempts, created_at, updated_at)
VALUES ($1, $2, 1, now(), now())
ON CONFLICT (atom_id) DO UPDATE SET
	contents = EXCLUDED.contents,
	contents_attempts = CASE WHEN $3::boolean THEN 1 ELSE COALESCE(r.contents_attempts, 0) + 1 END,
	updated_at = now()`, s.recordTable)

	if _, err := s.pool.Exec(ctx, query, ownerID, json.RawMessage(payload), outcome.Succeeded); err != nil {
		return fmt.Errorf("upsert contents: %w", err)
	}
	return nil
}

// SaveImage records the outcome of an image fetch for an existing record.
func (s *RecordStore) SaveImage(
	ctx context.Context,
	ownerID int64,
	outcome backfill.ImageOutcome,
	maxAttempts int,
) error {
	var (
		query string
		args  []any
	)
	switch outcome.Status {
	case backfill.ImageStored:
		query = fmt.Sprintf(`
UPDATE %s SET image_filename = $2, image_hash = $3, image_attempts = 1, updated_at = now()
WHERE atom_id = $1`, s.recordTable)
		args = []any{ownerID, outcome.Filename, outcome.Hash}
	case backfill.ImageFailed:
		query = fmt.Sprintf(`
UPDATE %s SET image_attempts = COALESCE(image_attempts, 0) + 1, updated_at = now()
WHERE atom_id = $1`, s.recordTable)
		args = []any{ownerID}
	case backfill.ImageMissing:
		query = fmt.Sprintf(`
UPDATE %s SET image_attempts = $2, updated_at = now()
WHERE atom_id = $1`, s.recordTable)
		args = []any{ownerID, maxAttempts}
	default:
		return fmt.Errorf("unknown image status %q", outcome.Status)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update image of owner %d: %w", ownerID, ErrRecordNotFound)
	}
	return nil
}

func locatorPatterns() []string {
	patterns := make([]string, 0, len(backfill.LocatorPrefixes))
	for _, prefix := range backfill.LocatorPrefixes {
		patterns = append(patterns, prefix+"%")
	}
	return patterns
}
