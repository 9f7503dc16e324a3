package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the board_documents table. Each board is a single
// row holding the whole document as JSONB.
const Schema = `
CREATE TABLE IF NOT EXISTS board_documents (
    board_id   TEXT PRIMARY KEY,
    document   JSONB NOT NULL,
    revision   BIGINT NOT NULL DEFAULT 1,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DefaultBoardID names the row used when no board ID is configured.
const DefaultBoardID = "default"

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db      DB
	boardID string
	pool    *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures a [PostgresStore].
type PostgresOption func(*PostgresStore)

// WithBoardID selects the row the store reads and writes.
// Default: [DefaultBoardID].
func WithBoardID(id string) PostgresOption {
	return func(s *PostgresStore) {
		if id != "" {
			s.boardID = id
		}
	}
}

// NewPostgresStore returns a store using db. The caller is responsible for
// calling [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, boardID: DefaultBoardID}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect opens a connection pool to dsn, verifies it and migrates the
// schema. Call [PostgresStore.Close] to release the pool.
func Connect(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("board: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("board: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("board: ping: %w", err)
	}

	s := NewPostgresStore(pool, opts...)
	s.pool = pool
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("board: migrate: %w", err)
	}
	return nil
}

// Close releases the pool opened by [Connect]. It is a no-op for stores
// built with [NewPostgresStore].
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Current implements [Store].
func (s *PostgresStore) Current(ctx context.Context) (Document, error) {
	const query = `
		SELECT document, revision, updated_at
		FROM board_documents
		WHERE board_id = $1`

	doc, err := scanDocument(s.db.QueryRow(ctx, query, s.boardID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("board: current: %w", err)
	}
	return doc, nil
}

func scanDocument(row pgx.Row) (Document, error) {
	var (
		raw       []byte
		revision  int64
		updatedAt time.Time
	)
	if err := row.Scan(&raw, &revision, &updatedAt); err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	doc.Revision = revision
	doc.UpdatedAt = updatedAt
	return doc, nil
}

func encodeDocument(doc Document) ([]byte, error) {
	doc.Revision = 0
	doc.UpdatedAt = time.Time{}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("board: encode document: %w", err)
	}
	return raw, nil
}

// Replace implements [Store] with a single-row upsert.
func (s *PostgresStore) Replace(ctx context.Context, doc Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	raw, err := encodeDocument(doc)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO board_documents (board_id, document)
		VALUES ($1, $2)
		ON CONFLICT (board_id) DO UPDATE
		SET document   = EXCLUDED.document,
		    revision   = board_documents.revision + 1,
		    updated_at = now()`

	if _, err := s.db.Exec(ctx, query, s.boardID, raw); err != nil {
		return fmt.Errorf("board: replace: %w", err)
	}
	return nil
}

// Update implements [Store] inside one transaction. The board row is created
// empty if missing and then locked with SELECT ... FOR UPDATE, so concurrent
// updates of the same board run one after another.
func (s *PostgresStore) Update(ctx context.Context, fn func(Document) (Document, error)) (Document, error) {
	const (
		seed = `
		INSERT INTO board_documents (board_id, document, revision)
		VALUES ($1, '{"title":"","slides":[]}', 0)
		ON CONFLICT (board_id) DO NOTHING`

		lock = `
		SELECT document, revision, updated_at
		FROM board_documents
		WHERE board_id = $1
		FOR UPDATE`

		store = `
		UPDATE board_documents
		SET document   = $2,
		    revision   = revision + 1,
		    updated_at = now()
		WHERE board_id = $1
		RETURNING revision, updated_at`
	)

	var out Document
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, seed, s.boardID); err != nil {
			return fmt.Errorf("board: update: seed: %w", err)
		}
		cur, err := scanDocument(tx.QueryRow(ctx, lock, s.boardID))
		if err != nil {
			return fmt.Errorf("board: update: lock: %w", err)
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		raw, err := encodeDocument(next)
		if err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, store, s.boardID, raw).Scan(&next.Revision, &next.UpdatedAt); err != nil {
			return fmt.Errorf("board: update: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return out, nil
}
