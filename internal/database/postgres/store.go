// Package postgres is the PostgreSQL metadata engine. It shares the schema
// and query shape of the SQLite engine and runs on a pgx connection pool.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/javi11/metafs/internal/database"
	"github.com/javi11/metafs/internal/metadata"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Config holds the PostgreSQL engine configuration.
type Config struct {
	DSN      string
	MaxConns int32
}

// Store implements metadata.Store over a pgx pool.
type Store struct {
	pool  *pgxpool.Pool
	stmts database.Statements
}

var _ metadata.Store = (*Store)(nil)

// New connects to PostgreSQL and runs the schema migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if err := runMigrations(pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{pool: pool, stmts: database.NewStatements(database.Dollar)}, nil
}

func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Query implements metadata.Source.
func (s *Store) Query(ctx context.Context, names []string, values []*string) (metadata.Iterator, error) {
	query, args := database.BuildQuery(names, values, database.Dollar)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}

	return database.NewRecordIterator(pgxRows{rows}, len(names)), nil
}

// PutRecord inserts or replaces an object and its attributes.
func (s *Store) PutRecord(ctx context.Context, rec metadata.Record) error {
	if len(rec.ContentID) == 0 {
		return errors.New("content id is required")
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, s.stmts.UpsertObject, rec.ContentID, rec.Size, rec.CreateTime.UnixNano()); err != nil {
			return fmt.Errorf("failed to upsert object: %w", err)
		}
		if _, err := tx.Exec(ctx, s.stmts.DeleteAttributes, rec.ContentID); err != nil {
			return fmt.Errorf("failed to clear attributes: %w", err)
		}

		batch := &pgx.Batch{}
		for name, value := range rec.Attributes {
			batch.Queue(s.stmts.InsertAttribute, rec.ContentID, name, value)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert attributes: %w", err)
		}
		return nil
	})
}

// DeleteRecord removes an object; attributes go with it through the cascade.
func (s *Store) DeleteRecord(ctx context.Context, contentID []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, s.stmts.DeleteObject, contentID)
	if err != nil {
		return false, fmt.Errorf("failed to delete object: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountRecords returns the number of stored objects.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, s.stmts.CountObjects).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count objects: %w", err)
	}
	return n, nil
}

// pgxRows adapts pgx.Rows to database.Rows.
type pgxRows struct {
	pgx.Rows
}

func (r pgxRows) Close() error {
	r.Rows.Close()
	return nil
}
