package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/javi11/metafs/internal/metadata"
)

// ObjectRepository stores metadata records and answers the cache's attribute
// queries. It implements metadata.Store.
type ObjectRepository struct {
	db    *sql.DB
	ph    Placeholder
	stmts Statements
}

var _ metadata.Store = (*ObjectRepository)(nil)

// NewObjectRepository creates a repository over db using the placeholder
// style of its dialect.
func NewObjectRepository(db *sql.DB, ph Placeholder) *ObjectRepository {
	return &ObjectRepository{db: db, ph: ph, stmts: NewStatements(ph)}
}

// Query implements metadata.Source.
func (r *ObjectRepository) Query(ctx context.Context, names []string, values []*string) (metadata.Iterator, error) {
	query, args := BuildQuery(names, values, r.ph)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}

	return NewRecordIterator(rows, len(names)), nil
}

// PutRecord inserts or replaces an object and its attributes.
func (r *ObjectRepository) PutRecord(ctx context.Context, rec metadata.Record) error {
	if len(rec.ContentID) == 0 {
		return fmt.Errorf("content id is required")
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.stmts.UpsertObject, rec.ContentID, rec.Size, rec.CreateTime.UnixNano()); err != nil {
			return fmt.Errorf("failed to upsert object: %w", err)
		}
		if _, err := tx.ExecContext(ctx, r.stmts.DeleteAttributes, rec.ContentID); err != nil {
			return fmt.Errorf("failed to clear attributes: %w", err)
		}
		for name, value := range rec.Attributes {
			if _, err := tx.ExecContext(ctx, r.stmts.InsertAttribute, rec.ContentID, name, value); err != nil {
				return fmt.Errorf("failed to insert attribute %s: %w", name, err)
			}
		}
		return nil
	})
}

// DeleteRecord removes an object and its attributes.
func (r *ObjectRepository) DeleteRecord(ctx context.Context, contentID []byte) (bool, error) {
	var deleted bool
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.stmts.DeleteAttributes, contentID); err != nil {
			return fmt.Errorf("failed to delete attributes: %w", err)
		}
		res, err := tx.ExecContext(ctx, r.stmts.DeleteObject, contentID)
		if err != nil {
			return fmt.Errorf("failed to delete object: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// GetRecord returns the object with every attribute, or nil when absent.
func (r *ObjectRepository) GetRecord(ctx context.Context, contentID []byte) (*metadata.Record, error) {
	rows, err := r.db.QueryContext(ctx, r.stmts.GetObject, contentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	records, err := metadata.Collect(NewRecordIterator(rows, 0))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// CountRecords returns the number of stored objects.
func (r *ObjectRepository) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, r.stmts.CountObjects).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count objects: %w", err)
	}
	return n, nil
}

func (r *ObjectRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
