package database

import (
	"bytes"
	"fmt"
	"time"

	"github.com/javi11/metafs/internal/metadata"
)

// Rows is the subset of *sql.Rows the record iterator reads from. Other
// drivers are adapted to it.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

type attributeRow struct {
	oid       []byte
	size      int64
	createdAt int64
	name      string
	value     string
}

// RecordIterator folds attribute rows produced by BuildQuery into records.
type RecordIterator struct {
	rows    Rows
	want    int
	cur     metadata.Record
	pending *attributeRow
	err     error
	done    bool
}

var _ metadata.Iterator = (*RecordIterator)(nil)

// NewRecordIterator wraps rows. Records carrying fewer than want attributes
// are skipped.
func NewRecordIterator(rows Rows, want int) *RecordIterator {
	return &RecordIterator{rows: rows, want: want}
}

func (it *RecordIterator) Next() bool {
	if it.done {
		return false
	}
	for {
		rec, ok := it.nextGroup()
		if !ok {
			it.done = true
			return false
		}
		if len(rec.Attributes) >= it.want {
			it.cur = rec
			return true
		}
	}
}

func (it *RecordIterator) Record() metadata.Record {
	return it.cur
}

func (it *RecordIterator) Err() error {
	return it.err
}

func (it *RecordIterator) Close() error {
	return it.rows.Close()
}

func (it *RecordIterator) nextGroup() (metadata.Record, bool) {
	first := it.pending
	it.pending = nil
	if first == nil {
		var ok bool
		if first, ok = it.scan(); !ok {
			return metadata.Record{}, false
		}
	}

	rec := metadata.Record{
		ContentID:  first.oid,
		Size:       first.size,
		CreateTime: time.Unix(0, first.createdAt).UTC(),
		Attributes: make(map[string]string),
	}
	if first.name != "" {
		rec.Attributes[first.name] = first.value
	}

	for {
		r, ok := it.scan()
		if !ok {
			if it.err != nil {
				return metadata.Record{}, false
			}
			return rec, true
		}
		if !bytes.Equal(r.oid, rec.ContentID) {
			it.pending = r
			return rec, true
		}
		if r.name != "" {
			rec.Attributes[r.name] = r.value
		}
	}
}

func (it *RecordIterator) scan() (*attributeRow, bool) {
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return nil, false
	}

	var r attributeRow
	if err := it.rows.Scan(&r.oid, &r.size, &r.createdAt, &r.name, &r.value); err != nil {
		it.err = fmt.Errorf("failed to scan attribute row: %w", err)
		return nil, false
	}
	return &r, true
}
