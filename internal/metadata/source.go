// Package metadata defines the contract of the external metadata query engine
// the cache is populated from.
package metadata

import (
	"context"
	"encoding/hex"
	"time"
)

//go:generate go tool mockgen -destination=mocks/mock_source.go -package=mocks github.com/javi11/metafs/internal/metadata Source

// Record is a single metadata row describing one stored object.
type Record struct {
	ContentID  []byte
	CreateTime time.Time
	Size       int64
	// Attributes holds the values of the requested attribute names.
	Attributes map[string]string
}

// ContentKey returns the content id as a lowercase hex string.
func (r Record) ContentKey() string {
	return hex.EncodeToString(r.ContentID)
}

// Iterator walks the records of a query. It follows the database/sql Rows
// contract: call Next until it returns false, then check Err, and always Close.
type Iterator interface {
	Next() bool
	Record() Record
	Err() error
	Close() error
}

// Source is the metadata query engine.
//
// Query returns every record that carries all of names and whose value for
// names[i] equals *values[i]. A nil value matches any value. values may be
// shorter than names; missing entries are treated as nil.
type Source interface {
	Query(ctx context.Context, names []string, values []*string) (Iterator, error)
}

// Store is a Source that can also be written to. The engines backing the
// server implement it; the cache itself only reads.
type Store interface {
	Source
	PutRecord(ctx context.Context, r Record) error
	DeleteRecord(ctx context.Context, contentID []byte) (bool, error)
}

// Collect drains an iterator into a slice and closes it.
func Collect(it Iterator) ([]Record, error) {
	defer it.Close()

	var records []Record
	for it.Next() {
		records = append(records, it.Record())
	}
	if err := it.Err(); err != nil {
		return records, err
	}
	return records, nil
}

// Matches reports whether r satisfies the names/values constraints of Query.
func Matches(r Record, names []string, values []*string) bool {
	for i, name := range names {
		v, ok := r.Attributes[name]
		if !ok {
			return false
		}
		if i < len(values) && values[i] != nil && *values[i] != v {
			return false
		}
	}
	return true
}

// Project returns a copy of attrs restricted to names.
func Project(attrs map[string]string, names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := attrs[name]; ok {
			out[name] = v
		}
	}
	return out
}
