package metadata

import (
	"bytes"
	"context"
	"slices"
	"sync"
)

// MemorySource is an in-process Source backed by a slice of records. It is
// used by the "memory" engine and by tests.
type MemorySource struct {
	mu      sync.RWMutex
	records []Record
}

var _ Store = (*MemorySource)(nil)

// NewMemorySource creates a MemorySource seeded with records.
func NewMemorySource(records ...Record) *MemorySource {
	s := &MemorySource{}
	for _, r := range records {
		s.Put(r)
	}
	return s
}

// Put inserts or replaces the record with the same content id.
func (s *MemorySource) Put(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.Attributes = Project(r.Attributes, keys(r.Attributes))
	for i := range s.records {
		if bytes.Equal(s.records[i].ContentID, r.ContentID) {
			s.records[i] = r
			return
		}
	}
	s.records = append(s.records, r)
}

// Delete removes the record with the given content id.
func (s *MemorySource) Delete(contentID []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.records)
	s.records = slices.DeleteFunc(s.records, func(r Record) bool {
		return bytes.Equal(r.ContentID, contentID)
	})
	return len(s.records) != before
}

// Len returns the number of stored records.
func (s *MemorySource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// PutRecord implements Store.
func (s *MemorySource) PutRecord(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Put(r)
	return nil
}

// DeleteRecord implements Store.
func (s *MemorySource) DeleteRecord(ctx context.Context, contentID []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Delete(contentID), nil
}

// Query implements Source.
func (s *MemorySource) Query(ctx context.Context, names []string, values []*string) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, r := range s.records {
		if !Matches(r, names, values) {
			continue
		}
		cp := r
		cp.Attributes = Project(r.Attributes, names)
		out = append(out, cp)
	}

	return NewSliceIterator(out), nil
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// SliceIterator iterates over an in-memory slice of records.
type SliceIterator struct {
	records []Record
	pos     int
	err     error
}

// NewSliceIterator returns an Iterator over records.
func NewSliceIterator(records []Record) *SliceIterator {
	return &SliceIterator{records: records, pos: -1}
}

// NewFailingIterator returns an Iterator that yields records and then fails
// with err, simulating a query that breaks mid-stream.
func NewFailingIterator(records []Record, err error) *SliceIterator {
	return &SliceIterator{records: records, pos: -1, err: err}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.records) {
		it.pos = len(it.records)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Record() Record {
	return it.records[it.pos]
}

func (it *SliceIterator) Err() error {
	if it.pos >= len(it.records) {
		return it.err
	}
	return nil
}

func (it *SliceIterator) Close() error {
	return nil
}
