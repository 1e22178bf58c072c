package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/metafs/internal/metadata"
)

// Set METAFS_TEST_POSTGRES_DSN to run against a live server.
func setupStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("METAFS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("METAFS_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := New(ctx, Config{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.pool.Exec(ctx, "TRUNCATE objects CASCADE")
		s.Close()
	})

	_, err = s.pool.Exec(ctx, "TRUNCATE objects CASCADE")
	require.NoError(t, err)

	return s
}

func TestNew_RequiresDSN(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestStore_PutQueryDelete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutRecord(ctx, metadata.Record{
		ContentID: []byte{0x01}, Size: 10, CreateTime: epoch.Add(time.Second),
		Attributes: map[string]string{"artist": "Queen", "album": "Jazz"},
	}))
	require.NoError(t, s.PutRecord(ctx, metadata.Record{
		ContentID: []byte{0x02}, Size: 20, CreateTime: epoch,
		Attributes: map[string]string{"artist": "Queen"},
	}))

	queen := "Queen"
	it, err := s.Query(ctx, []string{"artist"}, []*string{&queen})
	require.NoError(t, err)
	records, err := metadata.Collect(it)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []byte{0x02}, records[0].ContentID)

	it, err = s.Query(ctx, []string{"artist", "album"}, nil)
	require.NoError(t, err)
	records, err = metadata.Collect(it)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Jazz", records[0].Attributes["album"])

	deleted, err := s.DeleteRecord(ctx, []byte{0x01})
	require.NoError(t, err)
	assert.True(t, deleted)

	n, err := s.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
