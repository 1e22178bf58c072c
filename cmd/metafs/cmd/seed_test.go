package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/metafs/internal/content"
	"github.com/javi11/metafs/internal/metadata"
)

const testManifest = `records:
  - content_id: "aa01"
    create_time: 2024-03-01T12:00:00Z
    attributes:
      artist: Air
      title: Alpha
    file: objects/alpha.bin
  - content_id: "aa02"
    size: 42
    attributes:
      artist: Air
      title: Beta
`

func TestLoadManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/seed/manifest.yaml", []byte(testManifest), 0o644))

	m, err := loadManifest(fs, "/seed/manifest.yaml")
	require.NoError(t, err)
	require.Len(t, m.Records, 2)
	assert.Equal(t, "Alpha", m.Records[0].Attributes["title"])
	assert.Equal(t, int64(42), m.Records[1].Size)
}

func TestLoadManifestRejectsBadRecords(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		want     string
	}{
		{
			name:     "invalid hex",
			manifest: "records:\n  - content_id: xyz\n    attributes: {a: b}\n",
			want:     "hex",
		},
		{
			name:     "duplicate id",
			manifest: "records:\n  - content_id: aa\n    attributes: {a: b}\n  - content_id: aa\n    attributes: {a: c}\n",
			want:     "duplicate",
		},
		{
			name:     "no attributes",
			manifest: "records:\n  - content_id: aa\n",
			want:     "attributes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/m.yaml", []byte(tt.manifest), 0o644))

			_, err := loadManifest(fs, "/m.yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSeedRecords(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/seed/manifest.yaml", []byte(testManifest), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/seed/objects/alpha.bin", []byte("alpha bytes"), 0o644))

	m, err := loadManifest(fs, "/seed/manifest.yaml")
	require.NoError(t, err)

	store := metadata.NewMemorySource()
	objects, err := content.NewStore(afero.NewMemMapFs(), "/objects")
	require.NoError(t, err)

	n, err := seedRecords(ctx, store, objects, fs, "/seed", m)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, store.Len())

	it, err := store.Query(ctx, []string{"artist", "title"}, nil)
	require.NoError(t, err)
	records, err := metadata.Collect(it)
	require.NoError(t, err)
	sizes := map[string]int64{}
	for _, r := range records {
		sizes[r.ContentKey()] = r.Size
		assert.False(t, r.CreateTime.IsZero())
	}
	assert.Equal(t, map[string]int64{"aa01": 11, "aa02": 42}, sizes)

	var buf bytes.Buffer
	_, err = objects.WriteObject(ctx, []byte{0xaa, 0x01}, &buf, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "alpha bytes", buf.String())
}

func TestSeedRecordsMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/seed/manifest.yaml", []byte(testManifest), 0o644))

	m, err := loadManifest(fs, "/seed/manifest.yaml")
	require.NoError(t, err)

	store := metadata.NewMemorySource()
	objects, err := content.NewStore(afero.NewMemMapFs(), "/objects")
	require.NoError(t, err)

	n, err := seedRecords(context.Background(), store, objects, fs, "/seed", m)
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, store.Len())
}
