package cachefs

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/metafs/internal/content"
	"github.com/javi11/metafs/internal/fscache"
	"github.com/javi11/metafs/internal/metadata"
	"github.com/javi11/metafs/internal/populator"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupFS(t *testing.T) (*FileSystem, *fscache.Cache) {
	t.Helper()

	src := metadata.NewMemorySource(
		metadata.Record{ContentID: []byte{0x01}, Size: 5, CreateTime: epoch,
			Attributes: map[string]string{"artist": "Air", "title": "Alpha"}},
		metadata.Record{ContentID: []byte{0x02}, Size: 4, CreateTime: epoch.Add(time.Hour),
			Attributes: map[string]string{"artist": "Air", "title": "Beta"}},
		metadata.Record{ContentID: []byte{0x03}, Size: 3, CreateTime: epoch,
			Attributes: map[string]string{"artist": "Low", "title": "Gamma"}},
	)

	ccfg := fscache.DefaultConfig()
	ccfg.SweepInterval = 0
	cache, err := fscache.New(ccfg)
	require.NoError(t, err)

	pcfg := populator.DefaultConfig()
	pcfg.Views = []populator.View{{
		Name:       "music",
		Attributes: []populator.Attribute{{Name: "artist", Type: "string"}, {Name: "title", Type: "string"}},
	}}
	pop, err := populator.New(cache, src, pcfg)
	require.NoError(t, err)

	store, err := content.NewStore(afero.NewMemMapFs(), "/objects")
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), []byte{0x01}, strings.NewReader("alpha"))
	require.NoError(t, err)

	return New(cache, pop, store), cache
}

func TestFileSystem_Stat(t *testing.T) {
	fs, _ := setupFS(t)

	fi, err := fs.Stat("/music/Air")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, "Air", fi.Name())

	fi, err = fs.Stat("/music/Air/Alpha")
	require.NoError(t, err)
	assert.False(t, fi.IsDir())
	assert.Equal(t, int64(5), fi.Size())
	assert.Equal(t, os.FileMode(0o444), fi.Mode())

	_, err = fs.Stat("/music/Nobody")
	assert.True(t, os.IsNotExist(err))
}

func TestFileSystem_ReadDir(t *testing.T) {
	fs, _ := setupFS(t)

	infos, err := afero.ReadDir(fs, "/music/Air")
	require.NoError(t, err)

	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}
	assert.Equal(t, []string{"Alpha", "Beta"}, names)

	root, err := afero.ReadDir(fs, "/")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "music", root[0].Name())
}

func TestFileSystem_ReaddirPaging(t *testing.T) {
	fs, _ := setupFS(t)

	f, err := fs.Open("/music")
	require.NoError(t, err)
	defer f.Close()

	first, err := f.Readdir(1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "Air", first[0].Name())

	second, err := f.Readdir(5)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "Low", second[0].Name())

	_, err = f.Readdir(1)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileSystem_ReadFile(t *testing.T) {
	fs, _ := setupFS(t)

	data, err := afero.ReadFile(fs, "/music/Air/Alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	f, err := fs.Open("/music/Air/Alpha")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 3)
	n, err := f.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, "pha", string(buf[:n]))

	// Content missing from the store
	f2, err := fs.Open("/music/Air/Beta")
	require.NoError(t, err)
	_, err = f2.Read(buf)
	assert.True(t, os.IsNotExist(err))
}

func TestFileSystem_ReadOnly(t *testing.T) {
	fs, _ := setupFS(t)

	assert.ErrorIs(t, fs.Mkdir("/music/new", 0o755), os.ErrPermission)
	assert.ErrorIs(t, fs.Remove("/music/Air"), os.ErrPermission)
	assert.ErrorIs(t, fs.Rename("/music/Air", "/music/Other"), os.ErrPermission)

	_, err := fs.Create("/music/file")
	assert.ErrorIs(t, err, os.ErrPermission)

	_, err = fs.OpenFile("/music/Air/Alpha", os.O_RDWR, 0)
	assert.ErrorIs(t, err, os.ErrPermission)

	f, err := fs.Open("/music/Air/Alpha")
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestFileSystem_DirectoryHandleRejectsRead(t *testing.T) {
	fs, _ := setupFS(t)

	f, err := fs.Open("/music")
	require.NoError(t, err)
	_, err = f.Read(make([]byte, 1))
	assert.Error(t, err)

	fi, err := f.Stat()
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}
