package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ipfs-backfill/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "images", "avatars")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	t.Run("ValidPut", func(t *testing.T) {
		data := []byte{0x89, 'P', 'N', 'G'}
		uri, err := store.PutObject(context.Background(), "7.png", "image/png", data)
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, "7.png"), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, "7.png"))
		require.NoError(t, err)
		assert.Equal(t, data, readData)
	})

	t.Run("OverwritesExisting", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "8.gif", "image/gif", []byte("old"))
		require.NoError(t, err)
		_, err = store.PutObject(context.Background(), "8.gif", "image/gif", []byte("new"))
		require.NoError(t, err)

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, "8.gif"))
		require.NoError(t, err)
		assert.Equal(t, "new", string(readData))
	})

	t.Run("NestedPath", func(t *testing.T) {
		path := "avatars/2024/9.jpg"
		_, err := store.PutObject(context.Background(), path, "image/jpeg", []byte("nested"))
		require.NoError(t, err)
		_, err = os.Stat(filepath.Join(tempDir, path))
		require.NoError(t, err)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "image/png", []byte("data"))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.png", "image/png", []byte("data"))
		assert.ErrorContains(t, err, "path traversal")
	})
}

func TestPutObjectWithCurrentDirAsBase(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	store, err := local.New(local.Config{BaseDir: "."})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "1.jpg", "image/jpeg", []byte("jpeg"))
	require.NoError(t, err)
	assert.Contains(t, uri, "1.jpg")

	readData, err := os.ReadFile("1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(readData))

	_, err = store.PutObject(context.Background(), "../escape.jpg", "image/jpeg", []byte("x"))
	assert.ErrorContains(t, err, "path traversal")
	_, err = store.PutObject(context.Background(), ".", "image/jpeg", []byte("x"))
	assert.ErrorContains(t, err, "path traversal")
}
