package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ipfs-backfill/internal/backfill"
)

func TestPendingContentSelection(t *testing.T) {
	t.Parallel()

	store := NewRecordStore(
		Owner{ID: 3, Locator: "ipfs://QmThree"},
		Owner{ID: 1, Locator: "QmOne"},
		Owner{ID: 2, Locator: "https://example.com/plain"},
		Owner{ID: 4, Locator: "bafkFour"},
		Owner{ID: 5, Locator: "QmFive"},
		Owner{ID: 6, Locator: "QmSix"},
	)
	store.PutRecord(backfill.ContentRecord{OwnerID: 4, Contents: backfill.EmptyDocument(), ContentsAttempts: 4})
	store.PutRecord(backfill.ContentRecord{OwnerID: 5, Contents: backfill.EmptyDocument(), ContentsAttempts: 5})
	store.PutRecord(backfill.ContentRecord{
		OwnerID:  6,
		Contents: backfill.ObjectDocument(map[string]any{"name": "six"}),
	})

	got, err := store.PendingContent(context.Background(), backfill.DefaultMaxAttempts)
	require.NoError(t, err)
	require.Equal(t, []backfill.PendingContent{
		{OwnerID: 1, Locator: "QmOne"},
		{OwnerID: 3, Locator: "ipfs://QmThree"},
		{OwnerID: 4, Locator: "bafkFour", Attempts: 4},
	}, got)
}

func TestSaveContentAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRecordStore(Owner{ID: 1, Locator: "QmOne"})

	require.NoError(t, store.SaveContent(ctx, 1, backfill.ContentOutcome{Document: backfill.EmptyDocument()}))
	rec, ok := store.Record(1)
	require.True(t, ok)
	require.Equal(t, 1, rec.ContentsAttempts)

	require.NoError(t, store.SaveContent(ctx, 1, backfill.ContentOutcome{Document: backfill.EmptyDocument()}))
	rec, _ = store.Record(1)
	require.Equal(t, 2, rec.ContentsAttempts)

	doc := backfill.ObjectDocument(map[string]any{"name": "one"})
	require.NoError(t, store.SaveContent(ctx, 1, backfill.ContentOutcome{Document: doc, Succeeded: true}))
	rec, _ = store.Record(1)
	require.Equal(t, 1, rec.ContentsAttempts)
	require.False(t, rec.Contents.IsEmpty())

	pending, err := store.PendingContent(ctx, backfill.DefaultMaxAttempts)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPendingImagesAndSaveImage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRecordStore()
	store.PutRecord(backfill.ContentRecord{OwnerID: 2, Contents: backfill.ObjectDocument(map[string]any{"image": "x"})})
	store.PutRecord(backfill.ContentRecord{OwnerID: 1, Contents: backfill.ObjectDocument(map[string]any{"name": "n"})})
	store.PutRecord(backfill.ContentRecord{OwnerID: 3, Contents: backfill.EmptyDocument()})
	store.PutRecord(backfill.ContentRecord{
		OwnerID:       4,
		Contents:      backfill.ObjectDocument(map[string]any{"image": "y"}),
		ImageFilename: "4.png",
	})

	pending, err := store.PendingImages(ctx, 5)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, int64(1), pending[0].OwnerID)
	require.Equal(t, int64(2), pending[1].OwnerID)

	require.NoError(t, store.SaveImage(ctx, 1, backfill.ImageOutcome{Status: backfill.ImageMissing}, 5))
	require.NoError(t, store.SaveImage(ctx, 2, backfill.ImageOutcome{Status: backfill.ImageFailed}, 5))
	rec, _ := store.Record(2)
	require.Equal(t, 1, rec.ImageAttempts)
	require.NoError(t, store.SaveImage(ctx, 2, backfill.ImageOutcome{
		Status: backfill.ImageStored, Filename: "2.png", Hash: "abc",
	}, 5))

	rec, _ = store.Record(1)
	require.Equal(t, 5, rec.ImageAttempts)
	rec, _ = store.Record(2)
	require.Equal(t, "2.png", rec.ImageFilename)
	require.Equal(t, 1, rec.ImageAttempts)

	pending, err = store.PendingImages(ctx, 5)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.Error(t, store.SaveImage(ctx, 99, backfill.ImageOutcome{Status: backfill.ImageFailed}, 5))
}

func TestLoadOwners(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "owners.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":1,"data":"QmOne"},{"id":2,"data":"bafkTwo"}]`), 0o600))

	owners, err := LoadOwners(path)
	require.NoError(t, err)
	require.Equal(t, []Owner{{ID: 1, Locator: "QmOne"}, {ID: 2, Locator: "bafkTwo"}}, owners)

	_, err = LoadOwners(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
