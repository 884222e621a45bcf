package worker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ipfs-backfill/internal/backfill"
	pubmemory "github.com/JakeFAU/ipfs-backfill/internal/publisher/memory"
	"github.com/JakeFAU/ipfs-backfill/internal/storage/memory"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D}

type imageHarness struct {
	gateway  *fakeGateway
	store    *memory.RecordStore
	blobs    *memory.BlobStore
	clock    *fakeClock
	observer *countingObserver
	pub      *pubmemory.Publisher
	worker   *ImageWorker
}

func newImageHarness(contents map[int64]map[string]any) *imageHarness {
	h := &imageHarness{
		gateway:  newFakeGateway(),
		store:    memory.NewRecordStore(),
		blobs:    memory.NewBlobStore(),
		clock:    newFakeClock(),
		observer: newCountingObserver(),
		pub:      pubmemory.New(),
	}
	for id, obj := range contents {
		h.store.PutRecord(backfill.ContentRecord{OwnerID: id, Contents: backfill.ObjectDocument(obj), ContentsAttempts: 1})
	}
	h.worker = NewImageWorker(h.gateway, h.store, h.blobs, h.pub, h.clock, h.observer, Config{
		MaxAttempts:      5,
		RateLimitBackoff: DefaultRateLimitBackoff,
		BlobPrefix:       "/images/",
		Topic:            "backfill-events",
	}, nil)
	return h
}

func (h *imageHarness) pending(t *testing.T) []backfill.PendingImage {
	t.Helper()
	rows, err := h.store.PendingImages(context.Background(), 5)
	require.NoError(t, err)
	return rows
}

func TestImageWorkerStoresSniffedImage(t *testing.T) {
	t.Parallel()

	h := newImageHarness(map[int64]map[string]any{
		7: {"name": "seven", "logo": "https://cdn.example/logo.jpg", "image": "ipfs://QmPic"},
	})
	h.gateway.images["ipfs://QmPic"] = gatewayReply{body: pngBytes}

	require.NoError(t, h.worker.Process(context.Background(), h.pending(t)[0]))

	rec, _ := h.store.Record(7)
	require.Equal(t, "7.png", rec.ImageFilename)
	require.Equal(t, 1, rec.ImageAttempts)
	require.Equal(t, backfill.ImageDigest(pngBytes), rec.ImageHash)

	stored, contentType, ok := h.blobs.Object("images/7.png")
	require.True(t, ok)
	require.Equal(t, pngBytes, stored)
	require.Equal(t, "image/png", contentType)

	notes := h.pub.Notifications(PipelineImage)
	require.Len(t, notes, 1)
	require.Equal(t, "7.png", notes[0].Filename)
	require.Empty(t, h.pending(t))
}

func TestImageWorkerMissingURLRetiresRow(t *testing.T) {
	t.Parallel()

	for _, prior := range []int{0, 3, 4} {
		t.Run(strconv.Itoa(prior), func(t *testing.T) {
			t.Parallel()

			h := newImageHarness(nil)
			h.store.PutRecord(backfill.ContentRecord{
				OwnerID:          8,
				Contents:         backfill.ObjectDocument(map[string]any{"name": "no picture", "image": "  "}),
				ContentsAttempts: 1,
				ImageAttempts:    prior,
			})

			err := h.worker.Process(context.Background(), h.pending(t)[0])
			require.ErrorIs(t, err, backfill.ErrNoImageURL)

			rec, _ := h.store.Record(8)
			require.Equal(t, 5, rec.ImageAttempts)
			require.Empty(t, rec.ImageFilename)
			require.Empty(t, h.pending(t))
			require.Empty(t, h.gateway.Calls())
			require.Equal(t, 1, h.observer.Rows("image/missing"))
		})
	}
}

func TestImageWorkerUpgradesThumbnail(t *testing.T) {
	t.Parallel()

	h := newImageHarness(map[int64]map[string]any{9: {"profile_image_url": "https://pbs.example/u_normal.jpg"}})
	h.gateway.images["https://pbs.example/u_400x400.jpg"] = gatewayReply{body: []byte{0xFF, 0xD8, 0xFF, 0xE0}}

	require.NoError(t, h.worker.Process(context.Background(), h.pending(t)[0]))

	rec, _ := h.store.Record(9)
	require.Equal(t, "9.jpg", rec.ImageFilename)
	require.Equal(t, []string{"https://pbs.example/u_400x400.jpg"}, h.gateway.Calls())
}

func TestImageWorkerFallsBackToOriginal(t *testing.T) {
	t.Parallel()

	h := newImageHarness(map[int64]map[string]any{10: {"avatar": "https://pbs.example/u_normal.gif"}})
	h.gateway.images["https://pbs.example/u_normal.gif"] = gatewayReply{body: []byte("GIF89a....")}

	require.NoError(t, h.worker.Process(context.Background(), h.pending(t)[0]))

	rec, _ := h.store.Record(10)
	require.Equal(t, "10.gif", rec.ImageFilename)
	require.Equal(t, []string{
		"https://pbs.example/u_400x400.gif",
		"https://pbs.example/u_normal.gif",
	}, h.gateway.Calls())
}

func TestImageWorkerUnknownFormatCountsAttempt(t *testing.T) {
	t.Parallel()

	h := newImageHarness(map[int64]map[string]any{11: {"image": "https://example/x"}})
	h.gateway.images["https://example/x"] = gatewayReply{body: []byte("<html>not an image</html>")}

	err := h.worker.Process(context.Background(), h.pending(t)[0])
	require.ErrorIs(t, err, backfill.ErrUnknownImageFormat)

	rec, _ := h.store.Record(11)
	require.Equal(t, 1, rec.ImageAttempts)
	require.Empty(t, rec.ImageFilename)
	require.Zero(t, h.blobs.Len())
	require.Len(t, h.pending(t), 1)
}

func TestImageWorkerRateLimitSkipsFallback(t *testing.T) {
	t.Parallel()

	h := newImageHarness(map[int64]map[string]any{12: {"image": "https://pbs.example/a_normal.png"}})
	h.gateway.images["https://pbs.example/a_400x400.png"] = gatewayReply{
		err: &backfill.GatewayError{StatusCode: http.StatusTooManyRequests},
	}

	err := h.worker.Process(context.Background(), h.pending(t)[0])
	require.True(t, backfill.IsRateLimited(err))
	require.Len(t, h.gateway.Calls(), 1)
	require.Equal(t, []time.Duration{DefaultRateLimitBackoff}, h.clock.Sleeps())

	rec, _ := h.store.Record(12)
	require.Equal(t, 1, rec.ImageAttempts)
}

type failingBlobStore struct{}

func (failingBlobStore) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("disk full")
}

func TestImageWorkerBlobFailureCountsAttempt(t *testing.T) {
	t.Parallel()

	h := newImageHarness(map[int64]map[string]any{13: {"image": "ipfs://QmPic"}})
	h.gateway.images["ipfs://QmPic"] = gatewayReply{body: pngBytes}
	h.worker.blobs = failingBlobStore{}

	require.ErrorContains(t, h.worker.Process(context.Background(), h.pending(t)[0]), "disk full")

	rec, _ := h.store.Record(13)
	require.Equal(t, 1, rec.ImageAttempts)
	require.Empty(t, rec.ImageFilename)
}
