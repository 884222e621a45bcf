package backfill

import (
	"context"
	"time"
)

// ContentSelector returns rows still waiting for their IPFS content.
type ContentSelector interface {
	PendingContent(ctx context.Context, maxAttempts int) ([]PendingContent, error)
}

// ImageSelector returns rows whose contents name an image that is not yet stored.
type ImageSelector interface {
	PendingImages(ctx context.Context, maxAttempts int) ([]PendingImage, error)
}

// ContentWriter persists the outcome of one content fetch.
type ContentWriter interface {
	SaveContent(ctx context.Context, ownerID int64, outcome ContentOutcome) error
}

// ImageWriter persists the outcome of one image fetch.
type ImageWriter interface {
	SaveImage(ctx context.Context, ownerID int64, outcome ImageOutcome, maxAttempts int) error
}

// Store is the full read/write contract against the relational store.
type Store interface {
	ContentSelector
	ImageSelector
	ContentWriter
	ImageWriter
	Ping(ctx context.Context) error
	Close()
}

// Gateway retrieves content-addressed documents and image bytes.
type Gateway interface {
	FetchContent(ctx context.Context, hash string) ([]byte, error)
	FetchImage(ctx context.Context, url string) ([]byte, error)
}

// BlobStore writes image bytes and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes backfill notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time and sleeps (useful for testing).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces cycle IDs.
type IDGenerator interface {
	NewID() (string, error)
}
