package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/ipfs-backfill/internal/backfill"
)

// Owner is a row of the owner table: an id and its source locator.
type Owner struct {
	ID      int64  `json:"id"`
	Locator string `json:"data"`
}

// RecordStore is an in-memory backfill.Store with the same selection and
// write rules as the Postgres store.
type RecordStore struct {
	mu      sync.Mutex
	owners  map[int64]string
	records map[int64]*backfill.ContentRecord
	now     func() time.Time
}

// NewRecordStore creates a store holding the given owners and no records.
func NewRecordStore(owners ...Owner) *RecordStore {
	s := &RecordStore{
		owners:  make(map[int64]string, len(owners)),
		records: make(map[int64]*backfill.ContentRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range owners {
		s.owners[o.ID] = o.Locator
	}
	return s
}

// LoadOwners reads a JSON array of owners from path.
func LoadOwners(path string) ([]Owner, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read owners file: %w", err)
	}
	var owners []Owner
	if err := json.Unmarshal(data, &owners); err != nil {
		return nil, fmt.Errorf("decode owners file: %w", err)
	}
	return owners, nil
}

// PutRecord inserts or replaces a record.
func (s *RecordStore) PutRecord(rec backfill.ContentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := rec
	s.records[rec.OwnerID] = &cp
}

// Record returns a copy of the record for ownerID.
func (s *RecordStore) Record(ownerID int64) (backfill.ContentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ownerID]
	if !ok {
		return backfill.ContentRecord{}, false
	}
	return *rec, true
}

// PendingContent implements backfill.ContentSelector.
func (s *RecordStore) PendingContent(_ context.Context, maxAttempts int) ([]backfill.PendingContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []backfill.PendingContent
	for id, locator := range s.owners {
		if !backfill.IsRecognizedLocator(locator) {
			continue
		}
		attempts := 0
		if rec, ok := s.records[id]; ok {
			if !rec.Contents.IsEmpty() {
				continue
			}
			attempts = rec.ContentsAttempts
		}
		if attempts >= maxAttempts {
			continue
		}
		out = append(out, backfill.PendingContent{OwnerID: id, Locator: locator, Attempts: attempts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

// PendingImages implements backfill.ImageSelector.
func (s *RecordStore) PendingImages(_ context.Context, maxAttempts int) ([]backfill.PendingImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []backfill.PendingImage
	for id, rec := range s.records {
		if rec.Contents.IsEmpty() || rec.ImageFilename != "" || rec.ImageAttempts >= maxAttempts {
			continue
		}
		out = append(out, backfill.PendingImage{OwnerID: id, Contents: rec.Contents, Attempts: rec.ImageAttempts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

// SaveContent implements backfill.ContentWriter.
func (s *RecordStore) SaveContent(_ context.Context, ownerID int64, outcome backfill.ContentOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[ownerID]
	switch {
	case !ok:
		s.records[ownerID] = &backfill.ContentRecord{
			OwnerID:          ownerID,
			Contents:         outcome.Document,
			ContentsAttempts: 1,
			UpdatedAt:        now,
		}
		return nil
	case outcome.Succeeded:
		rec.ContentsAttempts = 1
	default:
		rec.ContentsAttempts++
	}
	rec.Contents = outcome.Document
	rec.UpdatedAt = now
	return nil
}

// SaveImage implements backfill.ImageWriter.
func (s *RecordStore) SaveImage(_ context.Context, ownerID int64, outcome backfill.ImageOutcome, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[ownerID]
	if !ok {
		return fmt.Errorf("update image of owner %d: record not found", ownerID)
	}
	switch outcome.Status {
	case backfill.ImageStored:
		rec.ImageFilename = outcome.Filename
		rec.ImageHash = outcome.Hash
		rec.ImageAttempts = 1
	case backfill.ImageFailed:
		rec.ImageAttempts++
	case backfill.ImageMissing:
		rec.ImageAttempts = maxAttempts
	default:
		return fmt.Errorf("unknown image status %q", outcome.Status)
	}
	rec.UpdatedAt = s.now()
	return nil
}

// Ping always succeeds.
func (s *RecordStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *RecordStore) Close() {}
