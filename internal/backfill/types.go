package backfill

import "time"

// DefaultMaxAttempts is the attempt ceiling after which a row is no longer selected.
const DefaultMaxAttempts = 5

// ContentRecord mirrors one row of the record table.
type ContentRecord struct {
	OwnerID          int64
	Contents         Document
	ContentsAttempts int
	ImageHash        string
	ImageFilename    string
	ImageAttempts    int
	UpdatedAt        time.Time
}

// PendingContent is one row of the content selection.
type PendingContent struct {
	OwnerID  int64
	Locator  string
	Attempts int
}

// PendingImage is one row of the image selection.
type PendingImage struct {
	OwnerID  int64
	Contents Document
	Attempts int
}

// ContentOutcome is what the content worker hands to the writer.
type ContentOutcome struct {
	Document  Document
	Succeeded bool
}

// ImageStatus classifies the result of one image task.
type ImageStatus string

// Image task results persisted by the writer.
const (
	ImageStored  ImageStatus = "stored"
	ImageFailed  ImageStatus = "failed"
	ImageMissing ImageStatus = "missing"
)

// ImageOutcome is what the image worker hands to the writer.
type ImageOutcome struct {
	Status   ImageStatus
	Filename string
	Hash     string
}

// Notification is published after a record has been backfilled.
type Notification struct {
	Pipeline  string    `json:"pipeline"`
	OwnerID   int64     `json:"owner_id"`
	Filename  string    `json:"filename,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
