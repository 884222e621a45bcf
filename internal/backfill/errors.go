package backfill

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEmptyHash is returned when a locator does not yield a content hash.
	ErrEmptyHash = errors.New("empty content hash")
	// ErrNoImageURL marks contents that name no image at all.
	ErrNoImageURL = errors.New("no image url in contents")
	// ErrUnknownImageFormat is returned when magic bytes match no supported format.
	ErrUnknownImageFormat = errors.New("unknown image format")
	// ErrNotContent marks a gateway payload that classified to the empty sentinel.
	ErrNotContent = errors.New("payload is not a usable content document")
)

// GatewayError describes a failed gateway call.
type GatewayError struct {
	StatusCode int
	Message    string
	Timeout    bool
	// Err is the transport error behind the failure, if any.
	Err error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("gateway timeout: %s", e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway status %d: %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("gateway: %s", e.Message)
	}
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether the gateway answered 429.
func (e *GatewayError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsRateLimited reports whether err wraps a 429 GatewayError.
func IsRateLimited(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.IsRateLimited()
}
