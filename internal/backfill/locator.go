package backfill

import (
	"fmt"
	"strings"
)

// LocatorPrefixes lists the SourceLocator schemes the content pipeline understands.
var LocatorPrefixes = []string{"ipfs://", "Qm", "bafk"}

// IsRecognizedLocator reports whether locator uses a known IPFS scheme.
func IsRecognizedLocator(locator string) bool {
	for _, prefix := range LocatorPrefixes {
		if strings.HasPrefix(locator, prefix) {
			return true
		}
	}
	return false
}

// ExtractHash returns the trailing path segment of a locator, which is the
// content-addressed hash handed to the gateway.
func ExtractHash(locator string) (string, error) {
	trimmed := strings.TrimSpace(locator)
	if !IsRecognizedLocator(trimmed) {
		return "", fmt.Errorf("unrecognized locator %q: %w", locator, ErrEmptyHash)
	}
	trimmed = strings.TrimSuffix(trimmed, "/")
	idx := strings.LastIndex(trimmed, "/")
	hash := trimmed[idx+1:]
	if hash == "" {
		return "", ErrEmptyHash
	}
	return hash, nil
}
