// Package backfill defines the shared vocabulary of the IPFS backfill service:
// pending-row shapes, the content document union, the classifier that turns
// gateway payloads into documents, image URL and format helpers, and the
// interfaces the store, gateway, blob and publisher adapters implement.
package backfill
