// Package resultstore externalizes large completed results to object
// storage, for handlers whose output exceeds the inline resultData
// threshold (§4.3 item 3: "persist result ... or externalize to object
// storage and record the location"). It is not named directly in the
// core's component list but is required to satisfy that contract.
package resultstore

import "context"

// InlineThreshold is the size above which a handler should externalize
// its result instead of writing it straight into the instance row's
// resultData column.
const InlineThreshold = 64 * 1024 * 8 // 512 KiB, 8 max-size chunks inline

// Store externalizes a completed result and later re-fetches it so the
// chunk engine can read through it identically regardless of backend.
type Store interface {
	Put(ctx context.Context, requestID string, data []byte, mimeType string) (location string, err error)
	Fetcher
}

// Fetcher re-reads an externalized result given the location Put
// returned, independent of which Store produced it.
type Fetcher interface {
	Fetch(ctx context.Context, location string) (data []byte, mimeType string, err error)
}
