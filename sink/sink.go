package sink

import (
	"context"
)

type WriteRequest struct {
	Key         string
	Data        []byte
	ContentType string
}

// Sinkr writes one object to a destination.
type Sinkr interface {
	Write(ctx context.Context, req WriteRequest) error
}

// Putter is implemented by sinks that report a per-write result.
// The result is the backend response, or "Done: <key>" when the backend
// acknowledged the write without one.
type Putter interface {
	Put(ctx context.Context, req WriteRequest) (result string, err error)
}

// DoneMarker is the synthetic result for writes acknowledged with an empty response.
func DoneMarker(key string) string {
	return "Done: " + key
}
