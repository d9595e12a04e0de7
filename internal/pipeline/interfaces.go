package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueueConn is a connection to the queue store owned by a single loop.
type QueueConn interface {
	// Push appends payload to the tail of the named list.
	Push(ctx context.Context, queue string, payload []byte) error
	// Requeue puts payload back at the head of the named list.
	Requeue(ctx context.Context, queue string, payload []byte) error
	// Pop blocks up to timeout for the head of the named list and returns
	// ErrQueueEmpty when nothing arrived.
	Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// QueueDialer opens queue connections.
type QueueDialer interface {
	Dial(ctx context.Context) (QueueConn, error)
}

// Capturer loads a page and returns its rendered content and capture artifact.
type Capturer interface {
	Capture(ctx context.Context, req CaptureRequest) (Capture, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	DeleteObject(ctx context.Context, path string) error
}

// Publisher pushes best-effort events to Pub/Sub, MQTT or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers for tasks, reports and dispatches.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}
