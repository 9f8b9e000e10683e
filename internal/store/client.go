package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mdsagent/pkg/types"
)

// Upload retry policy shared by the table and blob paths.
const (
	RetryInterval = 3 * time.Second
	RetryCount    = 5
	OpTimeout     = 30 * time.Second
)

// Outcome classifies an upload failure.
type Outcome uint8

const (
	Success Outcome = iota
	Retryable
	Permanent
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// StatusError carries the HTTP status of a failed storage operation.
type StatusError struct {
	Status int
	Op     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: storage request failed with status %d", e.Op, e.Status)
}

// StatusOf extracts the HTTP status from an upload error, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// Classify maps an upload error to its handling class. Unknown failures
// (timeouts, network resets, 5xx) default to retryable; 409 is
// idempotent-conflict; a closed set of statuses is permanent.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	switch StatusOf(err) {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		return Permanent
	case http.StatusConflict:
		return Conflict
	}
	return Retryable
}

// TableClient is the abstract table service. InsertBatch uploads rows in
// insertion order as one entity-group transaction; upsert selects
// insert-or-replace semantics for idempotent destinations.
type TableClient interface {
	InsertBatch(ctx context.Context, table string, rows []*types.Row, upsert bool) error
	CreateTableIfNotExists(ctx context.Context, table string) error
}

// BlobClient is the abstract blob service used by the JSON-blob sink and
// the command-XML reader.
type BlobClient interface {
	PutBlock(ctx context.Context, container, blob, blockID string, data []byte) error
	PutBlockList(ctx context.Context, container, blob string, blockIDs []string) error
	Download(ctx context.Context, path string) ([]byte, error)
	LastModified(ctx context.Context, path string) (types.TimeValue, error)
}

// ClientFactory builds service clients from connection strings.
type ClientFactory interface {
	Table(connectionString string) (TableClient, error)
	Blob(connectionString string) (BlobClient, error)
}

// Helper caches constructed clients by connection string so every batch
// against the same account shares one transport. Process-wide; never
// torn down.
type Helper struct {
	factory ClientFactory

	mu     sync.Mutex
	tables map[string]TableClient
	blobs  map[string]BlobClient
}

var (
	helperOnce sync.Once
	helper     *Helper
)

// SharedHelper returns the process-wide client cache, installing the
// factory on first use. Later calls ignore the factory argument.
func SharedHelper(factory ClientFactory) *Helper {
	helperOnce.Do(func() {
		helper = NewHelper(factory)
	})
	return helper
}

// NewHelper builds an isolated client cache (tests use this).
func NewHelper(factory ClientFactory) *Helper {
	return &Helper{
		factory: factory,
		tables:  make(map[string]TableClient),
		blobs:   make(map[string]BlobClient),
	}
}

// Table returns the cached table client for the connection string.
func (h *Helper) Table(connectionString string) (TableClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.tables[connectionString]; ok {
		return c, nil
	}
	c, err := h.factory.Table(connectionString)
	if err != nil {
		return nil, err
	}
	h.tables[connectionString] = c
	return c, nil
}

// Blob returns the cached blob client for the connection string.
func (h *Helper) Blob(connectionString string) (BlobClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.blobs[connectionString]; ok {
		return c, nil
	}
	c, err := h.factory.Blob(connectionString)
	if err != nil {
		return nil, err
	}
	h.blobs[connectionString] = c
	return c, nil
}
