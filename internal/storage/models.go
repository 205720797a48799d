package storage

import (
	"errors"
	"net/http"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotCacheable is returned by PutCache for responses that must never be
// persisted: non-GET requests and non-2xx statuses.
var ErrNotCacheable = errors.New("response not cacheable")

// Operation types accepted by the queue. Anything else is rejected at
// enqueue time.
const (
	OpColorize         = "colorize"
	OpReconstruct3D    = "reconstruct3d"
	OpGenerateInfoCard = "generate_info_card"
)

// KnownOperationType reports whether typ belongs to the closed set of
// queueable operation types.
func KnownOperationType(typ string) bool {
	switch typ {
	case OpColorize, OpReconstruct3D, OpGenerateInfoCard:
		return true
	}
	return false
}

// CachedResponse is one captured upstream response, keyed by partition
// plus full request identity (method and URL).
type CachedResponse struct {
	Partition string
	Method    string
	URL       string
	Status    int
	Header    http.Header
	Body      []byte
	CachedAt  time.Time
}

// QueuedOperation is a deferred mutating action waiting for connectivity.
// Owned exclusively by the queue store; callers get value snapshots.
type QueuedOperation struct {
	ID          string
	Type        string
	PayloadJSON string
	RetryCount  int
	CreatedAt   time.Time
}

// PartitionStats summarizes one cache partition for the status surface.
type PartitionStats struct {
	Name      string
	Entries   int
	BodyBytes int64
}
