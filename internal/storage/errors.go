package storage

import (
	"context"
	"errors"
	"net"

	"github.com/lib/pq"
)

// Sentinel errors returned by repositories. Callers branch with errors.Is.
var (
	// ErrNotFound is returned when a row does not exist within the caller's
	// tenant scope. Cross-tenant rows are indistinguishable from absent ones.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when a uniqueness or state precondition fails,
	// e.g. transitioning a document that already left the expected status.
	ErrConflict = errors.New("storage: conflict")

	// ErrCollectionSealed is returned when registering documents into a
	// sealed collection.
	ErrCollectionSealed = errors.New("storage: collection is sealed")

	// ErrInvalidTenant is returned when a write carries an empty tenant.
	ErrInvalidTenant = errors.New("storage: tenant id required")
)

// Postgres error classes that indicate a retryable condition.
// 08 connection exceptions, 40 transaction rollbacks (serialization,
// deadlock), 53 insufficient resources, 57 operator intervention
// (admin shutdown, crash shutdown).
var transientPgClasses = map[string]bool{
	"08": true,
	"40": true,
	"53": true,
	"57": true,
}

// IsTransient reports whether err is worth retrying: network timeouts,
// cancelled contexts are excluded, and Postgres errors are classified by
// SQLSTATE class.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientPgClasses[string(pqErr.Code.Class())]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
