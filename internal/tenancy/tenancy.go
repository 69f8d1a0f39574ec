// Package tenancy enforces tenant context on every operation.
//
// Every row in the system is tenant-scoped; the guard in this package is the
// single place where a request's tenant identity is established, and every
// repository call downstream receives that identity explicitly.
package tenancy

import (
	"context"
	"errors"
	"fmt"
)

// ErrTenantHeaderRequired is returned when no tenant id is present on the
// request context. Maps to 400 TENANT_HEADER_REQUIRED at the HTTP layer.
var ErrTenantHeaderRequired = errors.New("tenant id is required")

// MismatchError reports a payload tenant that disagrees with the
// request-scoped tenant. Location names the offending field so the client
// can act on it.
type MismatchError struct {
	Location string
	Scoped   string
	Payload  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("tenant mismatch at %s: payload %q does not match request tenant %q",
		e.Location, e.Payload, e.Scoped)
}

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// WithTenant returns a context carrying the given tenant id.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// FromContext extracts the tenant id from the context.
func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tenantIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// RequireTenant returns the request-scoped tenant id or
// ErrTenantHeaderRequired when absent.
func RequireTenant(ctx context.Context) (string, error) {
	tenantID, ok := FromContext(ctx)
	if !ok {
		return "", ErrTenantHeaderRequired
	}
	return tenantID, nil
}

// EnforceTenantMatch validates that a tenant id carried in a payload agrees
// with the request-scoped tenant. An empty payload tenant inherits the
// scoped one.
func EnforceTenantMatch(ctx context.Context, payloadTenant, location string) (string, error) {
	scoped, err := RequireTenant(ctx)
	if err != nil {
		return "", err
	}
	if payloadTenant == "" || payloadTenant == scoped {
		return scoped, nil
	}
	return "", &MismatchError{Location: location, Scoped: scoped, Payload: payloadTenant}
}
