// Package provider defines the capability interface the engine uses to talk
// to resource backends. Providers are in-process implementations registered by
// name; the engine never interprets provider-specific failures beyond the
// transient/NotFound classifications exposed here.
package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/stratus-iac/stratus/internal/ir"
)

// ErrNotFound is returned by Read when the resource no longer exists on the
// backend (deleted out-of-band). The refresh path treats it as "absent".
var ErrNotFound = errors.New("resource not found")

// Interface is the capability contract every provider implements.
type Interface interface {
	// Create provisions a new resource and returns its external ID plus the
	// resulting concrete attributes.
	Create(ctx context.Context, typ string, attrs map[string]any) (string, map[string]any, error)

	// Read fetches current attributes; ErrNotFound if deleted out-of-band.
	Read(ctx context.Context, typ, externalID string) (map[string]any, error)

	// Update applies an in-place attribute diff and returns the resulting
	// attributes.
	Update(ctx context.Context, typ, externalID string, diff map[string]*ir.AttributeDiff) (map[string]any, error)

	// Delete destroys the resource.
	Delete(ctx context.Context, typ, externalID string) error
}

// ResourceSchema is static per-type metadata consulted at plan time.
type ResourceSchema struct {
	// Immutable lists attributes whose change forces recreation.
	Immutable []string
}

// IsImmutable reports whether changing attr requires a replace.
func (s ResourceSchema) IsImmutable(attr string) bool {
	for _, a := range s.Immutable {
		if a == attr {
			return true
		}
	}
	return false
}

// SchemaProvider is optionally implemented by providers that declare which
// attributes are immutable. Without it every change is planned in-place.
type SchemaProvider interface {
	ResourceSchema(typ string) (ResourceSchema, bool)
}

// IsTransient reports whether an error looks like a retryable backend hiccup
// (throttling, network resets). Anything else is treated as permanent.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"throttl",
		"rate exceed",
		"too many requests",
		"service unavailable",
		"connection reset",
		"connection refused",
		"timeout",
		"i/o timeout",
		"temporary failure",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
