// Package idgen generates opaque record identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

const (
	PurchasePrefix = "pur_"
	AccessPrefix   = "acc_"
	RequestPrefix  = "req_"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Purchase returns a new purchase id.
func Purchase() string { return WithPrefix(PurchasePrefix) }

// Access returns a new premium-access id.
func Access() string { return WithPrefix(AccessPrefix) }

// Request returns a new request id.
func Request() string { return WithPrefix(RequestPrefix) }
