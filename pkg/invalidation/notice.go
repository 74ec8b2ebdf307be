// Package invalidation fans cache invalidations out to every instance of the service over
// Google Cloud Pub/Sub.
package invalidation

import (
	"time"

	"github.com/google/uuid"
)

// Op is the kind of invalidation.
type Op string

// Invalidation kinds.
const (
	OpDelete Op = "delete"
	OpClear  Op = "clear"
)

// Notice is the JSON payload of an invalidation message. An empty Key with OpClear clears the
// whole store; an empty Store with OpClear clears every store.
type Notice struct {
	Store  string    `json:"store"`
	Key    string    `json:"key,omitempty"`
	Op     Op        `json:"op"`
	Origin string    `json:"origin"`
	SentAt time.Time `json:"sentAt"`
}

// NewOrigin returns a fresh instance id.
func NewOrigin() string {
	return uuid.New().String()
}
