// Package api is the in-process surface a UI talks to: validated write
// operations that queue mutations, and live queries over the local store.
// Nothing here waits for the network; reads come from SQLite and writes
// return as soon as the optimistic row and its queue entry are durable.
package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/beaconmesh/beacon/internal/store"
)

// ErrNotRegistered is returned by operations that need a local identity
// before registration has completed.
var ErrNotRegistered = errors.New("device not registered yet")

// ValidationError rejects a write before it reaches the queue. Invalid input
// must never be queued: it would fail on every push, forever.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

const (
	maxContentLen     = 4096
	maxGroupNameLen   = 128
	maxDescriptionLen = 512
)

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if len(content) > maxContentLen {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("exceeds %d bytes", maxContentLen)}
	}
	return nil
}

func selfDevice(db *store.DB) (*store.Device, error) {
	self, err := db.SelfDevice()
	if err != nil {
		return nil, err
	}
	if self == nil {
		return nil, ErrNotRegistered
	}
	return self, nil
}
