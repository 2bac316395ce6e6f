// Package statestore implements the conversation-state store behind the
// research.StateStore interface: an embedded bbolt backend, a Postgres
// backend, and an in-memory backend for tests.
package statestore

import "errors"

// ErrNotFound is returned when no conversation state exists for an id.
var ErrNotFound = errors.New("conversation state not found")
