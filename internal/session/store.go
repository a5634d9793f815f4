// Package session persists conversation sessions between turns.
package session

import (
	"context"
	"errors"

	"github.com/drfirst/go-cds/internal/domain/conversation"
)

var (
	// ErrNotFound is returned when no session exists for a key
	ErrNotFound = errors.New("session not found")
	// ErrVersionConflict is returned when a session was saved concurrently
	ErrVersionConflict = errors.New("session version conflict")
)

// Store loads and saves sessions. Save is optimistic: it fails with
// ErrVersionConflict unless the stored version equals the session's, and on
// success it increments the version and clears the session's changes.
type Store interface {
	Load(ctx context.Context, key string) (*conversation.Session, error)
	Save(ctx context.Context, s *conversation.Session) error
}
