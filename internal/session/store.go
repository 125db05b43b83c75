// Package session provides the persistence contract for agent sessions and
// its in-memory and SQLite backends. The hub treats the layout as opaque: a
// session round-trips as one JSON snapshot.
package session

import (
	"context"
	"errors"

	"github.com/robman/flo.monster-sub000/pkg/models"
)

// ErrNotFound is returned when no session exists for the agent id.
var ErrNotFound = errors.New("session: not found")

// Store is the interface for session persistence.
type Store interface {
	// Save writes the snapshot, replacing any previous one for the agent.
	Save(ctx context.Context, session *models.Session) error
	// Load returns the snapshot for an agent, or ErrNotFound.
	Load(ctx context.Context, agentID string) (*models.Session, error)
	// Delete removes the snapshot. Deleting a missing session is not an error.
	Delete(ctx context.Context, agentID string) error
	// List returns the stored agent ids.
	List(ctx context.Context) ([]string, error)
}
