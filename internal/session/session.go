// Package session tracks worker identities and session validity on the
// dispatcher side.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	// SessionTTL is how long an issued session stays valid without refresh.
	SessionTTL = 30 * time.Minute

	// SessionRefreshInterval is the age after which a valid, matching session
	// has its timestamp extended silently.
	SessionRefreshInterval = 2 * time.Minute
)

var (
	// ErrNotFound is returned when a worker id is unknown to the store.
	ErrNotFound = errors.New("worker not found")

	// ErrExists is returned when creating a worker id that is already taken.
	ErrExists = errors.New("worker already exists")

	// ErrConflict is returned when concurrent session updates did not settle
	// within the attempt budget.
	ErrConflict = errors.New("session update conflict")
)

// WorkerIdentity is the identity a dispatcher hands to a worker.
type WorkerIdentity struct {
	WorkerID         string
	SessionID        string
	SessionCreatedAt time.Time
}

// Session is the rotating half of an identity; it is the unit of
// compare-and-swap in the store.
type Session struct {
	ID        string
	CreatedAt time.Time
}

// Record is the durable worker row.
type Record struct {
	WorkerID  string
	Session   Session
	Status    []byte // last reported worker status, JSON
	CreatedAt time.Time
}

// Identity returns the identity view of the record.
func (r Record) Identity() WorkerIdentity {
	return WorkerIdentity{
		WorkerID:         r.WorkerID,
		SessionID:        r.Session.ID,
		SessionCreatedAt: r.Session.CreatedAt,
	}
}

// Store persists worker records.
type Store interface {
	// Create inserts a new worker record. Returns ErrExists on id collision.
	Create(ctx context.Context, rec Record) error

	// Find loads a worker record. Returns ErrNotFound when unknown.
	Find(ctx context.Context, workerID string) (*Record, error)

	// CompareAndSwapSession replaces the session only if the stored one still
	// equals old. Reports whether the swap happened.
	CompareAndSwapSession(ctx context.Context, workerID string, old, next Session) (bool, error)

	// SaveStatus stores the worker's last reported status blob.
	SaveStatus(ctx context.Context, workerID string, status []byte) error

	// Close releases any resources.
	Close() error
}

// NewWorkerID returns a fresh opaque worker id.
func NewWorkerID() string {
	return uuid.New().String()
}

// NewSessionID returns a high-entropy session token.
func NewSessionID() string {
	return uuid.New().String() + "-" + uuid.New().String()
}

// truncate normalizes timestamps so every backend round-trips them exactly.
func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
