package access

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/navimed/navimed/internal/platform/auth"
)

// Filter narrows administrative request listings.
type Filter struct {
	PatientID     *uuid.UUID
	Status        *Status
	RequesterID   *string
	ReviewPending bool
}

// Repository persists access requests, their decision history, and
// revocation events. UpdateRequest enforces optimistic concurrency on
// VersionID and fails with ErrLevelMismatch when the row moved underneath
// the caller. InTx runs fn with a transaction carried in its context so a
// decision's mutation and history append commit or roll back together.
type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateRequest(ctx context.Context, r *AccessRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*AccessRequest, error)
	UpdateRequest(ctx context.Context, r *AccessRequest) error
	ListRequests(ctx context.Context, f Filter, limit, offset int) ([]*AccessRequest, int, error)
	ListPendingByRoles(ctx context.Context, roles []auth.Role, limit, offset int) ([]*AccessRequest, int, error)
	ListPendingByPatient(ctx context.Context, patientID uuid.UUID) ([]*AccessRequest, error)

	// Sweeper scans. Both return candidate IDs only; the sweeper re-reads
	// each request inside its own transaction before mutating.
	ListPendingPastDeadline(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListLapsedGrants(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	CountPending(ctx context.Context) (int, error)

	AddHistory(ctx context.Context, e *HistoryEntry) error
	ListHistory(ctx context.Context, requestID uuid.UUID) ([]*HistoryEntry, error)

	AddRevocation(ctx context.Context, e *RevocationEvent) error
	HasRevocation(ctx context.Context, requestID uuid.UUID) (bool, error)
}
