package session

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists session snapshots and count history. The coordinator is
// the single authority for live state; writes here are best effort and
// eventual consistency is acceptable for history reads.
type Repository interface {
	SaveSession(ctx context.Context, s *Session) error
	UpdateStatus(ctx context.Context, sessionID uuid.UUID, status Status, at time.Time) error
	SaveCount(ctx context.Context, c *CountRecord) error
	ListCounts(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]*CountRecord, error)
}
