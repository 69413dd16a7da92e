package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tallyhub/tallyhub/internal/domain/session"
)

// SessionRepository implements session.Repository. Snapshots are written as
// JSON documents; count history rows are append-only.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) SaveSession(ctx context.Context, s *session.Session) error {
	snapshot, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO count_sessions (session_id, business_id, name, status, snapshot, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$6)
		ON CONFLICT (session_id) DO UPDATE
		SET status = EXCLUDED.status, snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at
	`, s.SessionID, s.BusinessID, s.Name, s.Status, snapshot, time.Now().UTC())
	return err
}

func (r *SessionRepository) UpdateStatus(ctx context.Context, sessionID uuid.UUID, status session.Status, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE count_sessions SET status=$1, updated_at=$2 WHERE session_id=$3
	`, status, at, sessionID)
	return err
}

func (r *SessionRepository) SaveCount(ctx context.Context, c *session.CountRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO count_records (count_id, session_id, zone_id, item_id, user_id, quantity, notes, photo_ref, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, c.CountID, c.SessionID, c.ZoneID, c.ItemID, c.UserID, c.Quantity, c.Notes, c.PhotoRef, c.RecordedAt)
	return err
}

func (r *SessionRepository) ListCounts(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]*session.CountRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.pool.Query(ctx, `
		SELECT count_id, session_id, zone_id, item_id, user_id, quantity, notes, photo_ref, recorded_at
		FROM count_records WHERE session_id=$1
		ORDER BY recorded_at ASC, count_id ASC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*session.CountRecord, 0)
	for rows.Next() {
		var c session.CountRecord
		if err := rows.Scan(&c.CountID, &c.SessionID, &c.ZoneID, &c.ItemID, &c.UserID, &c.Quantity, &c.Notes, &c.PhotoRef, &c.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
