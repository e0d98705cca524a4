package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/driverdesk/server/internal/model"
)

// AuditRepo persists audit events. The table is append-only.
type AuditRepo interface {
	Insert(ctx context.Context, e model.AuditEvent) error
	ListByTarget(ctx context.Context, targetID string, limit int) ([]model.AuditEvent, error)
}

type auditRepo struct {
	db *sql.DB
}

// NewAuditRepo creates a new Postgres-backed AuditRepo
func NewAuditRepo(db *sql.DB) AuditRepo {
	return &auditRepo{db: db}
}

// Insert appends one audit event
func (r *auditRepo) Insert(ctx context.Context, e model.AuditEvent) error {
	targets := e.TargetIDs
	if targets == nil {
		targets = []string{}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, actor, action, target_ids, outcome, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.Actor, e.Action, pq.Array(targets), e.Outcome, e.Notes, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByTarget returns the newest events that touched targetID
func (r *auditRepo) ListByTarget(ctx context.Context, targetID string, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, actor, action, target_ids, outcome, notes, created_at
		FROM audit_events
		WHERE $1 = ANY(target_ids)
		ORDER BY created_at DESC
		LIMIT $2
	`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var targets pq.StringArray
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &targets, &e.Outcome, &e.Notes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.TargetIDs = []string(targets)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
