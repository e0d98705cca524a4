// Package audit records who did what to which drivers. Recording is best-effort:
// a failing sink is logged and never fails the action being audited.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/driverdesk/server/internal/logging"
	"github.com/driverdesk/server/internal/model"
)

// SystemActor is recorded when no admin is attached to the context
const SystemActor = "_system"

// Actions
const (
	ActionDriverCreated         = "driver.created"
	ActionDriverChannelVerified = "driver.channel_verified"
	ActionDriverKycCompleted    = "driver.kyc_completed"
	ActionAdminLogin            = "admin.login"
	ActionAdminLoginFailed      = "admin.login_failed"
)

// BulkAction returns the action name for a bulk operation, e.g. bulk.verify
func BulkAction(operation string) string {
	return "bulk." + operation
}

// Sink stores or forwards audit events
type Sink interface {
	Record(ctx context.Context, e model.AuditEvent) error
}

type actorKey struct{}

// WithActor attaches the acting admin to ctx
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the acting admin attached to ctx, or SystemActor
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return SystemActor
}

// Recorder fills in event metadata and writes to a Sink. A nil *Recorder drops events.
type Recorder struct {
	sink Sink
	log  *slog.Logger
	now  func() time.Time
}

// NewRecorder returns a Recorder writing to sink. log may be nil.
func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = logging.Discard()
	}
	return &Recorder{sink: sink, log: log, now: time.Now}
}

// Record writes e, defaulting ID, Actor (from ctx) and CreatedAt. Errors are logged, not returned.
func (r *Recorder) Record(ctx context.Context, e model.AuditEvent) {
	if r == nil || r.sink == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Actor == "" {
		e.Actor = ActorFrom(ctx)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if err := r.sink.Record(ctx, e); err != nil {
		r.log.Error("audit: failed to record event",
			"action", e.Action,
			"actor", e.Actor,
			"targets", len(e.TargetIDs),
			"error", err,
		)
	}
}
