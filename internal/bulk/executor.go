package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/audit"
	"github.com/driverdesk/server/internal/filter"
	"github.com/driverdesk/server/internal/lock"
	"github.com/driverdesk/server/internal/logging"
	"github.com/driverdesk/server/internal/metrics"
	"github.com/driverdesk/server/internal/model"
	"github.com/driverdesk/server/internal/ocr"
	"github.com/driverdesk/server/internal/repo"
)

const (
	defaultWorkers     = 8
	defaultItemTimeout = 15 * time.Second
)

var tracer = otel.Tracer("github.com/driverdesk/server/internal/bulk")

// CredentialValidator checks an admin's password for privileged operations
type CredentialValidator interface {
	CheckAdminPassword(ctx context.Context, adminID uuid.UUID, password string) (bool, error)
}

// OCR verifies a stored licence document
type OCR interface {
	Verify(ctx context.Context, ref string) (ocr.Result, error)
}

// Resolver turns a filter into target ids
type Resolver interface {
	ResolveIDs(ctx context.Context, spec filter.Spec) ([]uuid.UUID, error)
}

// Auditor receives audit events
type Auditor interface {
	Record(ctx context.Context, e model.AuditEvent)
}

// Option configures an Executor
type Option func(*Executor)

// WithWorkers bounds how many drivers are processed at once
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithItemTimeout bounds the work on a single driver
func WithItemTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.itemTimeout = d
		}
	}
}

// WithLocker replaces the in-process per-driver lock
func WithLocker(l lock.Locker) Option {
	return func(e *Executor) { e.locker = l }
}

// WithOCR sets the OCR collaborator used by ocr_verify
func WithOCR(o OCR) Option {
	return func(e *Executor) { e.ocr = o }
}

// WithResolver enables filter-based selection
func WithResolver(r Resolver) Option {
	return func(e *Executor) { e.resolver = r }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// Executor runs bulk operations
type Executor struct {
	drivers repo.DriverRepo
	creds   CredentialValidator
	audit   Auditor

	locker      lock.Locker
	ocr         OCR
	resolver    Resolver
	workers     int
	itemTimeout time.Duration
	now         func() time.Time
	log         *slog.Logger
	metrics     *metrics.Metrics
}

// NewExecutor creates an Executor. auditor may be nil.
func NewExecutor(drivers repo.DriverRepo, creds CredentialValidator, auditor Auditor, opts ...Option) *Executor {
	if auditor == nil {
		auditor = (*audit.Recorder)(nil)
	}
	e := &Executor{
		drivers:     drivers,
		creds:       creds,
		audit:       auditor,
		locker:      lock.NewMemory(),
		workers:     defaultWorkers,
		itemTimeout: defaultItemTimeout,
		now:         time.Now,
		log:         logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute gates req and, if admitted, applies it to every target driver.
// A returned error means the batch was rejected and no driver was touched.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "bulk.Execute", trace.WithAttributes(
		attribute.String("bulk.operation", string(req.Operation)),
	))
	defer span.End()

	ids, err := e.admit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		e.metrics.IncBulkRejected(string(req.Operation), rejectReason(err))
		e.log.Warn("bulk request rejected",
			"operation", req.Operation,
			"admin_id", req.AdminID,
			"targets", len(req.DriverIDs),
			"error", err,
		)
		if errors.Is(err, apperr.ErrUnauthorized) {
			e.audit.Record(ctx, model.AuditEvent{
				Actor:     req.AdminID.String(),
				Action:    audit.BulkAction(string(req.Operation)),
				TargetIDs: ids,
				Outcome:   "rejected: unauthorized",
			})
		}
		return Result{}, err
	}
	span.SetAttributes(attribute.Int("bulk.targets", len(ids)))

	start := e.now()
	res := e.run(ctx, req, ids)
	e.metrics.ObserveBulkDuration(string(req.Operation), e.now().Sub(start))
	span.SetAttributes(
		attribute.Int("bulk.succeeded", res.Succeeded),
		attribute.Int("bulk.failed", res.Failed),
	)

	// the items were applied without the request's cancellation; so is their audit record
	e.audit.Record(context.WithoutCancel(ctx), model.AuditEvent{
		Actor:     req.AdminID.String(),
		Action:    audit.BulkAction(string(req.Operation)),
		TargetIDs: ids,
		Outcome:   fmt.Sprintf("succeeded=%d failed=%d", res.Succeeded, res.Failed),
		Notes:     strings.TrimSpace(req.Notes),
	})
	e.log.Info("bulk operation executed",
		"operation", req.Operation,
		"admin_id", req.AdminID,
		"targets", len(ids),
		"succeeded", res.Succeeded,
		"failed", res.Failed,
	)
	return res, nil
}

// admit runs the batch-level checks in order and returns the de-duplicated targets
func (e *Executor) admit(ctx context.Context, req Request) ([]string, error) {
	if !req.Operation.Valid() {
		return nil, apperr.NewValidationError("operation", "unknown operation")
	}

	ids, err := e.targets(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, apperr.ErrEmptySelection
	}

	if req.Operation.Privileged() {
		if req.AdminID == uuid.Nil || req.AdminPassword == "" {
			return ids, fmt.Errorf("%s requires the admin password: %w", req.Operation, apperr.ErrUnauthorized)
		}
		ok, err := e.creds.CheckAdminPassword(ctx, req.AdminID, req.AdminPassword)
		if err != nil {
			return ids, fmt.Errorf("check admin credential: %v: %w", err, apperr.ErrCollaboratorUnavailable)
		}
		if !ok {
			return ids, fmt.Errorf("admin credential rejected: %w", apperr.ErrUnauthorized)
		}
	}

	if req.Operation.RequiresNotes() && strings.TrimSpace(req.Notes) == "" {
		return ids, apperr.NewValidationError("notes", "required for "+string(req.Operation))
	}

	if req.Operation == OcrVerify && e.ocr == nil {
		return ids, fmt.Errorf("no OCR service configured: %w", apperr.ErrCollaboratorUnavailable)
	}
	return ids, nil
}

// targets returns trimmed, de-duplicated ids in first-seen order
func (e *Executor) targets(ctx context.Context, req Request) ([]string, error) {
	raw := req.DriverIDs
	if len(raw) == 0 && req.Filter != nil {
		if e.resolver == nil {
			return nil, apperr.NewValidationError("filter", "filter selection is not available")
		}
		resolved, err := e.resolver.ResolveIDs(ctx, *req.Filter)
		if err != nil {
			return nil, fmt.Errorf("resolve filter: %w", err)
		}
		raw = make([]string, len(resolved))
		for i, id := range resolved {
			raw[i] = id.String()
		}
	} else if len(raw) > 0 && req.Filter != nil {
		return nil, apperr.NewValidationError("filter", "cannot be combined with driver_ids")
	}

	seen := make(map[string]struct{}, len(raw))
	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Executor) run(ctx context.Context, req Request, ids []string) Result {
	res := Result{Operation: req.Operation, Items: make(map[string]ItemResult, len(ids))}
	snapshots := make([]*model.Driver, len(ids))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, id := range ids {
		g.Go(func() error {
			item, snap := e.runItem(ctx, req, id)
			e.metrics.IncBulkItem(string(req.Operation), string(item.Status), string(item.Reason))
			mu.Lock()
			res.Items[id] = item
			snapshots[i] = snap
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, item := range res.Items {
		if item.Status == ItemSucceeded {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	if req.Operation == Export {
		res.Export = make([]model.Driver, 0, len(ids))
		for _, snap := range snapshots {
			if snap != nil {
				res.Export = append(res.Export, *snap)
			}
		}
	}
	return res
}

// runItem applies the operation to one driver. The batch is not cancellable once admitted,
// so item work is detached from the request and bounded by the item timeout instead.
func (e *Executor) runItem(parent context.Context, req Request, rawID string) (item ItemResult, snap *model.Driver) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("bulk item panicked", "operation", req.Operation, "driver_id", rawID, "panic", r)
			item, snap = failed(ReasonInternal, "unexpected error"), nil
		}
	}()

	id, err := uuid.Parse(rawID)
	if err != nil {
		return failed(ReasonInvalidID, "not a driver id"), nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.itemTimeout)
	defer cancel()

	switch req.Operation {
	case Export:
		d, err := e.drivers.GetByID(ctx, id)
		if err != nil {
			return e.failure(req, id, err), nil
		}
		return succeeded(), &d
	case OcrVerify:
		return e.ocrCheck(ctx, req, id), nil
	default:
		return e.mutate(ctx, req, id), nil
	}
}

// mutate assigns status or verification status under the driver's lock, guarded by version
func (e *Executor) mutate(ctx context.Context, req Request, id uuid.UUID) ItemResult {
	unlock, err := e.locker.Lock(ctx, "driver:"+id.String())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return failed(ReasonConflict, "driver is locked by another operation")
		}
		return e.failure(req, id, fmt.Errorf("lock: %v: %w", err, apperr.ErrCollaboratorUnavailable))
	}
	defer unlock()

	d, err := e.drivers.GetByID(ctx, id)
	if err != nil {
		return e.failure(req, id, err)
	}
	if !apply(req.Operation, &d) {
		return failed(ReasonAlreadyInState, "driver is already "+targetState(req.Operation))
	}
	d.UpdatedAt = e.now().UTC()
	if _, err := e.drivers.Update(ctx, d); err != nil {
		return e.failure(req, id, err)
	}
	return succeeded()
}

// ocrCheck runs OCR on the driver's licence. The verdict is advisory and changes nothing.
func (e *Executor) ocrCheck(ctx context.Context, req Request, id uuid.UUID) ItemResult {
	d, err := e.drivers.GetByID(ctx, id)
	if err != nil {
		return e.failure(req, id, err)
	}
	doc, ok := d.Document(model.DocumentLicense)
	if !ok {
		return failed(ReasonInvalidState, "no licence document on file")
	}

	verdict, err := e.ocr.Verify(ctx, doc.Ref)
	if err != nil {
		e.log.Warn("ocr check failed", "driver_id", id, "error", err)
		return failed(ReasonCollaboratorUnavailable, err.Error())
	}
	item := succeeded()
	if !verdict.Passed {
		item = failed(ReasonOcrFailed, verdict.Detail)
	}
	item.Ocr = &verdict
	return item
}

// failure maps a store or collaborator error to an item failure
func (e *Executor) failure(req Request, id uuid.UUID, err error) ItemResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return failed(ReasonNotFound, "driver not found")
	case errors.Is(err, apperr.ErrConflict):
		return failed(ReasonConflict, "driver was modified concurrently")
	case errors.Is(err, apperr.ErrInvalidState):
		return failed(ReasonInvalidState, err.Error())
	case errors.Is(err, apperr.ErrCollaboratorUnavailable), errors.Is(err, context.DeadlineExceeded):
		return failed(ReasonCollaboratorUnavailable, err.Error())
	}
	e.log.Error("bulk item failed", "operation", req.Operation, "driver_id", id, "error", err)
	return failed(ReasonInternal, "unexpected error")
}

// apply sets the operation's target state on d and reports whether anything changed
func apply(op Operation, d *model.Driver) bool {
	switch op {
	case Activate, Deactivate, Suspend:
		target := statusFor(op)
		if d.Status == target {
			return false
		}
		d.Status = target
	case Verify, Reject:
		target := verificationFor(op)
		if d.VerificationStatus == target {
			return false
		}
		d.VerificationStatus = target
	default:
		return false
	}
	return true
}

func statusFor(op Operation) model.DriverStatus {
	switch op {
	case Deactivate:
		return model.DriverInactive
	case Suspend:
		return model.DriverSuspended
	}
	return model.DriverActive
}

func verificationFor(op Operation) model.VerificationStatus {
	if op == Reject {
		return model.VerificationRejected
	}
	return model.VerificationVerified
}

func targetState(op Operation) string {
	if op == Verify || op == Reject {
		return string(verificationFor(op))
	}
	return string(statusFor(op))
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, apperr.ErrEmptySelection):
		return "empty_selection"
	case errors.Is(err, apperr.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, apperr.ErrCollaboratorUnavailable):
		return "collaborator_unavailable"
	}
	if _, ok := apperr.AsValidation(err); ok {
		return "validation"
	}
	return "error"
}
