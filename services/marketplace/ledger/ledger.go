// Package ledger owns the funding state of an operation: the collected amount
// and the closed flag. Every mutation is a single conditional UPDATE so the
// funding cap holds without a read-modify-write window.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"crowdfund/core/money"
	"crowdfund/observability"
	telemetry "crowdfund/observability/otel"
	"crowdfund/services/marketplace/models"
)

// Direction selects whether Apply adds to or removes from the collected amount.
type Direction int

const (
	Credit Direction = iota + 1
	Debit
)

func (d Direction) String() string {
	switch d {
	case Credit:
		return "credit"
	case Debit:
		return "debit"
	default:
		return "unknown"
	}
}

// Snapshot is the funding state of an operation right after a mutation.
type Snapshot struct {
	OperationID     uint
	AmountRequired  money.Money
	AmountCollected money.Money
	IsClosed        bool
	CloseReason     models.CloseReason
	Deadline        time.Time
}

// Remaining returns the capacity still open for bids.
func (s Snapshot) Remaining() money.Money {
	rest, err := s.AmountRequired.Sub(s.AmountCollected)
	if err != nil {
		return money.Zero
	}
	return rest
}

func snapshotOf(op models.Operation) Snapshot {
	return Snapshot{
		OperationID:     op.ID,
		AmountRequired:  op.AmountRequired,
		AmountCollected: op.AmountCollected,
		IsClosed:        op.IsClosed,
		CloseReason:     op.CloseReason,
		Deadline:        op.Deadline,
	}
}

// Ledger applies guarded funding mutations to operations.
type Ledger struct {
	db      *gorm.DB
	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.LedgerMetrics
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the timestamp source used for updated_at and closed_at.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New constructs a ledger backed by db.
func New(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:      db,
		now:     time.Now,
		logger:  slog.Default(),
		tracer:  telemetry.Tracer("ledger"),
		metrics: observability.Ledger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithTx returns a ledger bound to an enclosing transaction. Mutations then
// run as savepoints and commit or roll back with the caller's transaction.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	clone := *l
	clone.db = tx
	return &clone
}

// Apply credits or debits delta against the operation.
//
// A credit is accepted only while the operation is open and the new total
// stays within amount_required; reaching the target exactly closes the
// operation as funded in the same statement. A debit is accepted only while
// the operation is open and never drives the collected amount below zero.
func (l *Ledger) Apply(ctx context.Context, operationID uint, delta money.Money, dir Direction) (Snapshot, error) {
	if l == nil || l.db == nil {
		return Snapshot{}, fmt.Errorf("ledger: not configured")
	}
	ctx, span := l.tracer.Start(ctx, "ledger.apply", trace.WithAttributes(
		attribute.Int64("operation.id", int64(operationID)),
		attribute.String("ledger.direction", dir.String()),
		attribute.Int64("ledger.delta_cents", delta.Cents()),
	))
	defer span.End()
	start := time.Now()

	snap, err := l.apply(ctx, operationID, delta, dir)
	l.metrics.ObserveApply(dir.String(), reason(err), delta.Cents(), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason(err))
		return Snapshot{}, err
	}
	span.SetAttributes(attribute.Bool("operation.closed", snap.IsClosed))
	if dir == Credit && snap.IsClosed {
		l.metrics.RecordClose(string(models.CloseFunded), time.Since(start))
		l.logger.InfoContext(ctx, "operation funded",
			slog.Uint64("operation_id", uint64(operationID)),
			slog.String("amount", snap.AmountCollected.String()))
	}
	return snap, nil
}

func (l *Ledger) apply(ctx context.Context, operationID uint, delta money.Money, dir Direction) (Snapshot, error) {
	if !delta.IsPositive() {
		return Snapshot{}, fmt.Errorf("%w: delta %s must be positive", ErrInvalidAmount, delta)
	}
	if dir != Credit && dir != Debit {
		return Snapshot{}, fmt.Errorf("ledger: unknown direction %d", dir)
	}

	var snap Snapshot
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now().UTC()
		cents := delta.Cents()
		query := tx.Model(&models.Operation{}).Where("id = ? AND is_closed = ?", operationID, false)

		var result *gorm.DB
		switch dir {
		case Credit:
			funded := "amount_collected + ? = amount_required"
			result = query.
				Where("amount_collected + ? <= amount_required", cents).
				Updates(map[string]any{
					"amount_collected": gorm.Expr("amount_collected + ?", cents),
					"is_closed":        gorm.Expr("CASE WHEN "+funded+" THEN ? ELSE is_closed END", cents, true),
					"close_reason":     gorm.Expr("CASE WHEN "+funded+" THEN ? ELSE close_reason END", cents, string(models.CloseFunded)),
					"closed_at":        gorm.Expr("CASE WHEN "+funded+" THEN ? ELSE closed_at END", cents, now),
					"updated_at":       now,
				})
		case Debit:
			result = query.
				Where("amount_collected >= ?", cents).
				Updates(map[string]any{
					"amount_collected": gorm.Expr("amount_collected - ?", cents),
					"updated_at":       now,
				})
		}
		if result.Error != nil {
			return Storage("ledger: apply", result.Error)
		}

		var op models.Operation
		if err := tx.First(&op, operationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: operation %d", ErrNotFound, operationID)
			}
			return Storage("ledger: reload", err)
		}
		if result.RowsAffected == 0 {
			return rejection(op, delta, dir)
		}
		snap = snapshotOf(op)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// rejection classifies why the guarded update matched no row.
func rejection(op models.Operation, delta money.Money, dir Direction) error {
	if op.IsClosed {
		return fmt.Errorf("%w: operation %d (%s)", ErrAlreadyClosed, op.ID, op.CloseReason)
	}
	if dir == Debit {
		if _, err := op.AmountCollected.Sub(delta); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDelta, err)
		}
		return fmt.Errorf("%w: operation %d changed concurrently", ErrStorageUnavailable, op.ID)
	}
	return fmt.Errorf("%w: %s requested, %s remaining", ErrCapacityExceeded, delta, op.Remaining())
}

// Close marks an open operation closed for reason. It is idempotent: the
// returned flag reports whether this call performed the transition. The
// collected amount is left untouched.
func (l *Ledger) Close(ctx context.Context, operationID uint, closeReason models.CloseReason) (bool, error) {
	if l == nil || l.db == nil {
		return false, fmt.Errorf("ledger: not configured")
	}
	if closeReason != models.CloseExpired && closeReason != models.CloseManual {
		return false, fmt.Errorf("ledger: unsupported close reason %q", closeReason)
	}
	ctx, span := l.tracer.Start(ctx, "ledger.close", trace.WithAttributes(
		attribute.Int64("operation.id", int64(operationID)),
		attribute.String("ledger.close_reason", string(closeReason)),
	))
	defer span.End()
	start := time.Now()

	now := l.now().UTC()
	db := l.db.WithContext(ctx)
	result := db.Model(&models.Operation{}).
		Where("id = ? AND is_closed = ?", operationID, false).
		Updates(map[string]any{
			"is_closed":    true,
			"close_reason": string(closeReason),
			"closed_at":    now,
			"updated_at":   now,
		})
	if result.Error != nil {
		err := Storage("ledger: close", result.Error)
		span.RecordError(err)
		return false, err
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := db.Model(&models.Operation{}).Where("id = ?", operationID).Count(&count).Error; err != nil {
			return false, Storage("ledger: close lookup", err)
		}
		if count == 0 {
			return false, fmt.Errorf("%w: operation %d", ErrNotFound, operationID)
		}
		span.SetAttributes(attribute.Bool("ledger.transitioned", false))
		return false, nil
	}
	span.SetAttributes(attribute.Bool("ledger.transitioned", true))
	l.metrics.RecordClose(string(closeReason), time.Since(start))
	l.logger.InfoContext(ctx, "operation closed",
		slog.Uint64("operation_id", uint64(operationID)),
		slog.String("reason", string(closeReason)))
	return true, nil
}

// Snapshot reads the current funding state of an operation.
func (l *Ledger) Snapshot(ctx context.Context, operationID uint) (Snapshot, error) {
	var op models.Operation
	if err := l.db.WithContext(ctx).First(&op, operationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Snapshot{}, fmt.Errorf("%w: operation %d", ErrNotFound, operationID)
		}
		return Snapshot{}, Storage("ledger: snapshot", err)
	}
	return snapshotOf(op), nil
}

// reason maps an Apply error to a stable metric label.
func reason(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyClosed):
		return "already_closed"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrInvalidDelta):
		return "invalid_delta"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "error"
	}
}
