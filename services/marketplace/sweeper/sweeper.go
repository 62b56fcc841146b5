// Package sweeper closes operations whose deadline has passed.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"crowdfund/observability"
	telemetry "crowdfund/observability/otel"
	"crowdfund/services/marketplace/calendar"
	"crowdfund/services/marketplace/ledger"
	"crowdfund/services/marketplace/models"
)

// Sweeper finds expired open operations and closes them through the ledger.
type Sweeper struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	clock   *calendar.Clock
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.SweepMetrics
	batch   int
}

// New constructs a sweeper.
func New(db *gorm.DB, l *ledger.Ledger, clock *calendar.Clock, logger *slog.Logger) *Sweeper {
	if clock == nil {
		clock = calendar.New(nil, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		db:      db,
		ledger:  l,
		clock:   clock,
		logger:  logger,
		tracer:  telemetry.Tracer("sweeper"),
		metrics: observability.Sweep(),
		batch:   500,
	}
}

// SweepExpired closes every open operation with deadline before today and
// returns how many this run closed. A failure on one operation is logged and
// skipped; only a failure to list candidates aborts the run.
func (s *Sweeper) SweepExpired(ctx context.Context) (int, error) {
	if s == nil || s.db == nil || s.ledger == nil {
		return 0, fmt.Errorf("sweeper: not configured")
	}
	ctx, span := s.tracer.Start(ctx, "sweeper.sweep_expired")
	defer span.End()

	today := s.clock.Today()
	var (
		closed  int
		failed  int
		afterID uint
	)
	for {
		var ids []uint
		err := s.db.WithContext(ctx).
			Model(&models.Operation{}).
			Where("is_closed = ? AND deadline < ? AND id > ?", false, today, afterID).
			Order("id").
			Limit(s.batch).
			Pluck("id", &ids).Error
		if err != nil {
			err = ledger.Storage("sweeper: list expired", err)
			s.metrics.ObserveRun(closed, failed, s.clock.Now(), err)
			span.RecordError(err)
			return closed, err
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				s.metrics.ObserveRun(closed, failed, s.clock.Now(), ctx.Err())
				return closed, ctx.Err()
			}
			transitioned, err := s.ledger.Close(ctx, id, models.CloseExpired)
			if err != nil {
				failed++
				s.logger.WarnContext(ctx, "expire operation failed",
					slog.Uint64("operation_id", uint64(id)),
					slog.String("error", err.Error()))
				continue
			}
			if transitioned {
				closed++
			}
		}
		if len(ids) < s.batch {
			break
		}
		afterID = ids[len(ids)-1]
	}

	span.SetAttributes(
		attribute.Int("sweeper.closed", closed),
		attribute.Int("sweeper.failed", failed),
	)
	s.metrics.ObserveRun(closed, failed, s.clock.Now(), nil)
	s.logger.InfoContext(ctx, "expiry sweep finished",
		slog.Int("closed", closed),
		slog.Int("failed", failed),
		slog.String("today", today.Format(time.DateOnly)))
	return closed, nil
}
