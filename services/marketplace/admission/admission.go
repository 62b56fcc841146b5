// Package admission validates bids against an operation's funding state and
// persists them together with the matching ledger mutation.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"crowdfund/core/money"
	"crowdfund/services/marketplace/calendar"
	"crowdfund/services/marketplace/ledger"
	"crowdfund/services/marketplace/models"
)

// Request describes a bid an investor wants to place.
type Request struct {
	OperationID  uint
	InvestorID   uuid.UUID
	Amount       money.Money
	InterestRate decimal.Decimal
}

// Admission coordinates bid creation and cancellation.
type Admission struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	clock  *calendar.Clock
	logger *slog.Logger
}

// New constructs an Admission. A nil clock uses the wall clock in UTC.
func New(db *gorm.DB, l *ledger.Ledger, clock *calendar.Clock, logger *slog.Logger) *Admission {
	if clock == nil {
		clock = calendar.New(nil, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admission{db: db, ledger: l, clock: clock, logger: logger}
}

// Admit validates req and records the bid. Checks run in a fixed order so the
// first failing rule decides the error: existence, closed, expired, duplicate,
// amount, capacity. An expired operation is closed on the way out.
func (a *Admission) Admit(ctx context.Context, req Request) (*models.Bid, error) {
	if a == nil || a.db == nil || a.ledger == nil {
		return nil, fmt.Errorf("admission: not configured")
	}
	db := a.db.WithContext(ctx)

	var op models.Operation
	if err := db.First(&op, req.OperationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: operation %d", ledger.ErrNotFound, req.OperationID)
		}
		return nil, ledger.Storage("admission: load operation", err)
	}
	if op.IsClosed {
		return nil, fmt.Errorf("%w: operation %d", ledger.ErrAlreadyClosed, op.ID)
	}
	today := a.clock.Today()
	if calendar.Expired(op.Deadline, today) {
		if _, err := a.ledger.Close(ctx, op.ID, models.CloseExpired); err != nil {
			a.logger.WarnContext(ctx, "lazy expiry close failed",
				slog.Uint64("operation_id", uint64(op.ID)),
				slog.String("error", err.Error()))
		}
		return nil, fmt.Errorf("%w: deadline %s", ledger.ErrExpired, op.Deadline.Format("2006-01-02"))
	}

	var existing int64
	if err := db.Model(&models.Bid{}).
		Where("operation_id = ? AND investor_id = ?", op.ID, req.InvestorID).
		Count(&existing).Error; err != nil {
		return nil, ledger.Storage("admission: duplicate check", err)
	}
	if existing > 0 {
		return nil, fmt.Errorf("%w: operation %d", ledger.ErrDuplicateBid, op.ID)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: bid amount %s", ledger.ErrInvalidAmount, req.Amount)
	}
	if req.Amount.Cmp(op.Remaining()) > 0 {
		return nil, fmt.Errorf("%w: %s requested, %s remaining", ledger.ErrCapacityExceeded, req.Amount, op.Remaining())
	}

	bid := models.Bid{
		OperationID:  op.ID,
		InvestorID:   req.InvestorID,
		Amount:       req.Amount,
		InterestRate: req.InterestRate,
		BidDate:      today,
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&bid).Error; err != nil {
			if ledger.IsUniqueViolation(err) {
				return fmt.Errorf("%w: operation %d", ledger.ErrDuplicateBid, op.ID)
			}
			return ledger.Storage("admission: insert bid", err)
		}
		_, err := a.ledger.WithTx(tx).Apply(ctx, op.ID, req.Amount, ledger.Credit)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "bid admitted",
		slog.Uint64("bid_id", uint64(bid.ID)),
		slog.Uint64("operation_id", uint64(op.ID)),
		slog.String("amount", bid.Amount.String()))
	return &bid, nil
}

// Withdraw cancels a bid owned by investorID. The debit and the bid delete
// commit together; a failed debit leaves the bid in place.
func (a *Admission) Withdraw(ctx context.Context, bidID uint, investorID uuid.UUID) error {
	if a == nil || a.db == nil || a.ledger == nil {
		return fmt.Errorf("admission: not configured")
	}
	db := a.db.WithContext(ctx)

	var bid models.Bid
	if err := db.First(&bid, bidID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: bid %d", ledger.ErrNotFound, bidID)
		}
		return ledger.Storage("admission: load bid", err)
	}
	if bid.InvestorID != investorID {
		return fmt.Errorf("%w: bid %d belongs to another investor", ledger.ErrForbidden, bidID)
	}
	var op models.Operation
	if err := db.First(&op, bid.OperationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: operation %d", ledger.ErrNotFound, bid.OperationID)
		}
		return ledger.Storage("admission: load operation", err)
	}
	if op.IsClosed {
		return fmt.Errorf("%w: operation %d", ledger.ErrAlreadyClosed, op.ID)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := a.ledger.WithTx(tx).Apply(ctx, bid.OperationID, bid.Amount, ledger.Debit); err != nil {
			return err
		}
		result := tx.Delete(&models.Bid{}, bid.ID)
		if result.Error != nil {
			return ledger.Storage("admission: delete bid", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: bid %d", ledger.ErrNotFound, bid.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "bid withdrawn",
		slog.Uint64("bid_id", uint64(bid.ID)),
		slog.Uint64("operation_id", uint64(bid.OperationID)),
		slog.String("amount", bid.Amount.String()))
	return nil
}
