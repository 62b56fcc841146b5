// Package market is the application service behind the marketplace API. It
// enforces role and ownership rules and delegates funding changes to the
// admission, ledger and sweeper packages.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"crowdfund/core/money"
	"crowdfund/observability"
	"crowdfund/observability/logging"
	"crowdfund/services/marketplace/admission"
	"crowdfund/services/marketplace/calendar"
	"crowdfund/services/marketplace/ledger"
	"crowdfund/services/marketplace/models"
	"crowdfund/services/marketplace/sweeper"
)

const maxUsernameLength = 64

// Config wires the market service dependencies.
type Config struct {
	DB     *gorm.DB
	Clock  *calendar.Clock
	Logger *slog.Logger
}

// Service exposes marketplace operations to transports.
type Service struct {
	db        *gorm.DB
	clock     *calendar.Clock
	logger    *slog.Logger
	ledger    *ledger.Ledger
	admission *admission.Admission
	sweeper   *sweeper.Sweeper
}

// New constructs the service and its ledger collaborators.
func New(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("market: database required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = calendar.New(nil, nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := ledger.New(cfg.DB, ledger.WithClock(clock.Now), ledger.WithLogger(logger))
	return &Service{
		db:        cfg.DB,
		clock:     clock,
		logger:    logger,
		ledger:    l,
		admission: admission.New(cfg.DB, l, clock, logger),
		sweeper:   sweeper.New(cfg.DB, l, clock, logger),
	}, nil
}

// Sweeper returns the expiry sweeper so callers can schedule it.
func (s *Service) Sweeper() *sweeper.Sweeper { return s.sweeper }

// Clock returns the service clock.
func (s *Service) Clock() *calendar.Clock { return s.clock }

// CreateUser registers a participant with a unique username.
func (s *Service) CreateUser(ctx context.Context, username, role string) (*models.User, error) {
	name, err := normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if !models.ValidRole(role) {
		return nil, fmt.Errorf("%w: %q", ledger.ErrInvalidRole, role)
	}
	user := models.User{Username: name, Role: role}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if ledger.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrUsernameTaken, logging.MaskValue(name))
		}
		return nil, ledger.Storage("market: create user", err)
	}
	s.logger.InfoContext(ctx, "user created",
		slog.String("user_id", user.ID.String()),
		logging.MaskField("username", name),
		slog.String("role", role))
	return &user, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %s", ledger.ErrNotFound, id)
		}
		return nil, ledger.Storage("market: get user", err)
	}
	return &user, nil
}

// RenameUser changes a username. It is the only mutation a user record allows.
func (s *Service) RenameUser(ctx context.Context, id uuid.UUID, username string) (*models.User, error) {
	name, err := normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"username": name, "updated_at": s.clock.Now().UTC()})
	if result.Error != nil {
		if ledger.IsUniqueViolation(result.Error) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrUsernameTaken, logging.MaskValue(name))
		}
		return nil, ledger.Storage("market: rename user", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: user %s", ledger.ErrNotFound, id)
	}
	return s.GetUser(ctx, id)
}

// DeleteUser removes a user that owns no operations and holds no bids.
func (s *Service) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: user %s", ledger.ErrNotFound, id)
			}
			return ledger.Storage("market: load user", err)
		}
		var ops, bids int64
		if err := tx.Model(&models.Operation{}).Where("operator_id = ?", id).Count(&ops).Error; err != nil {
			return ledger.Storage("market: count operations", err)
		}
		if err := tx.Model(&models.Bid{}).Where("investor_id = ?", id).Count(&bids).Error; err != nil {
			return ledger.Storage("market: count bids", err)
		}
		if ops > 0 || bids > 0 {
			return fmt.Errorf("%w: %d operations, %d bids", ledger.ErrUserInUse, ops, bids)
		}
		if err := tx.Delete(&user).Error; err != nil {
			if ledger.IsForeignKeyViolation(err) {
				return ledger.ErrUserInUse
			}
			return ledger.Storage("market: delete user", err)
		}
		return nil
	})
}

// CreateOperation posts a new funding request on behalf of an operator.
func (s *Service) CreateOperation(ctx context.Context, operatorID uuid.UUID, amountRequired money.Money, interestRate decimal.Decimal, deadline time.Time) (*models.Operation, error) {
	if err := s.requireRole(ctx, operatorID, models.RoleOperator); err != nil {
		return nil, err
	}
	if !amountRequired.IsPositive() {
		return nil, fmt.Errorf("%w: amount_required %s must be positive", ledger.ErrInvalidAmount, amountRequired)
	}
	if interestRate.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ledger.ErrInvalidRate, interestRate)
	}
	if deadline.IsZero() {
		return nil, fmt.Errorf("%w: deadline required", ledger.ErrInvalidDeadline)
	}
	day := calendar.Date(deadline)
	if calendar.Expired(day, s.clock.Today()) {
		return nil, fmt.Errorf("%w: %s is in the past", ledger.ErrInvalidDeadline, day.Format(time.DateOnly))
	}

	op := models.Operation{
		OperatorID:     operatorID,
		AmountRequired: amountRequired,
		InterestRate:   interestRate,
		Deadline:       day,
	}
	if err := s.db.WithContext(ctx).Create(&op).Error; err != nil {
		return nil, ledger.Storage("market: create operation", err)
	}
	observability.Events().Record(observability.EventOperationCreated)
	s.logger.InfoContext(ctx, "operation created",
		slog.Uint64("operation_id", uint64(op.ID)),
		slog.String("operator_id", operatorID.String()),
		slog.String("amount_required", amountRequired.String()),
		slog.String("deadline", day.Format(time.DateOnly)))
	return &op, nil
}

// GetOperation loads an operation by id.
func (s *Service) GetOperation(ctx context.Context, id uint) (*models.Operation, error) {
	var op models.Operation
	if err := s.db.WithContext(ctx).First(&op, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: operation %d", ledger.ErrNotFound, id)
		}
		return nil, ledger.Storage("market: get operation", err)
	}
	return &op, nil
}

// ListActiveOperations returns open operations whose deadline has not passed,
// soonest deadline first.
func (s *Service) ListActiveOperations(ctx context.Context) ([]models.Operation, error) {
	var ops []models.Operation
	err := s.db.WithContext(ctx).
		Where("is_closed = ? AND deadline >= ?", false, s.clock.Today()).
		Order("deadline ASC").
		Order("id ASC").
		Find(&ops).Error
	if err != nil {
		return nil, ledger.Storage("market: list operations", err)
	}
	return ops, nil
}

// ListOperationBids returns the bids on an operation. The operation's owner
// and investors holding a bid on it may read the list.
func (s *Service) ListOperationBids(ctx context.Context, requesterID uuid.UUID, operationID uint) ([]models.Bid, error) {
	op, err := s.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	var bids []models.Bid
	if err := s.db.WithContext(ctx).Where("operation_id = ?", operationID).Order("id ASC").Find(&bids).Error; err != nil {
		return nil, ledger.Storage("market: list bids", err)
	}
	if op.OperatorID == requesterID {
		return bids, nil
	}
	for _, b := range bids {
		if b.InvestorID == requesterID {
			return bids, nil
		}
	}
	return nil, fmt.Errorf("%w: operation %d", ledger.ErrForbidden, operationID)
}

// ListInvestorBids returns the bids placed by an investor, newest first.
func (s *Service) ListInvestorBids(ctx context.Context, investorID uuid.UUID) ([]models.Bid, error) {
	var bids []models.Bid
	if err := s.db.WithContext(ctx).Where("investor_id = ?", investorID).Order("id DESC").Find(&bids).Error; err != nil {
		return nil, ledger.Storage("market: list investor bids", err)
	}
	return bids, nil
}

// CloseOperation lets the owning operator stop an operation early. It reports
// whether this call closed it.
func (s *Service) CloseOperation(ctx context.Context, operatorID uuid.UUID, operationID uint) (bool, error) {
	op, err := s.GetOperation(ctx, operationID)
	if err != nil {
		return false, err
	}
	if op.OperatorID != operatorID {
		return false, fmt.Errorf("%w: operation %d", ledger.ErrForbidden, operationID)
	}
	return s.ledger.Close(ctx, operationID, models.CloseManual)
}

// DeleteOperation removes an operation owned by operatorID. Operations that
// still carry bids cannot be deleted.
func (s *Service) DeleteOperation(ctx context.Context, operatorID uuid.UUID, operationID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op models.Operation
		if err := tx.First(&op, operationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: operation %d", ledger.ErrNotFound, operationID)
			}
			return ledger.Storage("market: load operation", err)
		}
		if op.OperatorID != operatorID {
			return fmt.Errorf("%w: operation %d", ledger.ErrForbidden, operationID)
		}
		var bids int64
		if err := tx.Model(&models.Bid{}).Where("operation_id = ?", operationID).Count(&bids).Error; err != nil {
			return ledger.Storage("market: count bids", err)
		}
		if bids > 0 {
			return fmt.Errorf("%w: %d bids on operation %d", ledger.ErrOperationHasBids, bids, operationID)
		}
		if err := tx.Delete(&op).Error; err != nil {
			if ledger.IsForeignKeyViolation(err) {
				return fmt.Errorf("%w: operation %d", ledger.ErrOperationHasBids, operationID)
			}
			return ledger.Storage("market: delete operation", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	observability.Events().Record(observability.EventOperationDeleted)
	s.logger.InfoContext(ctx, "operation deleted", slog.Uint64("operation_id", uint64(operationID)))
	return nil
}

// CreateBid places a bid for an investor.
func (s *Service) CreateBid(ctx context.Context, investorID uuid.UUID, operationID uint, amount money.Money, interestRate decimal.Decimal) (*models.Bid, error) {
	if err := s.requireRole(ctx, investorID, models.RoleInvestor); err != nil {
		return nil, err
	}
	if interestRate.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ledger.ErrInvalidRate, interestRate)
	}
	bid, err := s.admission.Admit(ctx, admission.Request{
		OperationID:  operationID,
		InvestorID:   investorID,
		Amount:       amount,
		InterestRate: interestRate,
	})
	if err != nil {
		observability.Events().Record(observability.EventBidRejected)
		return nil, err
	}
	observability.Events().Record(observability.EventBidAdmitted)
	return bid, nil
}

// CancelBid withdraws an investor's bid.
func (s *Service) CancelBid(ctx context.Context, investorID uuid.UUID, bidID uint) error {
	if err := s.admission.Withdraw(ctx, bidID, investorID); err != nil {
		return err
	}
	observability.Events().Record(observability.EventBidWithdrawn)
	return nil
}

// GetBid returns a bid to the investor who placed it.
func (s *Service) GetBid(ctx context.Context, investorID uuid.UUID, bidID uint) (*models.Bid, error) {
	var bid models.Bid
	if err := s.db.WithContext(ctx).First(&bid, bidID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: bid %d", ledger.ErrNotFound, bidID)
		}
		return nil, ledger.Storage("market: get bid", err)
	}
	if bid.InvestorID != investorID {
		return nil, fmt.Errorf("%w: bid %d", ledger.ErrForbidden, bidID)
	}
	return &bid, nil
}

// SweepExpiredOperations runs one expiry sweep.
func (s *Service) SweepExpiredOperations(ctx context.Context) (int, error) {
	return s.sweeper.SweepExpired(ctx)
}

func (s *Service) requireRole(ctx context.Context, userID uuid.UUID, role string) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("%w: unknown user %s", ledger.ErrForbidden, userID)
		}
		return err
	}
	if user.Role != role {
		return fmt.Errorf("%w: %s role required", ledger.ErrForbidden, role)
	}
	return nil
}

func normalizeUsername(username string) (string, error) {
	name := strings.TrimSpace(username)
	if name == "" || len(name) > maxUsernameLength {
		return "", fmt.Errorf("%w: must be 1-%d characters", ledger.ErrInvalidUsername, maxUsernameLength)
	}
	return name, nil
}
