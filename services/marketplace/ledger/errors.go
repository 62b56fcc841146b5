package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrNotFound           = errors.New("ledger: not found")
	ErrAlreadyClosed      = errors.New("ledger: operation closed")
	ErrExpired            = errors.New("ledger: operation expired")
	ErrDuplicateBid       = errors.New("ledger: investor already bid on operation")
	ErrInvalidAmount      = errors.New("ledger: invalid amount")
	ErrCapacityExceeded   = errors.New("ledger: amount exceeds remaining capacity")
	ErrInvalidDelta       = errors.New("ledger: debit exceeds collected amount")
	ErrStorageUnavailable = errors.New("ledger: storage unavailable")
	ErrForbidden          = errors.New("ledger: forbidden")
	ErrOperationHasBids   = errors.New("ledger: operation has bids")
	ErrInvalidRate        = errors.New("ledger: invalid interest rate")
	ErrInvalidDeadline    = errors.New("ledger: invalid deadline")
	ErrInvalidRole        = errors.New("ledger: invalid role")
	ErrUsernameTaken      = errors.New("ledger: username taken")
	ErrInvalidUsername    = errors.New("ledger: invalid username")
	ErrUserInUse          = errors.New("ledger: user has operations or bids")
)

// pgUniqueViolation is the SQLSTATE Postgres reports for unique index conflicts.
const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err came from a unique index conflict on
// any of the supported databases.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsForeignKeyViolation reports whether err came from a foreign key constraint.
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// Storage wraps an unexpected database error. Domain sentinels pass through
// untouched so callers can keep matching them with errors.Is.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomain(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func isDomain(err error) bool {
	for _, sentinel := range []error{
		ErrNotFound, ErrAlreadyClosed, ErrExpired, ErrDuplicateBid, ErrInvalidAmount,
		ErrCapacityExceeded, ErrInvalidDelta, ErrStorageUnavailable, ErrForbidden,
		ErrOperationHasBids, ErrInvalidRate, ErrInvalidDeadline, ErrInvalidRole, ErrUsernameTaken,
		ErrInvalidUsername, ErrUserInUse,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
