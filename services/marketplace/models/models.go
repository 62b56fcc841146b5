package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"crowdfund/core/money"
)

// Role enumerations for persistence.
const (
	RoleOperator = "operator"
	RoleInvestor = "investor"
)

// ValidRole reports whether role is one of the persisted roles.
func ValidRole(role string) bool {
	return role == RoleOperator || role == RoleInvestor
}

// CloseReason records why an operation stopped accepting bids.
type CloseReason string

// All close reasons. An open operation carries CloseNone.
const (
	CloseNone    CloseReason = ""
	CloseFunded  CloseReason = "funded"
	CloseExpired CloseReason = "expired"
	CloseManual  CloseReason = "manual"
)

// User stores marketplace participants.
type User struct {
	ID         uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	Username   string      `gorm:"size:64;uniqueIndex;not null" json:"username"`
	Role       string      `gorm:"size:16;index;not null" json:"role"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Operations []Operation `gorm:"foreignKey:OperatorID;constraint:OnDelete:RESTRICT" json:"-"`
	Bids       []Bid       `gorm:"foreignKey:InvestorID;constraint:OnDelete:RESTRICT" json:"-"`
}

// BeforeCreate assigns a random identifier when the caller left it empty.
func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// Operation is a funding request posted by an operator. AmountCollected and
// IsClosed are only ever written by the ledger package.
type Operation struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	OperatorID      uuid.UUID       `gorm:"type:uuid;index;not null" json:"operator_id"`
	AmountRequired  money.Money     `gorm:"type:bigint;not null" json:"amount_required"`
	AmountCollected money.Money     `gorm:"type:bigint;not null;default:0" json:"amount_collected"`
	InterestRate    decimal.Decimal `gorm:"type:numeric(9,4);not null" json:"interest_rate"`
	Deadline        time.Time       `gorm:"type:date;index;not null" json:"deadline"`
	IsClosed        bool            `gorm:"index;not null;default:false" json:"is_closed"`
	CloseReason     CloseReason     `gorm:"size:16;not null;default:''" json:"close_reason,omitempty"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Bids            []Bid           `gorm:"constraint:OnDelete:RESTRICT" json:"-"`
}

// Remaining returns how much funding the operation can still accept.
func (o Operation) Remaining() money.Money {
	rest, err := o.AmountRequired.Sub(o.AmountCollected)
	if err != nil {
		return money.Zero
	}
	return rest
}

// Bid is an investor's commitment against an operation. Bids are immutable;
// cancelling one deletes the row.
type Bid struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	OperationID  uint            `gorm:"not null;uniqueIndex:idx_bid_investor_operation,priority:2;index" json:"operation_id"`
	InvestorID   uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_bid_investor_operation,priority:1" json:"investor_id"`
	Amount       money.Money     `gorm:"type:bigint;not null" json:"amount"`
	InterestRate decimal.Decimal `gorm:"type:numeric(9,4);not null" json:"interest_rate"`
	BidDate      time.Time       `gorm:"type:date;not null" json:"bid_date"`
	CreatedAt    time.Time       `json:"created_at"`
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Subject   string `gorm:"size:64"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Operation{},
		&Bid{},
		&IdempotencyKey{},
	)
}

// Drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// SQLiteBusyTimeout is how long a SQLite writer waits for the database lock
// before failing with SQLITE_BUSY.
const SQLiteBusyTimeout = 5 * time.Second

// Open connects to the configured database. Every SQLite connection gets
// foreign keys switched on, so the RESTRICT constraints hold outside Postgres
// too, and a busy timeout so concurrent writers queue instead of failing.
// Caller-supplied pragmas in the DSN win.
func Open(driver, dsn string, cfg *gorm.Config) (*gorm.DB, error) {
	if cfg == nil {
		cfg = &gorm.Config{}
	}
	cfg.TranslateError = true
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres, "postgresql", "pg":
		return gorm.Open(postgres.Open(dsn), cfg)
	case DriverSQLite, "sqlite3":
		return gorm.Open(sqlite.Open(sqliteDSN(dsn)), cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func sqliteDSN(dsn string) string {
	pragmas := []struct{ name, value string }{
		{"foreign_keys", "1"},
		{"busy_timeout", fmt.Sprint(SQLiteBusyTimeout.Milliseconds())},
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		if strings.Contains(dsn, "_pragma="+p.name+"(") {
			continue
		}
		dsn += sep + "_pragma=" + p.name + "(" + p.value + ")"
		sep = "&"
	}
	return dsn
}
