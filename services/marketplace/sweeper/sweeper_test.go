package sweeper

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"crowdfund/core/money"
	"crowdfund/observability"
	"crowdfund/services/marketplace/calendar"
	"crowdfund/services/marketplace/internal/testdb"
	"crowdfund/services/marketplace/ledger"
	"crowdfund/services/marketplace/models"
)

var now = time.Date(2026, 10, 18, 8, 30, 0, 0, time.UTC)

func seedOperation(t *testing.T, db *gorm.DB, operator models.User, deadline time.Time, closed bool) models.Operation {
	t.Helper()
	op := models.Operation{
		OperatorID:     operator.ID,
		AmountRequired: money.MustParse("100"),
		InterestRate:   decimal.RequireFromString("2"),
		Deadline:       deadline,
	}
	require.NoError(t, db.Create(&op).Error)
	if closed {
		require.NoError(t, db.Model(&op).Updates(map[string]any{"is_closed": true, "close_reason": string(models.CloseManual)}).Error)
	}
	return op
}

func TestSweepExpired(t *testing.T) {
	db := testdb.Open(t)
	operator := models.User{Username: "operator", Role: models.RoleOperator}
	require.NoError(t, db.Create(&operator).Error)

	today := calendar.Date(now)
	yesterday := seedOperation(t, db, operator, today.AddDate(0, 0, -1), false)
	lastMonth := seedOperation(t, db, operator, today.AddDate(0, -1, 0), false)
	dueToday := seedOperation(t, db, operator, today, false)
	future := seedOperation(t, db, operator, today.AddDate(0, 0, 9), false)
	alreadyClosed := seedOperation(t, db, operator, today.AddDate(0, 0, -4), true)

	l := ledger.New(db, ledger.WithClock(func() time.Time { return now }))
	s := New(db, l, calendar.Fixed(now), nil)
	s.batch = 1

	before := testutil.ToFloat64(observability.Sweep().Closed())
	closed, err := s.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, closed)
	require.Equal(t, before+2, testutil.ToFloat64(observability.Sweep().Closed()))

	for _, tc := range []struct {
		op     models.Operation
		closed bool
		reason models.CloseReason
	}{
		{yesterday, true, models.CloseExpired},
		{lastMonth, true, models.CloseExpired},
		{dueToday, false, models.CloseNone},
		{future, false, models.CloseNone},
		{alreadyClosed, true, models.CloseManual},
	} {
		var stored models.Operation
		require.NoError(t, db.First(&stored, tc.op.ID).Error)
		require.Equal(t, tc.closed, stored.IsClosed, "operation %d", tc.op.ID)
		require.Equal(t, tc.reason, stored.CloseReason, "operation %d", tc.op.ID)
	}

	closed, err = s.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Zero(t, closed)
}

func TestSweepContinuesAfterItemFailure(t *testing.T) {
	db := testdb.Open(t)
	operator := models.User{Username: "operator", Role: models.RoleOperator}
	require.NoError(t, db.Create(&operator).Error)

	today := calendar.Date(now)
	broken := seedOperation(t, db, operator, today.AddDate(0, 0, -2), false)
	healthy := seedOperation(t, db, operator, today.AddDate(0, 0, -1), false)
	require.NoError(t, db.Exec(fmt.Sprintf(
		"CREATE TRIGGER reject_close BEFORE UPDATE ON operations WHEN OLD.id = %d BEGIN SELECT RAISE(ABORT, 'close rejected'); END",
		broken.ID)).Error)

	l := ledger.New(db, ledger.WithClock(func() time.Time { return now }))
	s := New(db, l, calendar.Fixed(now), nil)

	failuresBefore := testutil.ToFloat64(observability.Sweep().Failures())
	closed, err := s.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, closed)
	require.Equal(t, failuresBefore+1, testutil.ToFloat64(observability.Sweep().Failures()))

	var stored models.Operation
	require.NoError(t, db.First(&stored, broken.ID).Error)
	require.False(t, stored.IsClosed)
	require.NoError(t, db.First(&stored, healthy.ID).Error)
	require.True(t, stored.IsClosed)
	require.Equal(t, models.CloseExpired, stored.CloseReason)
}

func TestSweepUsesConfiguredZone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	db := testdb.Open(t)
	operator := models.User{Username: "operator", Role: models.RoleOperator}
	require.NoError(t, db.Create(&operator).Error)

	// 20:00 UTC on the 18th is already the 19th in Tokyo.
	instant := time.Date(2026, 10, 18, 20, 0, 0, 0, time.UTC)
	op := seedOperation(t, db, operator, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC), false)

	l := ledger.New(db)
	closed, err := New(db, l, calendar.New(func() time.Time { return instant }, time.UTC), nil).SweepExpired(context.Background())
	require.NoError(t, err)
	require.Zero(t, closed)

	closed, err = New(db, l, calendar.New(func() time.Time { return instant }, tokyo), nil).SweepExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, closed)

	var stored models.Operation
	require.NoError(t, db.First(&stored, op.ID).Error)
	require.True(t, stored.IsClosed)
}

type countingRunner struct {
	calls atomic.Int32
}

func (r *countingRunner) SweepExpired(context.Context) (int, error) {
	r.calls.Add(1)
	return 0, nil
}

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(SchedulerConfig{RunHour: 2, RunMinute: 15})

	before := time.Date(2026, 10, 18, 1, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 10, 18, 2, 15, 0, 0, time.UTC), s.nextRun(before))

	after := time.Date(2026, 10, 18, 2, 15, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 10, 19, 2, 15, 0, 0, time.UTC), s.nextRun(after))

	interval := NewScheduler(SchedulerConfig{Interval: 5 * time.Minute})
	require.Equal(t, before.Add(5*time.Minute), interval.nextRun(before))

	clamped := NewScheduler(SchedulerConfig{RunHour: 42, RunMinute: -3})
	require.Equal(t, 23, clamped.runHour)
	require.Equal(t, 0, clamped.runMinute)
}

func TestSchedulerRunsOnStartAndInterval(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(SchedulerConfig{Runner: runner, Interval: 10 * time.Millisecond, RunOnStart: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
