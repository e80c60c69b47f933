package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	ledger := NewLedger(db, zap.NewNop())
	require.NoError(t, ledger.AutoMigrate())
	return ledger
}

func TestPeriod_Next(t *testing.T) {
	at := time.Date(2026, 3, 15, 10, 42, 7, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 3, 15, 11, 0, 0, 0, time.UTC), PeriodHourly.Next(at))
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), PeriodDaily.Next(at))
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), PeriodMonthly.Next(at))
}

func TestProvision_TierDefaults(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	b, err := ledger.Provision(ctx, "user-1", TierBasic)
	require.NoError(t, err)
	assert.Equal(t, 10.0, b.HourlyLimitUSD)
	assert.Equal(t, 50.0, b.DailyLimitUSD)
	assert.Equal(t, 500.0, b.MonthlyLimitUSD)

	// 重复 provision 更新层级而不重复建行
	_, err = ledger.Provision(ctx, "user-1", TierPremium)
	require.NoError(t, err)

	got, err := ledger.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, string(TierPremium), got.Tier)
	assert.Equal(t, 25.0, got.HourlyLimitUSD)
}

func TestCanAfford_MissingBudgetDenies(t *testing.T) {
	ledger := setupTestLedger(t)

	// 没有预算行 != 无限预算
	dec, err := ledger.CanAfford(context.Background(), "ghost-user", 0.01)
	assert.ErrorIs(t, err, ErrNoBudget)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "No budget configured")
}

func TestCanAfford_WithinLimits(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Provision(ctx, "user-1", TierFree)
	require.NoError(t, err)

	dec, err := ledger.CanAfford(ctx, "user-1", 0.50)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestCanAfford_HourlyExceeded(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	// free: hourly $1
	_, err := ledger.Provision(ctx, "user-1", TierFree)
	require.NoError(t, err)
	require.NoError(t, ledger.ApplySpend(ctx, "user-1", 0.95))

	dec, err := ledger.CanAfford(ctx, "user-1", 0.10)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, PeriodHourly, dec.Period)
	assert.Contains(t, dec.Reason, "Hourly budget exceeded")
	assert.Contains(t, dec.Reason, "Remaining: $0.05")
	assert.Contains(t, dec.Reason, "Request: $0.10")
}

func TestCanAfford_DailyExceededWhileHourlyFresh(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	b, err := ledger.Provision(ctx, "user-1", TierFree)
	require.NoError(t, err)

	// 手工构造：小时窗口刚重置，日窗口已接近打满
	now := time.Now().UTC()
	b.DailySpentUSD = 4.99
	b.DailyResetAt = PeriodDaily.Next(now)
	b.HourlyResetAt = PeriodHourly.Next(now)
	require.NoError(t, ledger.db.Save(b).Error)

	dec, err := ledger.CanAfford(ctx, "user-1", 0.50)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, PeriodDaily, dec.Period)
}

func TestApplySpend_AccumulatesAllPeriods(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Provision(ctx, "user-1", TierBasic)
	require.NoError(t, err)

	require.NoError(t, ledger.ApplySpend(ctx, "user-1", 0.30))
	require.NoError(t, ledger.ApplySpend(ctx, "user-1", 0.20))

	b, err := ledger.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.50, b.HourlySpentUSD, 1e-9)
	assert.InDelta(t, 0.50, b.DailySpentUSD, 1e-9)
	assert.InDelta(t, 0.50, b.MonthlySpentUSD, 1e-9)
}

func TestApplySpend_ResetsExpiredWindow(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	b, err := ledger.Provision(ctx, "user-1", TierFree)
	require.NoError(t, err)

	// 小时窗口已过期
	b.HourlySpentUSD = 0.90
	b.HourlyResetAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, ledger.db.Save(b).Error)

	require.NoError(t, ledger.ApplySpend(ctx, "user-1", 0.10))

	got, err := ledger.Get(ctx, "user-1")
	require.NoError(t, err)
	// 过期窗口先归零再累加
	assert.InDelta(t, 0.10, got.HourlySpentUSD, 1e-9)
	assert.True(t, got.HourlyResetAt.After(time.Now().UTC()))
}

func TestApplySpend_MissingRow(t *testing.T) {
	ledger := setupTestLedger(t)
	err := ledger.ApplySpend(context.Background(), "ghost-user", 0.10)
	assert.ErrorIs(t, err, ErrNoBudget)
}

func TestApplySpend_RejectsNegative(t *testing.T) {
	ledger := setupTestLedger(t)
	err := ledger.ApplySpend(context.Background(), "user-1", -1)
	assert.Error(t, err)
}

func TestAlerts_FiredOncePerWindow(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []Alert
	done := make(chan struct{}, 16)
	ledger.OnAlert(func(a Alert) {
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
		done <- struct{}{}
	})

	_, err := ledger.Provision(ctx, "user-1", TierFree)
	require.NoError(t, err)

	// 跨过 75% 阈值（hourly $1 限额）
	require.NoError(t, ledger.ApplySpend(ctx, "user-1", 0.80))
	<-done

	// 同窗口再次落账不重发 75% 预警
	require.NoError(t, ledger.ApplySpend(ctx, "user-1", 0.01))

	// 跨过 90%
	require.NoError(t, ledger.ApplySpend(ctx, "user-1", 0.15))
	<-done

	mu.Lock()
	defer mu.Unlock()
	var hourly []Alert
	for _, a := range got {
		if a.Period == PeriodHourly {
			hourly = append(hourly, a)
		}
	}
	require.Len(t, hourly, 2)
	thresholds := map[float64]bool{hourly[0].Threshold: true, hourly[1].Threshold: true}
	assert.True(t, thresholds[0.75])
	assert.True(t, thresholds[0.90])
}

func TestCanAfford_StorageErrorFailsClosed(t *testing.T) {
	// 存储故障时拒绝而不是放行
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery("SELECT").WillReturnError(assert.AnError)

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	ledger := NewLedger(db, zap.NewNop())
	dec, err := ledger.CanAfford(context.Background(), "user-1", 0.10)
	require.Error(t, err)
	assert.False(t, dec.Allowed)
}
