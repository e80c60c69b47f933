package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// =============================================================================
// 📒 预算账本
// =============================================================================

var (
	// ErrNoBudget 用户没有预算行；治理层据此拒绝请求
	ErrNoBudget = errors.New("no budget configured")
)

// Decision 一次准入判定结果
type Decision struct {
	Allowed bool    `json:"allowed"`
	Reason  string  `json:"reason,omitempty"`
	Period  Period  `json:"period,omitempty"`
	// 拒绝时刻该周期的剩余额度
	RemainingUSD float64 `json:"remaining_usd"`
	RequestUSD   float64 `json:"request_usd"`
}

// Alert 预算预警事件
type Alert struct {
	UserID       string    `json:"user_id"`
	Period       Period    `json:"period"`
	Threshold    float64   `json:"threshold"` // 0.75 或 0.90
	SpentUSD     float64   `json:"spent_usd"`
	LimitUSD     float64   `json:"limit_usd"`
	UsagePercent float64   `json:"usage_percent"`
	WindowEnd    time.Time `json:"window_end"`
}

// AlertHandler 预警回调
type AlertHandler func(Alert)

var alertThresholds = []float64{0.75, 0.90}

// Ledger 多周期预算账本
//
// CanAfford 做预检（只读），ApplySpend 在事务中行锁落账。
// 存储错误一律拒绝（fail-closed）。
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger

	mu       sync.Mutex
	handlers []AlertHandler
	// 每个 (user, period, window) 的预警只发一次
	fired map[string]struct{}
}

// NewLedger 创建预算账本
func NewLedger(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger.With(zap.String("component", "budget_ledger")),
		fired:  make(map[string]struct{}),
	}
}

// OnAlert 注册预警回调
func (l *Ledger) OnAlert(h AlertHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// AutoMigrate 建表
func (l *Ledger) AutoMigrate() error {
	return l.db.AutoMigrate(&UserBudget{})
}

// Provision 按层级创建或更新用户预算行
func (l *Ledger) Provision(ctx context.Context, userID string, tier Tier) (*UserBudget, error) {
	limits := LimitsForTier(tier)
	now := time.Now().UTC()

	b := &UserBudget{
		UserID:          userID,
		Tier:            string(tier),
		HourlyLimitUSD:  limits.HourlyUSD,
		HourlyResetAt:   PeriodHourly.Next(now),
		DailyLimitUSD:   limits.DailyUSD,
		DailyResetAt:    PeriodDaily.Next(now),
		MonthlyLimitUSD: limits.MonthlyUSD,
		MonthlyResetAt:  PeriodMonthly.Next(now),
	}

	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"tier", "hourly_limit_usd", "daily_limit_usd", "monthly_limit_usd", "updated_at",
			}),
		}).
		Create(b).Error
	if err != nil {
		return nil, fmt.Errorf("provision budget for %s: %w", userID, err)
	}

	l.logger.Info("budget provisioned",
		zap.String("user_id", userID),
		zap.String("tier", string(tier)))
	return b, nil
}

// Get 读取用户预算行；不存在时返回 ErrNoBudget
func (l *Ledger) Get(ctx context.Context, userID string) (*UserBudget, error) {
	var b UserBudget
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoBudget
	}
	if err != nil {
		return nil, fmt.Errorf("load budget for %s: %w", userID, err)
	}
	return &b, nil
}

// CanAfford 判断 estimatedUSD 是否在所有周期的剩余额度内
//
// 没有预算行的用户直接拒绝：缺行不是无限额度。
// 存储错误同样拒绝，由调用方决定如何上报。
func (l *Ledger) CanAfford(ctx context.Context, userID string, estimatedUSD float64) (Decision, error) {
	b, err := l.Get(ctx, userID)
	if errors.Is(err, ErrNoBudget) {
		return Decision{
			Allowed:    false,
			Reason:     "No budget configured for this user",
			RequestUSD: estimatedUSD,
		}, ErrNoBudget
	}
	if err != nil {
		return Decision{Allowed: false, RequestUSD: estimatedUSD}, err
	}

	now := time.Now().UTC()
	for _, v := range b.views(now) {
		remaining := v.limit - v.spent
		if v.spent+estimatedUSD > v.limit {
			return Decision{
				Allowed: false,
				Reason: fmt.Sprintf("%s budget exceeded. Remaining: $%.2f, Request: $%.2f",
					titlePeriod(v.period), remaining, estimatedUSD),
				Period:       v.period,
				RemainingUSD: remaining,
				RequestUSD:   estimatedUSD,
			}, nil
		}
	}

	return Decision{Allowed: true, RequestUSD: estimatedUSD}, nil
}

// ApplySpend 将实际成本落账到所有周期
//
// 事务内 SELECT FOR UPDATE 行锁，先处理周期重置再累加，
// 保证并发落账不丢失更新。
func (l *Ledger) ApplySpend(ctx context.Context, userID string, costUSD float64) error {
	if costUSD < 0 {
		return fmt.Errorf("negative spend %.6f for %s", costUSD, userID)
	}

	var snapshot UserBudget
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var b UserBudget
		q := tx
		// SQLite 不支持 FOR UPDATE，事务本身已是串行化的
		if tx.Dialector.Name() != "sqlite" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := q.Where("user_id = ?", userID).First(&b).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoBudget
		}
		if err != nil {
			return fmt.Errorf("lock budget row for %s: %w", userID, err)
		}

		now := time.Now().UTC()
		if !now.Before(b.HourlyResetAt) {
			b.HourlySpentUSD = 0
			b.HourlyResetAt = PeriodHourly.Next(now)
		}
		if !now.Before(b.DailyResetAt) {
			b.DailySpentUSD = 0
			b.DailyResetAt = PeriodDaily.Next(now)
		}
		if !now.Before(b.MonthlyResetAt) {
			b.MonthlySpentUSD = 0
			b.MonthlyResetAt = PeriodMonthly.Next(now)
		}

		b.HourlySpentUSD += costUSD
		b.DailySpentUSD += costUSD
		b.MonthlySpentUSD += costUSD

		if err := tx.Save(&b).Error; err != nil {
			return fmt.Errorf("persist spend for %s: %w", userID, err)
		}
		snapshot = b
		return nil
	})
	if err != nil {
		return err
	}

	l.checkAlerts(&snapshot)
	return nil
}

// checkAlerts 发送跨过阈值的预警，每个窗口每个阈值只发一次
func (l *Ledger) checkAlerts(b *UserBudget) {
	views := b.views(time.Now().UTC())

	l.mu.Lock()
	handlers := make([]AlertHandler, len(l.handlers))
	copy(handlers, l.handlers)

	var pending []Alert
	for _, v := range views {
		if v.limit <= 0 {
			continue
		}
		usage := v.spent / v.limit
		for _, threshold := range alertThresholds {
			if usage < threshold {
				continue
			}
			key := fmt.Sprintf("%s|%s|%.2f|%d", b.UserID, v.period, threshold, v.resetAt.Unix())
			if _, done := l.fired[key]; done {
				continue
			}
			l.fired[key] = struct{}{}
			pending = append(pending, Alert{
				UserID:       b.UserID,
				Period:       v.period,
				Threshold:    threshold,
				SpentUSD:     v.spent,
				LimitUSD:     v.limit,
				UsagePercent: usage * 100,
				WindowEnd:    v.resetAt,
			})
		}
	}
	l.mu.Unlock()

	for _, alert := range pending {
		l.logger.Warn("budget alert",
			zap.String("user_id", alert.UserID),
			zap.String("period", string(alert.Period)),
			zap.Float64("usage_percent", alert.UsagePercent))
		for _, h := range handlers {
			go h(alert)
		}
	}
}

// Remaining 返回三个周期在当前时刻的剩余额度
func (l *Ledger) Remaining(ctx context.Context, userID string) (map[Period]float64, error) {
	b, err := l.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[Period]float64, 3)
	for _, v := range b.views(time.Now().UTC()) {
		out[v.period] = v.limit - v.spent
	}
	return out, nil
}

func titlePeriod(p Period) string {
	s := string(p)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
