// Package budget enforces per-user spending limits across rolling periods.
// This package is internal and should not be imported by external projects.
package budget

import "time"

// =============================================================================
// 💰 预算数据模型
// =============================================================================

// Period 预算周期
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Next 返回 t 之后该周期的下一个边界
func (p Period) Next(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodHourly:
		return t.Truncate(time.Hour).Add(time.Hour)
	case PeriodDaily:
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	case PeriodMonthly:
		y, m, _ := t.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		return t.Truncate(time.Hour).Add(time.Hour)
	}
}

// Tier 用户层级
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// TierLimits 各层级的默认限额（USD）
type TierLimits struct {
	HourlyUSD  float64
	DailyUSD   float64
	MonthlyUSD float64
}

var tierDefaults = map[Tier]TierLimits{
	TierFree:       {HourlyUSD: 1, DailyUSD: 5, MonthlyUSD: 50},
	TierBasic:      {HourlyUSD: 10, DailyUSD: 50, MonthlyUSD: 500},
	TierPremium:    {HourlyUSD: 25, DailyUSD: 150, MonthlyUSD: 2000},
	TierEnterprise: {HourlyUSD: 100, DailyUSD: 1000, MonthlyUSD: 20000},
}

// LimitsForTier 返回层级默认限额；未知层级按 free 处理
func LimitsForTier(tier Tier) TierLimits {
	if l, ok := tierDefaults[tier]; ok {
		return l
	}
	return tierDefaults[TierFree]
}

// UserBudget 用户预算行
//
// 三个周期各自维护限额、已花费和重置时间。已花费只增不减，
// 跨越周期边界时归零并推进 ResetAt。
type UserBudget struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"uniqueIndex;size:128;not null" json:"user_id"`
	Tier      string    `gorm:"size:32;default:free" json:"tier"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	HourlyLimitUSD float64   `json:"hourly_limit_usd"`
	HourlySpentUSD float64   `json:"hourly_spent_usd"`
	HourlyResetAt  time.Time `json:"hourly_reset_at"`

	DailyLimitUSD float64   `json:"daily_limit_usd"`
	DailySpentUSD float64   `json:"daily_spent_usd"`
	DailyResetAt  time.Time `json:"daily_reset_at"`

	MonthlyLimitUSD float64   `json:"monthly_limit_usd"`
	MonthlySpentUSD float64   `json:"monthly_spent_usd"`
	MonthlyResetAt  time.Time `json:"monthly_reset_at"`
}

// TableName 指定表名
func (UserBudget) TableName() string {
	return "user_budgets"
}

// periodView 单个周期在某一时刻的有效视图
type periodView struct {
	period  Period
	limit   float64
	spent   float64
	resetAt time.Time
}

// views 返回三个周期在 now 时刻的有效视图
//
// 已过期的周期按已重置看待（spent=0，边界推进），但不落库；
// 落库发生在 ApplySpend 的事务里。
func (b *UserBudget) views(now time.Time) []periodView {
	out := []periodView{
		{period: PeriodHourly, limit: b.HourlyLimitUSD, spent: b.HourlySpentUSD, resetAt: b.HourlyResetAt},
		{period: PeriodDaily, limit: b.DailyLimitUSD, spent: b.DailySpentUSD, resetAt: b.DailyResetAt},
		{period: PeriodMonthly, limit: b.MonthlyLimitUSD, spent: b.MonthlySpentUSD, resetAt: b.MonthlyResetAt},
	}
	for i := range out {
		if !now.Before(out[i].resetAt) {
			out[i].spent = 0
			out[i].resetAt = out[i].period.Next(now)
		}
	}
	return out
}
