package models

import "time"

const (
	BillingIntervalMonthly = "monthly"
	BillingIntervalAnnual  = "annual"
)

const (
	SubscriptionStatusPending    = "pending"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusDelinquent = "delinquent"
	SubscriptionStatusCanceled   = "canceled"
	SubscriptionStatusTrialing   = "trialing"
)

// BillingSubscription is one billing relationship over time. Rows are never
// deleted; a superseded or ended subscription is moved to canceled.
//
// ProviderSubscriptionID is not unique: upgrade chains reuse the same
// external reference across several rows.
type BillingSubscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	AccountID              uint       `gorm:"not null;index:idx_billing_subscriptions_account_status,priority:1" json:"account_id"`
	PlanID                 string     `gorm:"type:varchar(64);not null;index" json:"plan_id"`
	PlanName               string     `gorm:"type:varchar(100);not null" json:"plan_name"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index" json:"provider_subscription_id"`
	ProviderPriceRef       string     `gorm:"type:varchar(191);not null;default:''" json:"provider_price_ref"`
	BillingInterval        string     `gorm:"type:varchar(16);not null" json:"billing_interval"`
	AmountPerCycle         int64      `gorm:"not null;default:0" json:"amount_per_cycle"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'pending';index:idx_billing_subscriptions_account_status,priority:2" json:"status"`
	StartedAt              time.Time  `gorm:"type:timestamp;not null" json:"started_at"`
	EndedAt                *time.Time `gorm:"type:timestamp;default:null" json:"ended_at,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsCanceled reports whether the row reached its terminal state.
func (s *BillingSubscription) IsCanceled() bool {
	return s.Status == SubscriptionStatusCanceled
}
