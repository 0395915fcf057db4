package models

import "time"

const (
	AlertKindActiveCount     = "active_count"
	AlertKindSplitMismatch   = "split_mismatch"
	AlertKindPriceDivergence = "price_divergence"
)

// ReconciliationAlert records an invariant violation that was not retried.
// Alerts stay open until an operator resolves them.
type ReconciliationAlert struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	Kind                   string     `gorm:"type:varchar(32);not null;index" json:"kind"`
	AccountID              uint       `gorm:"not null;default:0;index" json:"account_id"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;default:''" json:"provider_subscription_id"`
	ProviderInvoiceID      string     `gorm:"type:varchar(191);not null;default:''" json:"provider_invoice_id"`
	EventID                string     `gorm:"type:varchar(191);not null;default:''" json:"event_id"`
	EventType              string     `gorm:"type:varchar(100);not null;default:''" json:"event_type"`
	Detail                 string     `gorm:"type:text" json:"detail"`
	ResolvedAt             *time.Time `gorm:"type:timestamp;default:null;index" json:"resolved_at,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}
