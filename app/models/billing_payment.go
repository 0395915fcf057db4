package models

import "time"

const (
	PaymentStatusPaid           = "paid"
	PaymentStatusFailed         = "failed"
	PaymentStatusPending        = "pending"
	PaymentStatusActionRequired = "action_required"
)

const (
	PaymentMethodCard   = "Card"
	PaymentMethodCredit = "Credit"
	PaymentMethodHybrid = "Hybrid"
)

// BillingPayment is one reconciled invoice. ProviderInvoiceID is the
// idempotency key. CardAmount + CreditAmount always equals TotalAmount.
type BillingPayment struct {
	ID                      uint      `gorm:"primaryKey" json:"id"`
	AccountID               uint      `gorm:"not null;index" json:"account_id"`
	ProviderInvoiceID       string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_payments_invoice" json:"provider_invoice_id"`
	ProviderPaymentIntentID *string   `gorm:"type:varchar(191);default:null" json:"provider_payment_intent_id,omitempty"`
	ProviderSubscriptionID  string    `gorm:"type:varchar(191);not null;default:'';index" json:"provider_subscription_id"`
	Currency                string    `gorm:"type:varchar(8);not null;default:''" json:"currency"`
	TotalAmount             int64     `gorm:"not null" json:"total_amount"`
	CardAmount              int64     `gorm:"not null" json:"card_amount"`
	CreditAmount            int64     `gorm:"not null" json:"credit_amount"`
	UnusedTimeCredit        *int64    `gorm:"default:null" json:"unused_time_credit,omitempty"`
	Status                  string    `gorm:"type:varchar(32);not null;index" json:"status"`
	PaymentMethod           string    `gorm:"type:varchar(16);not null" json:"payment_method"`
	PlanName                string    `gorm:"type:varchar(100);not null" json:"plan_name"`
	BillingPeriod           string    `gorm:"type:varchar(64);not null;default:''" json:"billing_period"`
	InvoiceURL              string    `gorm:"type:varchar(512);not null;default:''" json:"invoice_url"`
	CreatedAt               time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt               time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsSettled reports whether the record may no longer change status.
func (p *BillingPayment) IsSettled() bool {
	return p.Status == PaymentStatusPaid || p.Status == PaymentStatusFailed
}
