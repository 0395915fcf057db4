package models

import "time"

// BillingPlan is a catalog entry. Prices are stored in minor currency units.
type BillingPlan struct {
	ID               string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name             string    `gorm:"type:varchar(100);not null" json:"name"`
	MonthlyPrice     int64     `gorm:"not null;default:0" json:"monthly_price"`
	AnnualPrice      int64     `gorm:"not null;default:0" json:"annual_price"`
	AnnualTotalPrice int64     `gorm:"not null;default:0" json:"annual_total_price"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BillingPlanMapping maps provider price references to a plan and billing
// interval. Several price references may point at the same plan+interval
// after historical price changes.
type BillingPlanMapping struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Provider         string    `gorm:"type:varchar(20);not null;index:ux_billing_plan_mappings_ref,unique,priority:1" json:"provider"`
	ProviderPriceRef string    `gorm:"type:varchar(191);not null;index:ux_billing_plan_mappings_ref,unique,priority:2" json:"provider_price_ref"`
	PlanID           string    `gorm:"type:varchar(64);not null;index" json:"plan_id"`
	BillingInterval  string    `gorm:"type:varchar(16);not null" json:"billing_interval"`
	CatalogVersion   string    `gorm:"type:varchar(32);not null;default:''" json:"catalog_version"`
	IsActive         bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
