package plancatalog

import (
	"fmt"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/billrecon/app/models"
)

// LoadFromDB builds a catalog from the billing_plans and active
// billing_plan_mappings rows of one provider.
func LoadFromDB(db *gorm.DB, provider string) (*Catalog, error) {
	var plans []models.BillingPlan
	if err := db.Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("load billing plans: %w", err)
	}
	var mappings []models.BillingPlanMapping
	if err := db.Where("provider = ? AND is_active = ?", provider, true).Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("load plan mappings: %w", err)
	}

	version := ""
	ps := make([]Plan, 0, len(plans))
	for _, p := range plans {
		ps = append(ps, Plan{
			ID:               p.ID,
			Name:             p.Name,
			MonthlyPrice:     p.MonthlyPrice,
			AnnualPrice:      p.AnnualPrice,
			AnnualTotalPrice: p.AnnualTotalPrice,
		})
	}
	ms := make([]PriceMapping, 0, len(mappings))
	for _, m := range mappings {
		if m.CatalogVersion > version {
			version = m.CatalogVersion
		}
		ms = append(ms, PriceMapping{PriceID: m.ProviderPriceRef, PlanID: m.PlanID, Interval: m.BillingInterval})
	}
	if version == "" {
		version = "db"
	}
	return New(version, ps, ms)
}

// SyncToDB upserts the catalog into the plan tables so a file-based catalog
// and the database stay in step.
func (c *Catalog) SyncToDB(db *gorm.DB, provider string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		ids := make([]string, 0, len(c.plans))
		for id := range c.plans {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			p := c.plans[id]
			row := models.BillingPlan{
				ID:               p.ID,
				Name:             p.Name,
				MonthlyPrice:     p.MonthlyPrice,
				AnnualPrice:      p.AnnualPrice,
				AnnualTotalPrice: p.AnnualTotalPrice,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "monthly_price", "annual_price", "annual_total_price", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return err
			}
		}

		for _, m := range c.prices {
			row := models.BillingPlanMapping{
				Provider:         provider,
				ProviderPriceRef: m.PriceID,
				PlanID:           m.PlanID,
				BillingInterval:  m.Interval,
				CatalogVersion:   c.version,
				IsActive:         true,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "provider"},
					{Name: "provider_price_ref"},
				},
				DoUpdates: clause.AssignmentColumns([]string{"plan_id", "billing_interval", "catalog_version", "is_active", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
