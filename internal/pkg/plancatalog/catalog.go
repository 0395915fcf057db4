// Package plancatalog maps external price identifiers to internal plans.
//
// A Catalog is built once and never mutated, so it is safe for concurrent use
// without locking.
package plancatalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/billrecon/app/models"
)

// ErrPlanNotFound is returned when a price identifier has no mapping.
var ErrPlanNotFound = errors.New("no plan mapped to price")

// Plan is a catalog entry. Prices are in minor currency units.
type Plan struct {
	ID               string `yaml:"id" validate:"required,max=64"`
	Name             string `yaml:"name" validate:"required,max=100"`
	MonthlyPrice     int64  `yaml:"monthly_price" validate:"gte=0"`
	AnnualPrice      int64  `yaml:"annual_price" validate:"gte=0"`
	AnnualTotalPrice int64  `yaml:"annual_total_price" validate:"gte=0"`
}

// AmountFor returns the price charged per billing cycle.
func (p Plan) AmountFor(interval string) int64 {
	if interval == models.BillingIntervalAnnual {
		return p.AnnualTotalPrice
	}
	return p.MonthlyPrice
}

// PriceMapping binds one external price identifier to a plan and interval.
type PriceMapping struct {
	PriceID  string `yaml:"price_id" validate:"required,max=191"`
	PlanID   string `yaml:"plan_id" validate:"required"`
	Interval string `yaml:"interval" validate:"required,oneof=monthly annual"`
}

// Resolution is the result of resolving a price identifier.
type Resolution struct {
	PriceID  string
	PlanID   string
	PlanName string
	Interval string
	Amount   int64
}

// Catalog is an immutable price → plan lookup table.
type Catalog struct {
	version string
	plans   map[string]Plan
	prices  map[string]PriceMapping
}

var validate = validator.New()

// New validates the entries and builds a catalog.
func New(version string, plans []Plan, prices []PriceMapping) (*Catalog, error) {
	c := &Catalog{
		version: strings.TrimSpace(version),
		plans:   make(map[string]Plan, len(plans)),
		prices:  make(map[string]PriceMapping, len(prices)),
	}

	for _, p := range plans {
		p.ID = strings.TrimSpace(p.ID)
		if err := validate.Struct(p); err != nil {
			return nil, fmt.Errorf("plan %q: %w", p.ID, err)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("plan %q defined twice", p.ID)
		}
		c.plans[p.ID] = p
	}

	for _, m := range prices {
		m.PriceID = strings.TrimSpace(m.PriceID)
		m.PlanID = strings.TrimSpace(m.PlanID)
		m.Interval = NormalizeInterval(m.Interval)
		if err := validate.Struct(m); err != nil {
			return nil, fmt.Errorf("price %q: %w", m.PriceID, err)
		}
		if _, ok := c.plans[m.PlanID]; !ok {
			return nil, fmt.Errorf("price %q references unknown plan %q", m.PriceID, m.PlanID)
		}
		if prev, dup := c.prices[m.PriceID]; dup && prev != m {
			return nil, fmt.Errorf("price %q mapped to both %s/%s and %s/%s",
				m.PriceID, prev.PlanID, prev.Interval, m.PlanID, m.Interval)
		}
		c.prices[m.PriceID] = m
	}

	return c, nil
}

// Resolve looks up the plan and cycle price for an external price id.
func (c *Catalog) Resolve(priceID string) (Resolution, error) {
	id := strings.TrimSpace(priceID)
	m, ok := c.prices[id]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q (catalog %s)", ErrPlanNotFound, id, c.version)
	}
	p := c.plans[m.PlanID]
	return Resolution{
		PriceID:  id,
		PlanID:   p.ID,
		PlanName: p.Name,
		Interval: m.Interval,
		Amount:   p.AmountFor(m.Interval),
	}, nil
}

// Plan returns the plan with the given id.
func (c *Catalog) Plan(id string) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// Version identifies the catalog revision that was loaded.
func (c *Catalog) Version() string { return c.version }

// Len returns the number of mapped price identifiers.
func (c *Catalog) Len() int { return len(c.prices) }

// NormalizeInterval folds processor interval spellings onto the two
// intervals the catalog knows.
func NormalizeInterval(interval string) string {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "month", "monthly":
		return models.BillingIntervalMonthly
	case "year", "yearly", "annual":
		return models.BillingIntervalAnnual
	default:
		return strings.ToLower(strings.TrimSpace(interval))
	}
}
