package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/billrecon/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by reconciliation.
type Repository interface {
	// Transaction runs fn against a repository bound to one database
	// transaction. fn's error rolls everything back.
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	FindAccountByCustomer(ctx context.Context, provider, customerID string) (*models.BillingAccount, error)
	LinkCustomer(ctx context.Context, accountID uint, provider, customerID string) (*models.BillingAccount, error)

	FindPaymentByInvoice(ctx context.Context, invoiceID string) (*models.BillingPayment, error)
	CreatePaymentIfNotExists(ctx context.Context, payment *models.BillingPayment) (bool, error)
	TransitionPayment(ctx context.Context, payment *models.BillingPayment, fromStatuses []string) (bool, error)
	ListPaymentsByAccount(ctx context.Context, accountID uint, limit int) ([]models.BillingPayment, error)

	ListSubscriptionsByRef(ctx context.Context, subscriptionID string) ([]models.BillingSubscription, error)
	ListActiveSubscriptions(ctx context.Context, accountID uint) ([]models.BillingSubscription, error)
	ListSubscriptionsByAccount(ctx context.Context, accountID uint) ([]models.BillingSubscription, error)
	CreateSubscription(ctx context.Context, sub *models.BillingSubscription) error
	SaveSubscription(ctx context.Context, sub *models.BillingSubscription) error
	CancelSubscriptions(ctx context.Context, ids []uint, endedAt time.Time) error

	CreateAlert(ctx context.Context, alert *models.ReconciliationAlert) error
	ListAlerts(ctx context.Context, openOnly bool, limit int) ([]models.ReconciliationAlert, error)
	ResolveAlert(ctx context.Context, id uint, at time.Time) error

	RecordWebhookEvent(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
	FindWebhookEvent(ctx context.Context, provider, eventID string) (*models.BillingWebhookEvent, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) FindAccountByCustomer(ctx context.Context, provider, customerID string) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_customer_id = ?", provider, customerID).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// LinkCustomer attaches customerID to accountID. A link is written once: an
// account already linked to another customer, or a customer already linked to
// another account, yields ErrAccountConflict.
func (r *gormRepository) LinkCustomer(ctx context.Context, accountID uint, provider, customerID string) (*models.BillingAccount, error) {
	db := r.db.WithContext(ctx)

	var existing models.BillingAccount
	err := db.Where("account_id = ? AND provider = ?", accountID, provider).First(&existing).Error
	switch {
	case err == nil:
		if existing.ProviderCustomerID != customerID {
			return nil, ErrAccountConflict
		}
		return &existing, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	account := &models.BillingAccount{
		AccountID:          accountID,
		Provider:           provider,
		ProviderCustomerID: customerID,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(account).Error; err != nil {
		return nil, err
	}

	var stored models.BillingAccount
	if err := db.Where("provider = ? AND provider_customer_id = ?", provider, customerID).First(&stored).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// lost a race for the account+provider slot to another customer
			return nil, ErrAccountConflict
		}
		return nil, err
	}
	if stored.AccountID != accountID {
		return nil, ErrAccountConflict
	}
	return &stored, nil
}

func (r *gormRepository) FindPaymentByInvoice(ctx context.Context, invoiceID string) (*models.BillingPayment, error) {
	var p models.BillingPayment
	if err := r.db.WithContext(ctx).Where("provider_invoice_id = ?", invoiceID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePaymentIfNotExists inserts the payment unless a row for the same
// invoice exists. The bool reports whether this call inserted it.
func (r *gormRepository) CreatePaymentIfNotExists(ctx context.Context, payment *models.BillingPayment) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_invoice_id"}},
		DoNothing: true,
	}).Create(payment)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// TransitionPayment rewrites a non-settled payment. The update only applies
// while the stored status is still one of fromStatuses.
func (r *gormRepository) TransitionPayment(ctx context.Context, payment *models.BillingPayment, fromStatuses []string) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.BillingPayment{}).
		Where("id = ? AND status IN ?", payment.ID, fromStatuses).
		Updates(map[string]interface{}{
			"status":                     payment.Status,
			"payment_method":             payment.PaymentMethod,
			"total_amount":               payment.TotalAmount,
			"card_amount":                payment.CardAmount,
			"credit_amount":              payment.CreditAmount,
			"unused_time_credit":         payment.UnusedTimeCredit,
			"provider_payment_intent_id": payment.ProviderPaymentIntentID,
			"invoice_url":                payment.InvoiceURL,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) ListPaymentsByAccount(ctx context.Context, accountID uint, limit int) ([]models.BillingPayment, error) {
	var payments []models.BillingPayment
	q := r.db.WithContext(ctx).Where("account_id = ?", accountID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&payments).Error
	return payments, err
}

// ListSubscriptionsByRef returns every row for a processor subscription,
// most recent first.
func (r *gormRepository) ListSubscriptionsByRef(ctx context.Context, subscriptionID string) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).
		Where("provider_subscription_id = ?", subscriptionID).
		Order("created_at DESC, id DESC").
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ListActiveSubscriptions(ctx context.Context, accountID uint) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, models.SubscriptionStatusActive).
		Order("created_at DESC, id DESC").
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ListSubscriptionsByAccount(ctx context.Context, accountID uint) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) CreateSubscription(ctx context.Context, sub *models.BillingSubscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *gormRepository) SaveSubscription(ctx context.Context, sub *models.BillingSubscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *gormRepository) CancelSubscriptions(ctx context.Context, ids []uint, endedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.BillingSubscription{}).
		Where("id IN ? AND status <> ?", ids, models.SubscriptionStatusCanceled).
		Updates(map[string]interface{}{
			"status":   models.SubscriptionStatusCanceled,
			"ended_at": endedAt,
		}).Error
}

func (r *gormRepository) CreateAlert(ctx context.Context, alert *models.ReconciliationAlert) error {
	return r.db.WithContext(ctx).Create(alert).Error
}

func (r *gormRepository) ListAlerts(ctx context.Context, openOnly bool, limit int) ([]models.ReconciliationAlert, error) {
	var alerts []models.ReconciliationAlert
	q := r.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if openOnly {
		q = q.Where("resolved_at IS NULL")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&alerts).Error
	return alerts, err
}

func (r *gormRepository) ResolveAlert(ctx context.Context, id uint, at time.Time) error {
	tx := r.db.WithContext(ctx).Model(&models.ReconciliationAlert{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", at)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RecordWebhookEvent stores the audit row for an inbound event and bumps its
// attempt counter. The bool reports whether this is the first delivery.
func (r *gormRepository) RecordWebhookEvent(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	event.Attempts = 1
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	if !created {
		if err := db.Model(&models.BillingWebhookEvent{}).
			Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
			UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
			return false, nil, err
		}
	}

	stored, err := r.FindWebhookEvent(ctx, event.Provider, event.ProviderEventID)
	if err != nil {
		return false, nil, err
	}
	return created, stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) FindWebhookEvent(ctx context.Context, provider, eventID string) (*models.BillingWebhookEvent, error) {
	var stored models.BillingWebhookEvent
	if err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}
