package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/billrecon/app/models"
	"gorm.io/gorm"
)

// memoryRepo is an in-memory Repository with transaction rollback and
// injectable failures.
type memoryRepo struct {
	txMu sync.Mutex
	mu   sync.Mutex

	nextID   uint
	clock    time.Time
	accounts []models.BillingAccount
	payments []models.BillingPayment
	subs     []models.BillingSubscription
	alerts   []models.ReconciliationAlert
	events   []models.BillingWebhookEvent

	failCreateSubscription error
	failFindPayment        error
	failRecordEvent        error
	// activeOverride replaces ListActiveSubscriptions results when set.
	activeOverride func(accountID uint) []models.BillingSubscription
}

type memorySnapshot struct {
	nextID   uint
	accounts []models.BillingAccount
	payments []models.BillingPayment
	subs     []models.BillingSubscription
	alerts   []models.ReconciliationAlert
	events   []models.BillingWebhookEvent
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{clock: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *memoryRepo) id() uint {
	m.nextID++
	return m.nextID
}

// tick returns strictly increasing timestamps so created_at ordering is
// deterministic.
func (m *memoryRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memoryRepo) snapshot() memorySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memorySnapshot{
		nextID:   m.nextID,
		accounts: append([]models.BillingAccount(nil), m.accounts...),
		payments: append([]models.BillingPayment(nil), m.payments...),
		subs:     append([]models.BillingSubscription(nil), m.subs...),
		alerts:   append([]models.ReconciliationAlert(nil), m.alerts...),
		events:   append([]models.BillingWebhookEvent(nil), m.events...),
	}
}

func (m *memoryRepo) restore(s memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID = s.nextID
	m.accounts, m.payments, m.subs, m.alerts, m.events = s.accounts, s.payments, s.subs, s.alerts, s.events
}

func (m *memoryRepo) Transaction(_ context.Context, fn func(tx Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memoryRepo) addAccount(accountID uint, customerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = append(m.accounts, models.BillingAccount{
		ID:                 m.id(),
		AccountID:          accountID,
		Provider:           models.BillingProviderStripe,
		ProviderCustomerID: customerID,
	})
}

func (m *memoryRepo) FindAccountByCustomer(_ context.Context, provider, customerID string) (*models.BillingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Provider == provider && a.ProviderCustomerID == customerID {
			a := a
			return &a, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memoryRepo) LinkCustomer(_ context.Context, accountID uint, provider, customerID string) (*models.BillingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Provider != provider {
			continue
		}
		if a.AccountID == accountID || a.ProviderCustomerID == customerID {
			if a.AccountID == accountID && a.ProviderCustomerID == customerID {
				a := a
				return &a, nil
			}
			return nil, ErrAccountConflict
		}
	}
	a := models.BillingAccount{ID: m.id(), AccountID: accountID, Provider: provider, ProviderCustomerID: customerID}
	m.accounts = append(m.accounts, a)
	return &a, nil
}

func (m *memoryRepo) FindPaymentByInvoice(_ context.Context, invoiceID string) (*models.BillingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFindPayment != nil {
		return nil, m.failFindPayment
	}
	for _, p := range m.payments {
		if p.ProviderInvoiceID == invoiceID {
			p := p
			return &p, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memoryRepo) CreatePaymentIfNotExists(_ context.Context, payment *models.BillingPayment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ProviderInvoiceID == payment.ProviderInvoiceID {
			return false, nil
		}
	}
	payment.ID = m.id()
	payment.CreatedAt = m.tick()
	payment.UpdatedAt = payment.CreatedAt
	m.payments = append(m.payments, *payment)
	return true, nil
}

func (m *memoryRepo) TransitionPayment(_ context.Context, payment *models.BillingPayment, fromStatuses []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.payments {
		if p.ID != payment.ID {
			continue
		}
		for _, from := range fromStatuses {
			if p.Status == from {
				updated := *payment
				updated.CreatedAt = p.CreatedAt
				updated.UpdatedAt = m.tick()
				m.payments[i] = updated
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func (m *memoryRepo) ListPaymentsByAccount(_ context.Context, accountID uint, limit int) ([]models.BillingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BillingPayment
	for i := len(m.payments) - 1; i >= 0; i-- {
		if m.payments[i].AccountID == accountID {
			out = append(out, m.payments[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepo) sortedSubs(match func(models.BillingSubscription) bool) []models.BillingSubscription {
	var out []models.BillingSubscription
	for _, s := range m.subs {
		if match(s) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *memoryRepo) ListSubscriptionsByRef(_ context.Context, subscriptionID string) ([]models.BillingSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedSubs(func(s models.BillingSubscription) bool {
		return s.ProviderSubscriptionID == subscriptionID
	}), nil
}

func (m *memoryRepo) ListActiveSubscriptions(_ context.Context, accountID uint) ([]models.BillingSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeOverride != nil {
		return m.activeOverride(accountID), nil
	}
	return m.sortedSubs(func(s models.BillingSubscription) bool {
		return s.AccountID == accountID && s.Status == models.SubscriptionStatusActive
	}), nil
}

func (m *memoryRepo) ListSubscriptionsByAccount(_ context.Context, accountID uint) ([]models.BillingSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedSubs(func(s models.BillingSubscription) bool { return s.AccountID == accountID }), nil
}

func (m *memoryRepo) CreateSubscription(_ context.Context, sub *models.BillingSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateSubscription != nil {
		return m.failCreateSubscription
	}
	sub.ID = m.id()
	sub.CreatedAt = m.tick()
	sub.UpdatedAt = sub.CreatedAt
	m.subs = append(m.subs, *sub)
	return nil
}

func (m *memoryRepo) SaveSubscription(_ context.Context, sub *models.BillingSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.subs {
		if m.subs[i].ID == sub.ID {
			sub.UpdatedAt = m.tick()
			m.subs[i] = *sub
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (m *memoryRepo) CancelSubscriptions(_ context.Context, ids []uint, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		for i := range m.subs {
			if m.subs[i].ID == id && !m.subs[i].IsCanceled() {
				ended := endedAt
				m.subs[i].Status = models.SubscriptionStatusCanceled
				m.subs[i].EndedAt = &ended
			}
		}
	}
	return nil
}

// seedSubscription inserts a row directly, bypassing the state machine.
func (m *memoryRepo) seedSubscription(sub models.BillingSubscription) models.BillingSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.ID = m.id()
	sub.CreatedAt = m.tick()
	m.subs = append(m.subs, sub)
	return sub
}

func (m *memoryRepo) subscription(id uint) models.BillingSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ID == id {
			return s
		}
	}
	return models.BillingSubscription{}
}

func (m *memoryRepo) activeCount(accountID uint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if s.AccountID == accountID && s.Status == models.SubscriptionStatusActive {
			n++
		}
	}
	return n
}

func (m *memoryRepo) CreateAlert(_ context.Context, alert *models.ReconciliationAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert.ID = m.id()
	alert.CreatedAt = m.tick()
	m.alerts = append(m.alerts, *alert)
	return nil
}

func (m *memoryRepo) ListAlerts(_ context.Context, openOnly bool, limit int) ([]models.ReconciliationAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ReconciliationAlert
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if openOnly && m.alerts[i].ResolvedAt != nil {
			continue
		}
		out = append(out, m.alerts[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepo) ResolveAlert(_ context.Context, id uint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id && m.alerts[i].ResolvedAt == nil {
			resolved := at
			m.alerts[i].ResolvedAt = &resolved
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (m *memoryRepo) RecordWebhookEvent(_ context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRecordEvent != nil {
		return false, nil, m.failRecordEvent
	}
	for i := range m.events {
		e := &m.events[i]
		if e.Provider == event.Provider && e.ProviderEventID == event.ProviderEventID {
			e.Attempts++
			stored := *e
			return false, &stored, nil
		}
	}
	event.ID = m.id()
	event.Attempts = 1
	event.CreatedAt = m.tick()
	m.events = append(m.events, *event)
	stored := *event
	return true, &stored, nil
}

func (m *memoryRepo) MarkWebhookProcessed(_ context.Context, id uint, processingError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id {
			now := m.tick()
			m.events[i].ProcessedAt = &now
			m.events[i].ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (m *memoryRepo) FindWebhookEvent(_ context.Context, provider, eventID string) (*models.BillingWebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.Provider == provider && e.ProviderEventID == eventID {
			e := e
			return &e, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memoryRepo) paymentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

func (m *memoryRepo) alertCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}
