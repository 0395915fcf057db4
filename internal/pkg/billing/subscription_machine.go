package billing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ManuelReschke/billrecon/app/models"
	"github.com/ManuelReschke/billrecon/internal/pkg/keylock"
	"github.com/ManuelReschke/billrecon/internal/pkg/metrics"
	"github.com/ManuelReschke/billrecon/internal/pkg/notify"
	"github.com/ManuelReschke/billrecon/internal/pkg/plancatalog"
	"github.com/gofiber/fiber/v2/log"
)

// SubscriptionMachine applies subscription lifecycle events. An account
// has at most one active subscription; an upgrade cancels the old row and
// creates a new one under the same processor reference.
type SubscriptionMachine struct {
	repo      Repository
	plans     PlanResolver
	processor ProcessorClient
	notifier  notify.Notifier
	locker    keylock.Locker
	now       func() time.Time
}

// NewSubscriptionMachine creates a state machine. processor and notifier may
// be nil; a nil locker serializes accounts within this process only.
func NewSubscriptionMachine(repo Repository, plans PlanResolver, processor ProcessorClient, notifier notify.Notifier, locker keylock.Locker) *SubscriptionMachine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if locker == nil {
		locker = keylock.NewLocal()
	}
	return &SubscriptionMachine{
		repo:      repo,
		plans:     plans,
		processor: processor,
		notifier:  notifier,
		locker:    locker,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func accountLockKey(accountID uint) string {
	return "account:" + strconv.FormatUint(uint64(accountID), 10)
}

// Apply handles a created or updated event.
func (m *SubscriptionMachine) Apply(ctx context.Context, ev *Event, sub *Subscription) (*TransitionResult, error) {
	if sub.PriceID == "" {
		return nil, fmt.Errorf("%w: subscription %s carries no price", ErrPlanResolution, sub.ID)
	}
	plan, err := m.plans.Resolve(sub.PriceID)
	if err != nil {
		return nil, planResolution(sub.PriceID, err)
	}

	account, err := resolveAccount(ctx, m.repo, sub.CustomerID, sub.Metadata)
	if err != nil {
		return nil, err
	}
	if account == nil {
		log.Warnw("[Billing] Subscription for unlinked customer deferred",
			"event_id", ev.ID, "subscription_id", sub.ID, "customer_id", sub.CustomerID)
		return nil, unlinked(sub.CustomerID)
	}

	unlock, err := m.locker.Lock(ctx, accountLockKey(account.AccountID))
	if err != nil {
		return nil, transient(err)
	}
	defer unlock()

	status := MapStatus(sub.Status)
	now := m.now()
	result := &TransitionResult{}

	err = m.repo.Transaction(ctx, func(tx Repository) error {
		result.Canceled, result.Healed = nil, 0

		rows, err := tx.ListSubscriptionsByRef(ctx, sub.ID)
		if err != nil {
			return err
		}

		var latest *models.BillingSubscription
		if len(rows) > 0 {
			latest = &rows[0]
			var stale []uint
			for _, row := range rows[1:] {
				if !row.IsCanceled() {
					stale = append(stale, row.ID)
				}
			}
			if len(stale) > 0 {
				if err := tx.CancelSubscriptions(ctx, stale, now); err != nil {
					return err
				}
				result.Canceled = append(result.Canceled, stale...)
				result.Healed = len(stale)
			}
		}

		switch {
		case latest == nil:
			row := newSubscriptionRow(account.AccountID, sub, plan, status, startOf(sub, now), now)
			if err := tx.CreateSubscription(ctx, row); err != nil {
				return err
			}
			if status == models.SubscriptionStatusActive {
				if err := m.cancelOtherActive(ctx, tx, account.AccountID, row.ID, now, result); err != nil {
					return err
				}
			}
			result.Kind, result.Subscription = TransitionCreated, row

		case latest.IsCanceled() && latest.PlanID == plan.PlanID:
			// canceled is terminal for the plan it was canceled on
			result.Kind, result.Subscription = TransitionNoop, latest
			result.Skipped, result.Reason = true, ReasonTerminal

		case latest.PlanID != plan.PlanID:
			if !latest.IsCanceled() {
				if err := tx.CancelSubscriptions(ctx, []uint{latest.ID}, now); err != nil {
					return err
				}
				result.Canceled = append(result.Canceled, latest.ID)
			}

			row := newSubscriptionRow(account.AccountID, sub, plan, status, now, now)
			if err := tx.CreateSubscription(ctx, row); err != nil {
				return err
			}
			if err := m.cancelOtherActive(ctx, tx, account.AccountID, row.ID, now, result); err != nil {
				return err
			}
			result.Kind, result.Subscription = TransitionSuperseded, row

		default:
			latest.Status = status
			latest.PlanName = plan.PlanName
			latest.ProviderPriceRef = plan.PriceID
			latest.BillingInterval = plan.Interval
			latest.AmountPerCycle = plan.Amount
			if status == models.SubscriptionStatusCanceled {
				latest.EndedAt = &now
			}
			if err := tx.SaveSubscription(ctx, latest); err != nil {
				return err
			}
			if status == models.SubscriptionStatusActive {
				if err := m.cancelOtherActive(ctx, tx, account.AccountID, latest.ID, now, result); err != nil {
					return err
				}
			}
			result.Kind, result.Subscription = TransitionUpdated, latest
		}
		return nil
	})
	if err != nil {
		log.Errorw("[Billing] Subscription transition rolled back",
			"event_id", ev.ID, "subscription_id", sub.ID, "account_id", account.AccountID, "error", err)
		return nil, transient(err)
	}

	if result.Healed > 0 {
		log.Warnw("[Billing] Canceled duplicate rows for subscription",
			"subscription_id", sub.ID, "count", result.Healed)
		metrics.SubscriptionTransitionsTotal.WithLabelValues("healed").Add(float64(result.Healed))
	}
	metrics.SubscriptionTransitionsTotal.WithLabelValues(result.Kind).Inc()
	log.Infow("[Billing] Subscription event applied",
		"event_id", ev.ID, "subscription_id", sub.ID, "account_id", account.AccountID,
		"kind", result.Kind, "plan", plan.PlanID, "status", status)

	expectActive := status == models.SubscriptionStatusActive && result.Kind != TransitionNoop
	result.Alert = m.checkActiveCount(ctx, ev, account.AccountID, sub.ID, expectActive)

	if result.Kind != TransitionNoop {
		action := notify.ActionUpdated
		if result.Kind == TransitionCreated || result.Kind == TransitionSuperseded {
			action = notify.ActionCreated
		}
		notifyAfterCommit(ctx, m.notifier, account.AccountID, notify.ResourceSubscription, action, result.Subscription)
	}
	if result.Kind == TransitionCreated || result.Kind == TransitionSuperseded {
		m.checkPriceDrift(ctx, ev, account.AccountID, sub.ID, plan)
	}
	return result, nil
}

// Cancel handles a subscription deleted event. Every row under the
// reference is moved to canceled; repeating the event changes nothing.
func (m *SubscriptionMachine) Cancel(ctx context.Context, ev *Event, sub *Subscription) (*TransitionResult, error) {
	rows, err := m.repo.ListSubscriptionsByRef(ctx, sub.ID)
	if err != nil {
		return nil, transient(err)
	}
	if len(rows) == 0 {
		log.Warnw("[Billing] Cancel for unknown subscription skipped", "event_id", ev.ID, "subscription_id", sub.ID)
		return &TransitionResult{Kind: TransitionNoop, Skipped: true, Reason: ReasonDuplicate}, nil
	}
	accountID := rows[0].AccountID

	unlock, err := m.locker.Lock(ctx, accountLockKey(accountID))
	if err != nil {
		return nil, transient(err)
	}
	defer unlock()

	now := m.now()
	result := &TransitionResult{Kind: TransitionNoop}
	err = m.repo.Transaction(ctx, func(tx Repository) error {
		result.Canceled = nil
		rows, err := tx.ListSubscriptionsByRef(ctx, sub.ID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if !row.IsCanceled() {
				result.Canceled = append(result.Canceled, row.ID)
			}
		}
		if len(result.Canceled) == 0 {
			result.Subscription = &rows[0]
			return nil
		}
		if err := tx.CancelSubscriptions(ctx, result.Canceled, now); err != nil {
			return err
		}
		latest := rows[0]
		latest.Status = models.SubscriptionStatusCanceled
		latest.EndedAt = &now
		result.Kind, result.Subscription = TransitionCanceled, &latest
		return nil
	})
	if err != nil {
		return nil, transient(err)
	}

	metrics.SubscriptionTransitionsTotal.WithLabelValues(result.Kind).Inc()
	if result.Kind == TransitionCanceled {
		log.Infow("[Billing] Subscription canceled",
			"event_id", ev.ID, "subscription_id", sub.ID, "account_id", accountID, "rows", len(result.Canceled))
		notifyAfterCommit(ctx, m.notifier, accountID, notify.ResourceSubscription, notify.ActionCanceled, result.Subscription)
	}
	result.Alert = m.checkActiveCount(ctx, ev, accountID, sub.ID, false)
	return result, nil
}

func (m *SubscriptionMachine) cancelOtherActive(ctx context.Context, tx Repository, accountID, keepID uint, now time.Time, result *TransitionResult) error {
	active, err := tx.ListActiveSubscriptions(ctx, accountID)
	if err != nil {
		return err
	}
	var ids []uint
	for _, row := range active {
		if row.ID != keepID {
			ids = append(ids, row.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := tx.CancelSubscriptions(ctx, ids, now); err != nil {
		return err
	}
	result.Canceled = append(result.Canceled, ids...)
	return nil
}

// checkActiveCount verifies at most one active row after commit. A
// violation is recorded as an alert and the event is still acknowledged.
func (m *SubscriptionMachine) checkActiveCount(ctx context.Context, ev *Event, accountID uint, subscriptionID string, expectActive bool) *models.ReconciliationAlert {
	active, err := m.repo.ListActiveSubscriptions(ctx, accountID)
	if err != nil {
		log.Warnw("[Billing] Active subscription check failed", "account_id", accountID, "error", err)
		return nil
	}
	n := len(active)
	if n < 2 && !(n == 0 && expectActive) {
		return nil
	}
	return recordAlert(ctx, m.repo, &models.ReconciliationAlert{
		Kind:                   models.AlertKindActiveCount,
		AccountID:              accountID,
		ProviderSubscriptionID: subscriptionID,
		EventID:                ev.ID,
		EventType:              ev.Type,
		Detail:                 fmt.Sprintf("%v: account has %d active subscriptions", ErrInvariantViolation, n),
	})
}

// checkPriceDrift compares the catalog amount with the processor's price.
// The catalog stays authoritative; a mismatch only raises an alert.
func (m *SubscriptionMachine) checkPriceDrift(ctx context.Context, ev *Event, accountID uint, subscriptionID string, plan plancatalog.Resolution) {
	if m.processor == nil {
		return
	}
	price, err := m.processor.GetPrice(ctx, plan.PriceID)
	if err != nil {
		log.Debugf("[Billing] Price drift check skipped for %s: %v", plan.PriceID, err)
		return
	}
	if price.UnitAmount == plan.Amount {
		return
	}
	recordAlert(ctx, m.repo, &models.ReconciliationAlert{
		Kind:                   models.AlertKindPriceDivergence,
		AccountID:              accountID,
		ProviderSubscriptionID: subscriptionID,
		EventID:                ev.ID,
		EventType:              ev.Type,
		Detail: fmt.Sprintf("price %s: catalog amount %d, processor amount %d",
			plan.PriceID, plan.Amount, price.UnitAmount),
	})
}

func recordAlert(ctx context.Context, repo Repository, alert *models.ReconciliationAlert) *models.ReconciliationAlert {
	log.Errorw("[Billing] Reconciliation alert",
		"kind", alert.Kind, "account_id", alert.AccountID, "event_id", alert.EventID, "detail", alert.Detail)
	metrics.ReconciliationAlertsTotal.WithLabelValues(alert.Kind).Inc()
	if err := repo.CreateAlert(ctx, alert); err != nil {
		log.Errorw("[Billing] Failed to store reconciliation alert", "kind", alert.Kind, "error", err)
	}
	return alert
}

func newSubscriptionRow(accountID uint, sub *Subscription, plan plancatalog.Resolution, status string, startedAt, now time.Time) *models.BillingSubscription {
	row := &models.BillingSubscription{
		AccountID:              accountID,
		PlanID:                 plan.PlanID,
		PlanName:               plan.PlanName,
		ProviderSubscriptionID: sub.ID,
		ProviderPriceRef:       plan.PriceID,
		BillingInterval:        plan.Interval,
		AmountPerCycle:         plan.Amount,
		Status:                 status,
		StartedAt:              startedAt,
	}
	if status == models.SubscriptionStatusCanceled {
		ended := now
		row.EndedAt = &ended
	}
	return row
}

func startOf(sub *Subscription, now time.Time) time.Time {
	if !sub.StartDate.IsZero() {
		return sub.StartDate
	}
	return now
}
