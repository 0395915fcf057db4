package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/billrecon/app/models"
	"github.com/ManuelReschke/billrecon/internal/pkg/metrics"
	"github.com/ManuelReschke/billrecon/internal/pkg/notify"
	"github.com/ManuelReschke/billrecon/internal/pkg/plancatalog"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

const notifyTimeout = 5 * time.Second

// Reconciler turns invoice events into payment records. One record exists
// per invoice; later events for the same invoice may only move it forward
// (pending or action required, to paid or failed).
type Reconciler struct {
	repo      Repository
	plans     PlanResolver
	processor ProcessorClient
	notifier  notify.Notifier
}

// NewReconciler creates a reconciler. processor and notifier may be nil.
func NewReconciler(repo Repository, plans PlanResolver, processor ProcessorClient, notifier notify.Notifier) *Reconciler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Reconciler{repo: repo, plans: plans, processor: processor, notifier: notifier}
}

func paymentStatusFor(kind EventKind) (string, bool) {
	switch kind {
	case KindInvoicePaymentSucceeded:
		return models.PaymentStatusPaid, true
	case KindInvoicePaymentFailed:
		return models.PaymentStatusFailed, true
	case KindInvoiceActionRequired:
		return models.PaymentStatusActionRequired, true
	case KindInvoiceCreated:
		return models.PaymentStatusPending, true
	default:
		return "", false
	}
}

// Reconcile applies one invoice event. The caller serializes calls per
// invoice; the unique invoice key still guards against concurrent inserts.
func (r *Reconciler) Reconcile(ctx context.Context, ev *Event, inv *Invoice) (*ReconcileResult, error) {
	target, ok := paymentStatusFor(ev.Kind)
	if !ok {
		return &ReconcileResult{Skipped: true, Reason: ReasonIgnored}, nil
	}

	existing, err := r.repo.FindPaymentByInvoice(ctx, inv.ID)
	switch {
	case err == nil:
		return r.transition(ctx, ev, inv, existing, target)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, transient(err)
	}

	// the plan is resolved before anything is written, linking included
	plan, err := r.resolvePlan(ctx, inv)
	if err != nil {
		return nil, err
	}

	account, err := r.resolveInvoiceAccount(ctx, inv)
	if err != nil {
		return nil, err
	}
	if account == nil {
		log.Warnw("[Billing] Invoice for unlinked customer deferred",
			"event_id", ev.ID, "invoice_id", inv.ID, "customer_id", inv.CustomerID)
		metrics.PaymentsReconciledTotal.WithLabelValues(ReasonUnlinkedAccount, "").Inc()
		return nil, unlinked(inv.CustomerID)
	}

	payment := &models.BillingPayment{
		AccountID:               account.AccountID,
		ProviderInvoiceID:       inv.ID,
		ProviderPaymentIntentID: optionalString(inv.PaymentIntentID),
		ProviderSubscriptionID:  inv.SubscriptionID,
		Currency:                inv.Currency,
		Status:                  target,
		PlanName:                plan.PlanName,
		BillingPeriod:           inv.BillingPeriod(plan.Interval),
		InvoiceURL:              inv.HostedInvoiceURL,
	}
	divergent := r.applyAmounts(ctx, payment, inv, plan.Amount)

	created, err := r.repo.CreatePaymentIfNotExists(ctx, payment)
	if err != nil {
		return nil, transient(err)
	}
	if !created {
		// another delivery inserted the row first
		metrics.PaymentsReconciledTotal.WithLabelValues(ReasonDuplicate, "").Inc()
		return &ReconcileResult{Skipped: true, Reason: ReasonDuplicate}, nil
	}

	log.Infow("[Billing] Payment recorded",
		"event_id", ev.ID, "invoice_id", inv.ID, "account_id", payment.AccountID,
		"status", payment.Status, "method", payment.PaymentMethod,
		"total", payment.TotalAmount, "card", payment.CardAmount, "credit", payment.CreditAmount)
	metrics.PaymentsReconciledTotal.WithLabelValues("created", payment.PaymentMethod).Inc()
	notifyAfterCommit(ctx, r.notifier, payment.AccountID, notify.ResourcePayment, notify.ActionCreated, payment)
	if divergent {
		r.alertDivergence(ctx, ev, payment)
	}

	return &ReconcileResult{Payment: payment, Action: "created", Divergent: divergent}, nil
}

// transition moves an existing record forward. Anything that is not a
// permitted forward move is a duplicate delivery.
func (r *Reconciler) transition(ctx context.Context, ev *Event, inv *Invoice, existing *models.BillingPayment, target string) (*ReconcileResult, error) {
	if !canTransitionPayment(existing.Status, target) {
		metrics.PaymentsReconciledTotal.WithLabelValues(ReasonDuplicate, "").Inc()
		return &ReconcileResult{Payment: existing, Skipped: true, Reason: ReasonDuplicate}, nil
	}

	updated := *existing
	updated.Status = target
	if inv.PaymentIntentID != "" {
		updated.ProviderPaymentIntentID = optionalString(inv.PaymentIntentID)
	}
	if inv.HostedInvoiceURL != "" {
		updated.InvoiceURL = inv.HostedInvoiceURL
	}
	// a non-settled row always carries the plan price as its total
	divergent := r.applyAmounts(ctx, &updated, inv, existing.TotalAmount)

	ok, err := r.repo.TransitionPayment(ctx, &updated, []string{existing.Status})
	if err != nil {
		return nil, transient(err)
	}
	if !ok {
		metrics.PaymentsReconciledTotal.WithLabelValues(ReasonDuplicate, "").Inc()
		return &ReconcileResult{Payment: existing, Skipped: true, Reason: ReasonDuplicate}, nil
	}

	log.Infow("[Billing] Payment transitioned",
		"invoice_id", inv.ID, "account_id", updated.AccountID,
		"from", existing.Status, "to", updated.Status, "method", updated.PaymentMethod)
	metrics.PaymentsReconciledTotal.WithLabelValues("transitioned", updated.PaymentMethod).Inc()
	notifyAfterCommit(ctx, r.notifier, updated.AccountID, notify.ResourcePayment, notify.ActionUpdated, &updated)
	if divergent {
		r.alertDivergence(ctx, ev, &updated)
	}

	return &ReconcileResult{Payment: &updated, Action: "transitioned", Divergent: divergent}, nil
}

// applyAmounts fills the amount fields for p.Status. Only paid records are
// split; every other status records the whole plan price as card.
func (r *Reconciler) applyAmounts(ctx context.Context, p *models.BillingPayment, inv *Invoice, planAmount int64) bool {
	if p.Status != models.PaymentStatusPaid {
		p.TotalAmount, p.CardAmount, p.CreditAmount = planAmount, planAmount, 0
		p.PaymentMethod = models.PaymentMethodCard
		return false
	}

	split := Classify(inv.Subtotal, inv.AmountPaid, planAmount, inv.ProrationOnly())
	p.TotalAmount, p.CardAmount, p.CreditAmount = split.Total, split.Card, split.Credit
	p.PaymentMethod = split.Method
	if split.Divergent {
		log.Warnw("[Billing] Card amount exceeds plan price",
			"invoice_id", inv.ID, "card", split.Card, "plan_amount", planAmount)
	} else if inv.Subtotal != planAmount && !inv.ProrationOnly() {
		log.Infow("[Billing] Invoice subtotal differs from plan price",
			"invoice_id", inv.ID, "subtotal", inv.Subtotal, "plan_amount", planAmount)
	}

	if credit, ok := r.unusedTimeCredit(ctx, inv); ok {
		p.UnusedTimeCredit = &credit
	}
	return split.Divergent
}

// alertDivergence reports a paid record whose card amount exceeded the plan
// price. The record keeps the card amount as its total.
func (r *Reconciler) alertDivergence(ctx context.Context, ev *Event, p *models.BillingPayment) {
	recordAlert(ctx, r.repo, &models.ReconciliationAlert{
		Kind:                   models.AlertKindSplitMismatch,
		AccountID:              p.AccountID,
		ProviderSubscriptionID: p.ProviderSubscriptionID,
		ProviderInvoiceID:      p.ProviderInvoiceID,
		EventID:                ev.ID,
		EventType:              ev.Type,
		Detail:                 fmt.Sprintf("%v: card amount %d exceeds the %s plan price", ErrInvariantViolation, p.CardAmount, p.PlanName),
	})
}

// unusedTimeCredit computes the proration credit, fetching the full line
// list when the payload was truncated. A failed fetch skips the value.
func (r *Reconciler) unusedTimeCredit(ctx context.Context, inv *Invoice) (int64, bool) {
	lines := inv.Lines
	if !inv.LinesComplete && r.processor != nil {
		full, err := r.processor.GetInvoice(ctx, inv.ID)
		if err != nil {
			log.Warnw("[Billing] Could not fetch invoice lines; unused time credit skipped",
				"invoice_id", inv.ID, "error", err)
			return 0, false
		}
		if !full.LinesComplete {
			log.Warnw("[Billing] Invoice lines still incomplete; unused time credit skipped",
				"invoice_id", inv.ID)
			return 0, false
		}
		lines = full.Lines
	}
	return UnusedTimeCredit(lines)
}

// resolveInvoiceAccount resolves the invoice's customer, falling back to the
// subscription's metadata when the invoice carries no account id.
func (r *Reconciler) resolveInvoiceAccount(ctx context.Context, inv *Invoice) (*models.BillingAccount, error) {
	account, err := resolveAccount(ctx, r.repo, inv.CustomerID, inv.Metadata)
	if err != nil || account != nil {
		return account, err
	}
	if inv.SubscriptionID == "" || r.processor == nil {
		return nil, nil
	}
	sub, err := r.processor.GetSubscription(ctx, inv.SubscriptionID)
	if err != nil {
		return nil, transient(err)
	}
	return resolveAccount(ctx, r.repo, inv.CustomerID, sub.Metadata)
}

// resolvePlan maps the invoice to a catalog plan: the plan line's price
// first, the subscription's current price second.
func (r *Reconciler) resolvePlan(ctx context.Context, inv *Invoice) (plancatalog.Resolution, error) {
	priceID := inv.PlanPriceID()
	if priceID == "" && inv.SubscriptionID != "" && r.processor != nil {
		sub, err := r.processor.GetSubscription(ctx, inv.SubscriptionID)
		if err != nil {
			return plancatalog.Resolution{}, transient(err)
		}
		priceID = sub.PriceID
	}
	if priceID == "" {
		return plancatalog.Resolution{}, fmt.Errorf("%w: invoice %s carries no price", ErrPlanResolution, inv.ID)
	}
	res, err := r.plans.Resolve(priceID)
	if err != nil {
		return plancatalog.Resolution{}, planResolution(priceID, err)
	}
	return res, nil
}

// notifyAfterCommit publishes a change. The write is already durable, so a
// failure is only logged.
func notifyAfterCommit(ctx context.Context, n notify.Notifier, accountID uint, resource, action string, payload interface{}) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := n.Notify(ctx, accountID, resource, action, payload); err != nil {
		log.Warnw("[Billing] Notification failed",
			"account_id", accountID, "resource", resource, "action", action, "error", err)
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
