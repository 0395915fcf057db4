package billing

import (
	"encoding/json"
	"strings"
	"time"
)

// EventKind is the capability an inbound event maps to, independent of the
// processor's literal event names.
type EventKind string

const (
	KindInvoiceCreated          EventKind = "invoice-created"
	KindInvoicePaymentSucceeded EventKind = "invoice-payment-succeeded"
	KindInvoicePaymentFailed    EventKind = "invoice-payment-failed"
	KindInvoiceActionRequired   EventKind = "invoice-action-required"
	KindSubscriptionCreated     EventKind = "subscription-created"
	KindSubscriptionUpdated     EventKind = "subscription-updated"
	KindSubscriptionCanceled    EventKind = "subscription-canceled"
	KindPaymentMethodAttached   EventKind = "payment-method-attached"
	KindUnknown                 EventKind = "unknown"
)

// KindOf maps a processor event type to its capability.
func KindOf(eventType string) EventKind {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "invoice.created":
		return KindInvoiceCreated
	case "invoice.payment_succeeded", "invoice.paid":
		return KindInvoicePaymentSucceeded
	case "invoice.payment_failed":
		return KindInvoicePaymentFailed
	case "invoice.payment_action_required":
		return KindInvoiceActionRequired
	case "customer.subscription.created":
		return KindSubscriptionCreated
	case "customer.subscription.updated", "customer.subscription.trial_will_end":
		return KindSubscriptionUpdated
	case "customer.subscription.deleted":
		return KindSubscriptionCanceled
	case "payment_method.attached":
		return KindPaymentMethodAttached
	default:
		return KindUnknown
	}
}

// IsInvoice reports whether the kind carries an invoice object.
func (k EventKind) IsInvoice() bool {
	switch k {
	case KindInvoiceCreated, KindInvoicePaymentSucceeded, KindInvoicePaymentFailed, KindInvoiceActionRequired:
		return true
	}
	return false
}

// IsSubscription reports whether the kind carries a subscription object.
func (k EventKind) IsSubscription() bool {
	switch k {
	case KindSubscriptionCreated, KindSubscriptionUpdated, KindSubscriptionCanceled:
		return true
	}
	return false
}

// Event is a verified, decoded inbound event.
type Event struct {
	ID       string
	Type     string
	Kind     EventKind
	Created  time.Time
	Verified bool
	Object   json.RawMessage
}
