package billing

import (
	"github.com/ManuelReschke/billrecon/app/models"
	"github.com/ManuelReschke/billrecon/internal/pkg/plancatalog"
)

// PlanResolver maps a processor price id to a plan and cycle price.
// *plancatalog.Catalog satisfies it.
type PlanResolver interface {
	Resolve(priceID string) (plancatalog.Resolution, error)
}

// Skip reasons reported for events that change nothing.
const (
	ReasonDuplicate       = "duplicate"
	ReasonUnlinkedAccount = "unlinked_account"
	ReasonIgnored         = "ignored"
	ReasonTerminal        = "terminal"
)

// ReconcileResult describes what the reconciler did with an invoice event.
type ReconcileResult struct {
	Payment *models.BillingPayment
	// Action is "created" or "transitioned" when a row was written.
	Action  string
	Skipped bool
	Reason  string
	// Divergent is set when the card amount exceeded the catalog price.
	Divergent bool
}

// Subscription transition kinds.
const (
	TransitionCreated    = "created"
	TransitionSuperseded = "superseded"
	TransitionUpdated    = "updated"
	TransitionCanceled   = "canceled"
	TransitionNoop       = "noop"
)

// TransitionResult describes what the state machine did with a subscription
// event.
type TransitionResult struct {
	Subscription *models.BillingSubscription
	Kind         string
	// Canceled lists row ids moved to canceled by this event, including
	// self-healed duplicates.
	Canceled []uint
	Healed   int
	Skipped  bool
	Reason   string
	Alert    *models.ReconciliationAlert
}

// Dispatch statuses returned to the webhook caller.
const (
	StatusProcessed = "processed"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
	StatusSkipped   = "skipped"
)

// Result is the outcome of dispatching one inbound event.
type Result struct {
	EventID   string
	EventType string
	Status    string
	Reason    string
	Verified  bool
}
