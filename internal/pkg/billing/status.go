package billing

import (
	"strings"

	"github.com/ManuelReschke/billrecon/app/models"
)

// MapStatus maps a processor subscription status to the local lifecycle.
func MapStatus(external string) string {
	switch strings.ToLower(strings.TrimSpace(external)) {
	case "active":
		return models.SubscriptionStatusActive
	case "past_due", "unpaid":
		return models.SubscriptionStatusDelinquent
	case "canceled":
		return models.SubscriptionStatusCanceled
	case "trialing":
		return models.SubscriptionStatusTrialing
	default:
		return models.SubscriptionStatusPending
	}
}

// paymentTransitions lists the forward moves allowed for a stored payment.
// Settled payments have no entry and are never rewritten.
var paymentTransitions = map[string][]string{
	models.PaymentStatusPending:        {models.PaymentStatusActionRequired, models.PaymentStatusPaid, models.PaymentStatusFailed},
	models.PaymentStatusActionRequired: {models.PaymentStatusPaid, models.PaymentStatusFailed},
}

func canTransitionPayment(from, to string) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
