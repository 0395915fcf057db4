package billing

import (
	"strings"

	"github.com/ManuelReschke/billrecon/app/models"
)

// Split is the card/credit breakdown of one paid invoice.
// Card + Credit == Total always holds.
type Split struct {
	Total  int64
	Card   int64
	Credit int64
	Method string
	// Divergent is set when the processor collected more than the plan price.
	// Total then follows the card amount.
	Divergent bool
}

// Classify splits a paid invoice into card and credit portions.
//
// The record always carries the plan price as its total; the processor's
// subtotal is only used to decide between a full card payment and a hybrid.
// prorationOnly means the subtotal is a plan-change delta, so a partial card
// charge is credit-backed rather than card-only.
func Classify(subtotal, amountPaid, planAmount int64, prorationOnly bool) Split {
	var card int64
	var method string

	switch {
	case amountPaid <= 0:
		method = models.PaymentMethodCredit
	case amountPaid < subtotal:
		card = amountPaid
		method = models.PaymentMethodHybrid
	default:
		card = amountPaid
		method = models.PaymentMethodCard
	}

	s := Split{Total: planAmount, Card: card, Credit: planAmount - card, Method: method}
	if card > planAmount {
		s.Total, s.Credit, s.Divergent = card, 0, true
	}
	// a capped split no longer matches the subtotal-based method
	if prorationOnly || s.Divergent {
		s.Method = methodForSplit(s.Card, s.Credit)
	}
	return s
}

func methodForSplit(card, credit int64) string {
	switch {
	case card == 0:
		return models.PaymentMethodCredit
	case credit == 0:
		return models.PaymentMethodCard
	default:
		return models.PaymentMethodHybrid
	}
}

// UnusedTimeCredit sums the credit granted for unused time on a previous
// plan. The bool is false when no such line exists.
//
// Lines carrying the structured proration flag count when negative. Lines
// without it are matched on the processor's "Unused time" wording.
func UnusedTimeCredit(lines []InvoiceLine) (int64, bool) {
	var sum int64
	found := false
	for _, l := range lines {
		switch {
		case l.Proration != nil:
			if !*l.Proration || l.Amount >= 0 {
				continue
			}
		case !isUnusedTimeDescription(l.Description):
			continue
		}
		sum += abs(l.Amount)
		found = true
	}
	return sum, found
}

func isUnusedTimeDescription(d string) bool {
	return strings.Contains(strings.ToLower(d), "unused time")
}

func isRemainingTimeDescription(d string) bool {
	return strings.Contains(strings.ToLower(d), "remaining time")
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
