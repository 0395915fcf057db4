package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Invoice is the processor invoice reduced to the fields reconciliation uses.
type Invoice struct {
	ID               string
	CustomerID       string
	SubscriptionID   string
	PaymentIntentID  string
	Currency         string
	Subtotal         int64
	AmountPaid       int64
	AmountDue        int64
	HostedInvoiceURL string
	BillingReason    string
	Lines            []InvoiceLine
	LinesComplete    bool
	Metadata         map[string]string
}

// InvoiceLine is one invoice line item.
type InvoiceLine struct {
	ID          string
	Amount      int64
	Description string
	PriceID     string
	// Proration is nil when the payload carries no structured proration flag.
	Proration   *bool
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Subscription is the processor subscription reduced to what the state
// machine uses.
type Subscription struct {
	ID         string
	CustomerID string
	Status     string
	PriceID    string
	Interval   string
	StartDate  time.Time
	Metadata   map[string]string
}

// Price is a processor price.
type Price struct {
	ID         string
	UnitAmount int64
	Currency   string
	Interval   string
}

// expandableID accepts either a bare id or an expanded object with an id.
type expandableID string

func (x *expandableID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*x = expandableID(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*x = expandableID(strings.TrimSpace(obj.ID))
	return nil
}

type rawPeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type rawInvoiceLine struct {
	ID          string       `json:"id"`
	Amount      int64        `json:"amount"`
	Description string       `json:"description"`
	Proration   *bool        `json:"proration"`
	Price       expandableID `json:"price"`
	Pricing     *struct {
		PriceDetails *struct {
			Price expandableID `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
	Parent *struct {
		SubscriptionItemDetails *struct {
			Proration *bool `json:"proration"`
		} `json:"subscription_item_details"`
	} `json:"parent"`
	Period rawPeriod `json:"period"`
}

type rawInvoice struct {
	ID               string            `json:"id"`
	Customer         expandableID      `json:"customer"`
	Subscription     expandableID      `json:"subscription"`
	PaymentIntent    expandableID      `json:"payment_intent"`
	Currency         string            `json:"currency"`
	Subtotal         int64             `json:"subtotal"`
	AmountPaid       int64             `json:"amount_paid"`
	AmountDue        int64             `json:"amount_due"`
	HostedInvoiceURL string            `json:"hosted_invoice_url"`
	BillingReason    string            `json:"billing_reason"`
	Metadata         map[string]string `json:"metadata"`
	// legacy layout
	SubscriptionDetails *rawSubscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *rawSubscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Payments *struct {
		Data []struct {
			Payment struct {
				PaymentIntent expandableID `json:"payment_intent"`
			} `json:"payment"`
			Status string `json:"status"`
		} `json:"data"`
	} `json:"payments"`
	Lines struct {
		Data    []rawInvoiceLine `json:"data"`
		HasMore bool             `json:"has_more"`
	} `json:"lines"`
}

// DecodeInvoice decodes an invoice object. Both the legacy layout
// (subscription, payment_intent and proration on the invoice/line) and the
// parent/pricing layout are understood.
func DecodeInvoice(data []byte) (*Invoice, error) {
	var raw rawInvoice
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode invoice: %v", ErrPayload, err)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, fmt.Errorf("%w: invoice missing id", ErrPayload)
	}

	inv := &Invoice{
		ID:               strings.TrimSpace(raw.ID),
		CustomerID:       string(raw.Customer),
		SubscriptionID:   string(raw.Subscription),
		PaymentIntentID:  string(raw.PaymentIntent),
		Currency:         strings.ToLower(raw.Currency),
		Subtotal:         raw.Subtotal,
		AmountPaid:       raw.AmountPaid,
		AmountDue:        raw.AmountDue,
		HostedInvoiceURL: raw.HostedInvoiceURL,
		BillingReason:    raw.BillingReason,
		LinesComplete:    !raw.Lines.HasMore,
		Metadata:         map[string]string{},
	}
	for k, v := range raw.Metadata {
		inv.Metadata[k] = v
	}

	if details := subscriptionDetails(&raw); details != nil {
		if inv.SubscriptionID == "" {
			inv.SubscriptionID = string(details.Subscription)
		}
		for k, v := range details.Metadata {
			if _, ok := inv.Metadata[k]; !ok {
				inv.Metadata[k] = v
			}
		}
	}
	if inv.PaymentIntentID == "" && raw.Payments != nil {
		for _, p := range raw.Payments.Data {
			if id := string(p.Payment.PaymentIntent); id != "" {
				inv.PaymentIntentID = id
				if p.Status == "paid" {
					break
				}
			}
		}
	}

	for _, l := range raw.Lines.Data {
		inv.Lines = append(inv.Lines, lineFromRaw(l))
	}
	return inv, nil
}

// DecodeInvoiceLines decodes line item objects listed separately from their
// invoice.
func DecodeInvoiceLines(items []json.RawMessage) ([]InvoiceLine, error) {
	lines := make([]InvoiceLine, 0, len(items))
	for _, item := range items {
		var l rawInvoiceLine
		if err := json.Unmarshal(item, &l); err != nil {
			return nil, fmt.Errorf("%w: decode invoice line: %v", ErrPayload, err)
		}
		lines = append(lines, lineFromRaw(l))
	}
	return lines, nil
}

func lineFromRaw(l rawInvoiceLine) InvoiceLine {
	line := InvoiceLine{
		ID:          l.ID,
		Amount:      l.Amount,
		Description: l.Description,
		PriceID:     string(l.Price),
		Proration:   l.Proration,
		PeriodStart: unixTime(l.Period.Start),
		PeriodEnd:   unixTime(l.Period.End),
	}
	if line.PriceID == "" && l.Pricing != nil && l.Pricing.PriceDetails != nil {
		line.PriceID = string(l.Pricing.PriceDetails.Price)
	}
	if line.Proration == nil && l.Parent != nil && l.Parent.SubscriptionItemDetails != nil {
		line.Proration = l.Parent.SubscriptionItemDetails.Proration
	}
	return line
}

type rawSubscriptionDetails struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// subscriptionDetails prefers the parent layout and falls back to the legacy
// top-level subscription_details.
func subscriptionDetails(raw *rawInvoice) *rawSubscriptionDetails {
	if raw.Parent != nil && raw.Parent.SubscriptionDetails != nil {
		return raw.Parent.SubscriptionDetails
	}
	return raw.SubscriptionDetails
}

type rawSubscription struct {
	ID        string            `json:"id"`
	Customer  expandableID      `json:"customer"`
	Status    string            `json:"status"`
	StartDate int64             `json:"start_date"`
	Metadata  map[string]string `json:"metadata"`
	Items     struct {
		Data []struct {
			Price rawPrice `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type rawPrice struct {
	ID         string `json:"id"`
	UnitAmount int64  `json:"unit_amount"`
	Currency   string `json:"currency"`
	Recurring  *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

func (p rawPrice) interval() string {
	if p.Recurring == nil {
		return ""
	}
	return p.Recurring.Interval
}

// DecodeSubscription decodes a subscription object. The first item's price
// is the subscription's price.
func DecodeSubscription(data []byte) (*Subscription, error) {
	var raw rawSubscription
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %v", ErrPayload, err)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, fmt.Errorf("%w: subscription missing id", ErrPayload)
	}
	sub := &Subscription{
		ID:         strings.TrimSpace(raw.ID),
		CustomerID: string(raw.Customer),
		Status:     strings.ToLower(strings.TrimSpace(raw.Status)),
		StartDate:  unixTime(raw.StartDate),
		Metadata:   raw.Metadata,
	}
	if len(raw.Items.Data) > 0 {
		sub.PriceID = strings.TrimSpace(raw.Items.Data[0].Price.ID)
		sub.Interval = raw.Items.Data[0].Price.interval()
	}
	return sub, nil
}

// DecodePrice decodes a price object.
func DecodePrice(data []byte) (*Price, error) {
	var raw rawPrice
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode price: %v", ErrPayload, err)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, fmt.Errorf("%w: price missing id", ErrPayload)
	}
	return &Price{
		ID:         raw.ID,
		UnitAmount: raw.UnitAmount,
		Currency:   strings.ToLower(raw.Currency),
		Interval:   raw.interval(),
	}, nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// IsProration reports whether the line is a proration. Lines without the
// structured flag fall back to the processor's description wording.
func (l InvoiceLine) IsProration() bool {
	if l.Proration != nil {
		return *l.Proration
	}
	return isUnusedTimeDescription(l.Description) || isRemainingTimeDescription(l.Description)
}

// PlanPriceID picks the price that describes the plan being billed: the first
// regular line, else the charge side of a proration, else any priced line.
func (inv *Invoice) PlanPriceID() string {
	for _, l := range inv.Lines {
		if l.PriceID != "" && !l.IsProration() {
			return l.PriceID
		}
	}
	for _, l := range inv.Lines {
		if l.PriceID != "" && l.Amount > 0 {
			return l.PriceID
		}
	}
	for _, l := range inv.Lines {
		if l.PriceID != "" {
			return l.PriceID
		}
	}
	return ""
}

// ProrationOnly reports whether every line is a proration, in which case
// the subtotal is a plan-change delta rather than a plan price.
func (inv *Invoice) ProrationOnly() bool {
	if len(inv.Lines) == 0 {
		return false
	}
	for _, l := range inv.Lines {
		if !l.IsProration() {
			return false
		}
	}
	return true
}

// BillingPeriod labels the period covered by the plan line, falling back to
// the interval name.
func (inv *Invoice) BillingPeriod(interval string) string {
	for _, l := range inv.Lines {
		if !l.PeriodStart.IsZero() && !l.PeriodEnd.IsZero() && !l.IsProration() {
			return l.PeriodStart.Format("2006-01-02") + "/" + l.PeriodEnd.Format("2006-01-02")
		}
	}
	return interval
}
