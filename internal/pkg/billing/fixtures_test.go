package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ManuelReschke/billrecon/internal/pkg/plancatalog"
	"github.com/stretchr/testify/require"
)

const (
	priceBasicMonthly = "price_basic_monthly"
	priceProMonthly   = "price_pro_monthly"
	priceProLegacy    = "price_pro_monthly_2024"
	priceProAnnual    = "price_pro_annual"

	basicMonthlyAmount = 4990
	proMonthlyAmount   = 9990
	proAnnualAmount    = 95880
)

func testCatalog(t *testing.T) *plancatalog.Catalog {
	t.Helper()
	c, err := plancatalog.New("test",
		[]plancatalog.Plan{
			{ID: "basic", Name: "Basic", MonthlyPrice: basicMonthlyAmount, AnnualPrice: 3990, AnnualTotalPrice: 47880},
			{ID: "pro", Name: "Pro", MonthlyPrice: proMonthlyAmount, AnnualPrice: 7990, AnnualTotalPrice: proAnnualAmount},
		},
		[]plancatalog.PriceMapping{
			{PriceID: priceBasicMonthly, PlanID: "basic", Interval: "monthly"},
			{PriceID: priceProMonthly, PlanID: "pro", Interval: "monthly"},
			{PriceID: priceProLegacy, PlanID: "pro", Interval: "monthly"},
			{PriceID: priceProAnnual, PlanID: "pro", Interval: "annual"},
		})
	require.NoError(t, err)
	return c
}

// eventPayload wraps object in a processor event envelope.
func eventPayload(t *testing.T, id, eventType string, object interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     1760000000,
		"api_version": "2025-08-27.basil",
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return b
}

func testEvent(t *testing.T, id, eventType string, object interface{}) *Event {
	t.Helper()
	ev, err := Decode(eventPayload(t, id, eventType, object))
	require.NoError(t, err)
	return ev
}

type invoiceFixture struct {
	ID           string
	Customer     string
	Subscription string
	Subtotal     int64
	AmountPaid   int64
	Lines        []map[string]interface{}
	HasMore      bool
	Metadata     map[string]string
}

func (f invoiceFixture) object() map[string]interface{} {
	obj := map[string]interface{}{
		"id":                 f.ID,
		"object":             "invoice",
		"customer":           f.Customer,
		"subscription":       f.Subscription,
		"currency":           "eur",
		"subtotal":           f.Subtotal,
		"amount_paid":        f.AmountPaid,
		"amount_due":         f.Subtotal,
		"hosted_invoice_url": "https://invoice.example.test/" + f.ID,
		"payment_intent":     "pi_" + f.ID,
		"lines":              map[string]interface{}{"data": f.Lines, "has_more": f.HasMore},
	}
	if f.Metadata != nil {
		obj["metadata"] = f.Metadata
	}
	return obj
}

func (f invoiceFixture) decode(t *testing.T) *Invoice {
	t.Helper()
	b, err := json.Marshal(f.object())
	require.NoError(t, err)
	inv, err := DecodeInvoice(b)
	require.NoError(t, err)
	return inv
}

func planLine(priceID string, amount int64) map[string]interface{} {
	return map[string]interface{}{
		"id":          "il_" + priceID,
		"amount":      amount,
		"description": "1 x plan",
		"proration":   false,
		"price":       map[string]interface{}{"id": priceID},
		"period":      map[string]interface{}{"start": 1759276800, "end": 1761955200},
	}
}

func prorationLine(priceID string, amount int64, description string) map[string]interface{} {
	return map[string]interface{}{
		"id":          fmt.Sprintf("il_proration_%d", amount),
		"amount":      amount,
		"description": description,
		"proration":   true,
		"price":       map[string]interface{}{"id": priceID},
	}
}

func subscriptionObject(id, customer, status, priceID string) map[string]interface{} {
	return map[string]interface{}{
		"id":         id,
		"object":     "subscription",
		"customer":   customer,
		"status":     status,
		"start_date": 1759276800,
		"items": map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{"price": map[string]interface{}{"id": priceID, "recurring": map[string]interface{}{"interval": "month"}}},
			},
		},
	}
}

func decodeSubscription(t *testing.T, obj map[string]interface{}) *Subscription {
	t.Helper()
	b, err := json.Marshal(obj)
	require.NoError(t, err)
	sub, err := DecodeSubscription(b)
	require.NoError(t, err)
	return sub
}

type fakeProcessor struct {
	mu            sync.Mutex
	invoices      map[string]*Invoice
	subscriptions map[string]*Subscription
	prices        map[string]*Price
	err           error
	calls         []string
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		invoices:      map[string]*Invoice{},
		subscriptions: map[string]*Subscription{},
		prices:        map[string]*Price{},
	}
}

func (f *fakeProcessor) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeProcessor) GetInvoice(_ context.Context, id string) (*Invoice, error) {
	if err := f.record("invoice:" + id); err != nil {
		return nil, err
	}
	if inv, ok := f.invoices[id]; ok {
		return inv, nil
	}
	return nil, errors.New("no such invoice")
}

func (f *fakeProcessor) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	if err := f.record("subscription:" + id); err != nil {
		return nil, err
	}
	if sub, ok := f.subscriptions[id]; ok {
		return sub, nil
	}
	return nil, errors.New("no such subscription")
}

func (f *fakeProcessor) GetPrice(_ context.Context, id string) (*Price, error) {
	if err := f.record("price:" + id); err != nil {
		return nil, err
	}
	if p, ok := f.prices[id]; ok {
		return p, nil
	}
	return nil, errors.New("no such price")
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, accountID uint, resource, action string, _ interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, fmt.Sprintf("%d:%s:%s", accountID, resource, action))
	return n.err
}

func (n *recordingNotifier) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}
