package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"golang.org/x/sync/singleflight"
)

// ProcessorClient reads objects back from the payment processor when a
// webhook payload does not carry everything reconciliation needs.
type ProcessorClient interface {
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetPrice(ctx context.Context, id string) (*Price, error)
}

const (
	defaultPriceCacheSize = 256
	defaultPriceCacheTTL  = 10 * time.Minute
)

// rawFetcher returns the raw JSON of processor objects.
type rawFetcher interface {
	invoice(ctx context.Context, id string) ([]byte, error)
	invoiceLines(ctx context.Context, id string) ([]json.RawMessage, error)
	subscription(ctx context.Context, id string) ([]byte, error)
	price(ctx context.Context, id string) ([]byte, error)
}

// StripeProcessor reads objects through the Stripe API. Responses are
// decoded with the same decoders as webhook payloads. Prices change rarely
// and are cached.
type StripeProcessor struct {
	fetch  rawFetcher
	prices *expirable.LRU[string, *Price]
	group  singleflight.Group
}

// NewStripeProcessor returns a client authenticated with apiKey.
func NewStripeProcessor(apiKey string) *StripeProcessor {
	api := &client.API{}
	api.Init(strings.TrimSpace(apiKey), nil)
	return newStripeProcessor(&stripeAPI{api: api}, defaultPriceCacheTTL)
}

func newStripeProcessor(fetch rawFetcher, priceTTL time.Duration) *StripeProcessor {
	return &StripeProcessor{
		fetch:  fetch,
		prices: expirable.NewLRU[string, *Price](defaultPriceCacheSize, nil, priceTTL),
	}
}

// GetInvoice fetches an invoice. The embedded line list is only the first
// page, so a truncated one is replaced by the fully paginated list.
func (p *StripeProcessor) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	raw, err := p.fetch.invoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch invoice %s: %w", id, err)
	}
	inv, err := DecodeInvoice(raw)
	if err != nil {
		return nil, err
	}
	if inv.LinesComplete {
		return inv, nil
	}
	items, err := p.fetch.invoiceLines(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list lines of invoice %s: %w", id, err)
	}
	lines, err := DecodeInvoiceLines(items)
	if err != nil {
		return nil, err
	}
	inv.Lines = lines
	inv.LinesComplete = true
	return inv, nil
}

func (p *StripeProcessor) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	raw, err := p.fetch.subscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch subscription %s: %w", id, err)
	}
	return DecodeSubscription(raw)
}

// GetPrice returns a cached price or fetches it. Concurrent lookups for the
// same id share one request.
func (p *StripeProcessor) GetPrice(ctx context.Context, id string) (*Price, error) {
	if cached, ok := p.prices.Get(id); ok {
		return cached, nil
	}
	v, err, _ := p.group.Do(id, func() (interface{}, error) {
		raw, err := p.fetch.price(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetch price %s: %w", id, err)
		}
		price, err := DecodePrice(raw)
		if err != nil {
			return nil, err
		}
		p.prices.Add(id, price)
		log.Debugf("[Billing] Cached price %s", id)
		return price, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Price), nil
}

type stripeAPI struct {
	api *client.API
}

func (s *stripeAPI) invoice(ctx context.Context, id string) ([]byte, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := s.api.Invoices.Get(id, params)
	if err != nil {
		return nil, err
	}
	return rawJSON(inv.LastResponse)
}

// invoiceLines walks every page of the invoice's line items.
func (s *stripeAPI) invoiceLines(ctx context.Context, id string) ([]json.RawMessage, error) {
	params := &stripe.InvoiceListLinesParams{Invoice: stripe.String(id)}
	params.Context = ctx
	var items []json.RawMessage
	iter := s.api.Invoices.ListLines(params)
	for iter.Next() {
		b, err := json.Marshal(iter.InvoiceLineItem())
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *stripeAPI) subscription(ctx context.Context, id string) ([]byte, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := s.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, err
	}
	return rawJSON(sub.LastResponse)
}

func (s *stripeAPI) price(ctx context.Context, id string) ([]byte, error) {
	params := &stripe.PriceParams{}
	params.Context = ctx
	pr, err := s.api.Prices.Get(id, params)
	if err != nil {
		return nil, err
	}
	return rawJSON(pr.LastResponse)
}

func rawJSON(resp *stripe.APIResponse) ([]byte, error) {
	if resp == nil || len(resp.RawJSON) == 0 {
		return nil, fmt.Errorf("empty response from processor")
	}
	return resp.RawJSON, nil
}
