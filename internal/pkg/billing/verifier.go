package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// SignatureHeader carries the processor's payload signature.
const SignatureHeader = "Stripe-Signature"

// Verifier authenticates inbound payloads with the shared webhook secret.
//
// Without a secret it runs degraded: payloads are decoded but marked
// unverified. This is meant for local development only.
type Verifier struct {
	secret string
}

// NewVerifier returns a verifier for secret. An empty secret is logged once.
func NewVerifier(secret string) *Verifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		log.Warn("[Billing] STRIPE_WEBHOOK_SECRET is not set; webhook signatures will NOT be verified")
	}
	return &Verifier{secret: secret}
}

// Enabled reports whether signatures are checked.
func (v *Verifier) Enabled() bool {
	return v.secret != ""
}

// Verify checks the signature header against the raw payload and decodes the
// event. The payload must be the exact bytes received.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	if !v.Enabled() {
		ev, err := Decode(payload)
		if err != nil {
			return nil, err
		}
		log.Warnw("[Billing] Accepting unverified webhook", "event_id", ev.ID, "event_type", ev.Type)
		return ev, nil
	}

	if strings.TrimSpace(signatureHeader) == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrSignature, SignatureHeader)
	}

	stripeEvent, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", ErrSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}

	ev, err := fromStripeEvent(&stripeEvent)
	if err != nil {
		return nil, err
	}
	ev.Verified = true
	return ev, nil
}

// Decode parses an event without checking any signature. Use it only for
// payloads from a trusted source such as the event archive.
func Decode(payload []byte) (*Event, error) {
	var stripeEvent stripe.Event
	if err := json.Unmarshal(payload, &stripeEvent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	return fromStripeEvent(&stripeEvent)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func fromStripeEvent(se *stripe.Event) (*Event, error) {
	if strings.TrimSpace(se.ID) == "" {
		return nil, fmt.Errorf("%w: event missing id", ErrPayload)
	}
	if strings.TrimSpace(string(se.Type)) == "" {
		return nil, fmt.Errorf("%w: event %s missing type", ErrPayload, se.ID)
	}
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s missing data.object", ErrPayload, se.ID)
	}
	ev := &Event{
		ID:     se.ID,
		Type:   string(se.Type),
		Kind:   KindOf(string(se.Type)),
		Object: json.RawMessage(se.Data.Raw),
	}
	if se.Created > 0 {
		ev.Created = time.Unix(se.Created, 0).UTC()
	}
	return ev, nil
}
