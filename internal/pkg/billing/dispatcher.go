package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ManuelReschke/billrecon/app/models"
	"github.com/ManuelReschke/billrecon/internal/pkg/keylock"
	"github.com/gofiber/fiber/v2/log"
)

// PayloadArchive keeps raw payloads for later replay. *archive.Client
// satisfies it.
type PayloadArchive interface {
	Put(ctx context.Context, eventID, eventType string, payload []byte, receivedAt time.Time) (string, error)
}

// DispatcherConfig wires a Dispatcher. Locker and Archive are optional.
type DispatcherConfig struct {
	Verifier      *Verifier
	Repo          Repository
	Reconciler    *Reconciler
	Subscriptions *SubscriptionMachine
	Locker        keylock.Locker
	Archive       PayloadArchive
}

// Dispatcher verifies inbound events and routes them to the reconciler or
// the subscription state machine. Events touching the same invoice or the
// same subscription are processed one at a time.
type Dispatcher struct {
	verifier      *Verifier
	repo          Repository
	reconciler    *Reconciler
	subscriptions *SubscriptionMachine
	locker        keylock.Locker
	archive       PayloadArchive
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		verifier:      cfg.Verifier,
		repo:          cfg.Repo,
		reconciler:    cfg.Reconciler,
		subscriptions: cfg.Subscriptions,
		locker:        cfg.Locker,
		archive:       cfg.Archive,
	}
	if d.locker == nil {
		d.locker = keylock.NewLocal()
	}
	return d
}

// Dispatch verifies and applies one delivery. A non-nil Result is returned
// whenever the event could be decoded, even alongside an error.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, signature string) (*Result, error) {
	ev, err := d.verifier.Verify(payload, signature)
	if err != nil {
		log.Warnw("[Billing] Webhook rejected", "error", err)
		return nil, err
	}
	return d.process(ctx, ev, payload, false)
}

// Replay applies an archived payload again without signature checks. The
// event is processed even when its audit row already succeeded; the
// reconciler's own idempotency keeps the outcome unchanged.
func (d *Dispatcher) Replay(ctx context.Context, payload []byte) (*Result, error) {
	ev, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	log.Infow("[Billing] Replaying event", "event_id", ev.ID, "event_type", ev.Type)
	return d.process(ctx, ev, payload, true)
}

func (d *Dispatcher) process(ctx context.Context, ev *Event, payload []byte, replay bool) (*Result, error) {
	res := &Result{EventID: ev.ID, EventType: ev.Type, Verified: ev.Verified}

	created, stored, err := d.repo.RecordWebhookEvent(ctx, &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: ev.ID,
		EventType:       ev.Type,
		ObjectRef:       objectRef(ev.Object),
		SignatureValid:  ev.Verified,
	})
	if err != nil {
		return res, transient(err)
	}
	if !created && stored.Succeeded() && !replay {
		res.Status = StatusDuplicate
		return res, nil
	}
	if created && !replay {
		d.archivePayload(ctx, ev, payload, stored.CreatedAt)
	}

	if ev.Kind == KindUnknown || ev.Kind == KindPaymentMethodAttached {
		d.markProcessed(ctx, stored.ID, nil)
		res.Status, res.Reason = StatusIgnored, ReasonIgnored
		return res, nil
	}

	status, reason, err := d.route(ctx, ev)
	d.markProcessed(ctx, stored.ID, err)
	if err != nil {
		log.Errorw("[Billing] Webhook processing failed",
			"event_id", ev.ID, "event_type", ev.Type, "attempt", stored.Attempts,
			"retryable", IsRetryable(err), "error", err)
		return res, err
	}
	res.Status, res.Reason = status, reason
	return res, nil
}

func (d *Dispatcher) route(ctx context.Context, ev *Event) (string, string, error) {
	switch {
	case ev.Kind.IsInvoice():
		inv, err := DecodeInvoice(ev.Object)
		if err != nil {
			return "", "", err
		}
		unlock, err := d.locker.Lock(ctx, "invoice:"+inv.ID)
		if err != nil {
			return "", "", transient(err)
		}
		defer unlock()

		r, err := d.reconciler.Reconcile(ctx, ev, inv)
		if err != nil {
			return "", "", err
		}
		return outcome(r.Skipped, r.Reason)

	case ev.Kind.IsSubscription():
		sub, err := DecodeSubscription(ev.Object)
		if err != nil {
			return "", "", err
		}
		unlock, err := d.locker.Lock(ctx, "subscription:"+sub.ID)
		if err != nil {
			return "", "", transient(err)
		}
		defer unlock()

		var r *TransitionResult
		if ev.Kind == KindSubscriptionCanceled {
			r, err = d.subscriptions.Cancel(ctx, ev, sub)
		} else {
			r, err = d.subscriptions.Apply(ctx, ev, sub)
		}
		if err != nil {
			return "", "", err
		}
		return outcome(r.Skipped, r.Reason)
	}
	return StatusIgnored, ReasonIgnored, nil
}

func outcome(skipped bool, reason string) (string, string, error) {
	switch {
	case !skipped:
		return StatusProcessed, "", nil
	case reason == ReasonDuplicate:
		return StatusDuplicate, "", nil
	default:
		return StatusSkipped, reason, nil
	}
}

// archivePayload keys the object by the audit row's creation time, which is
// what replay looks it up by.
func (d *Dispatcher) archivePayload(ctx context.Context, ev *Event, payload []byte, receivedAt time.Time) {
	if d.archive == nil {
		return
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	key, err := d.archive.Put(ctx, ev.ID, ev.Type, payload, receivedAt.UTC())
	if err != nil {
		log.Warnw("[Billing] Failed to archive webhook payload", "event_id", ev.ID, "error", err)
		return
	}
	log.Debugf("[Billing] Archived event %s to %s", ev.ID, key)
}

func (d *Dispatcher) markProcessed(ctx context.Context, id uint, processingErr error) {
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}
	if err := d.repo.MarkWebhookProcessed(context.WithoutCancel(ctx), id, msg); err != nil {
		log.Warnw("[Billing] Failed to mark webhook processed", "webhook_event_id", id, "error", err)
	}
}

func objectRef(object json.RawMessage) string {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(object, &ref); err != nil {
		return ""
	}
	return ref.ID
}
