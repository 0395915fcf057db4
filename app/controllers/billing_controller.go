package controllers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/billrecon/internal/pkg/billing"
	"github.com/ManuelReschke/billrecon/internal/pkg/metrics"
)

const webhookTimeout = 15 * time.Second

// WebhookDispatcher applies inbound processor events. *billing.Dispatcher
// satisfies it.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, payload []byte, signature string) (*billing.Result, error)
	Replay(ctx context.Context, payload []byte) (*billing.Result, error)
}

// BillingController serves the processor webhook endpoint.
type BillingController struct {
	dispatcher WebhookDispatcher
}

func NewBillingController(dispatcher WebhookDispatcher) *BillingController {
	return &BillingController{dispatcher: dispatcher}
}

// HandleStripeWebhook verifies and applies one delivery. Any non-2xx answer
// makes the processor retry, so only retryable failures map to 5xx.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	started := time.Now()
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get(billing.SignatureHeader)

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	res, err := bc.dispatcher.Dispatch(ctx, rawBody, signature)

	eventType := "unknown"
	if res != nil && res.EventType != "" {
		eventType = res.EventType
	}
	status := fiber.StatusOK
	if err != nil {
		status = billing.StatusCode(err)
	}
	metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(started).Seconds())
	metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()

	if err != nil {
		if status >= fiber.StatusInternalServerError {
			log.Errorw("[Billing] Webhook processing failed", "event_type", eventType, "error", err)
		}
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(webhookAck(res))
}

func webhookAck(res *billing.Result) fiber.Map {
	ack := fiber.Map{"received": true, "eventType": res.EventType}
	if res.Status != "" && res.Status != billing.StatusProcessed {
		ack["status"] = res.Status
	}
	if res.Reason != "" {
		ack["reason"] = res.Reason
	}
	return ack
}

func writeBillingError(c *fiber.Ctx, err error) error {
	message := err.Error()
	if billing.StatusCode(err) >= fiber.StatusInternalServerError {
		// internals stay in the log
		message = "processing failed, retry later"
	}
	return c.Status(billing.StatusCode(err)).JSON(fiber.Map{
		"error":   billing.ErrorCode(err),
		"message": message,
	})
}
