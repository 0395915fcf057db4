package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/billrecon/app/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// AdminStore is the read/resolve surface of the billing repository used by
// the operator API. billing.Repository satisfies it.
type AdminStore interface {
	ListAlerts(ctx context.Context, openOnly bool, limit int) ([]models.ReconciliationAlert, error)
	ResolveAlert(ctx context.Context, id uint, at time.Time) error
	ListSubscriptionsByAccount(ctx context.Context, accountID uint) ([]models.BillingSubscription, error)
	ListPaymentsByAccount(ctx context.Context, accountID uint, limit int) ([]models.BillingPayment, error)
	FindWebhookEvent(ctx context.Context, provider, eventID string) (*models.BillingWebhookEvent, error)
}

// PayloadSource returns archived raw payloads. *archive.Client satisfies it.
type PayloadSource interface {
	Get(ctx context.Context, eventID string, receivedAt time.Time) ([]byte, error)
}

// AdminController exposes reconciliation alerts and account state to
// operators, and replays archived events.
type AdminController struct {
	store      AdminStore
	dispatcher WebhookDispatcher
	archive    PayloadSource
}

// NewAdminController creates the operator API. archive may be nil when the
// payload archive is disabled; replay then answers 501.
func NewAdminController(store AdminStore, dispatcher WebhookDispatcher, archive PayloadSource) *AdminController {
	return &AdminController{store: store, dispatcher: dispatcher, archive: archive}
}

// HandleListAlerts GET /api/v1/alerts?open=true&limit=50
func (ac *AdminController) HandleListAlerts(c *fiber.Ctx) error {
	openOnly := c.QueryBool("open", false)
	alerts, err := ac.store.ListAlerts(c.UserContext(), openOnly, listLimit(c))
	if err != nil {
		log.Errorf("[Admin] Failed to list alerts: %v", err)
		return internalError(c, "Failed to list alerts")
	}
	return c.JSON(fiber.Map{"alerts": alerts, "count": len(alerts)})
}

// HandleResolveAlert POST /api/v1/alerts/:id/resolve
func (ac *AdminController) HandleResolveAlert(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "Invalid alert id")
	}
	err := ac.store.ResolveAlert(c.UserContext(), id, time.Now().UTC())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Alert not found or already resolved"})
	}
	if err != nil {
		log.Errorf("[Admin] Failed to resolve alert %d: %v", id, err)
		return internalError(c, "Failed to resolve alert")
	}
	log.Infof("[Admin] Alert %d resolved", id)
	return c.JSON(fiber.Map{"ok": true, "id": id})
}

// HandleAccountSubscriptions GET /api/v1/accounts/:id/subscriptions
func (ac *AdminController) HandleAccountSubscriptions(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "Invalid account id")
	}
	subs, err := ac.store.ListSubscriptionsByAccount(c.UserContext(), id)
	if err != nil {
		log.Errorf("[Admin] Failed to list subscriptions for account %d: %v", id, err)
		return internalError(c, "Failed to list subscriptions")
	}
	active := 0
	for _, s := range subs {
		if s.Status == models.SubscriptionStatusActive {
			active++
		}
	}
	return c.JSON(fiber.Map{"account_id": id, "subscriptions": subs, "active": active})
}

// HandleAccountPayments GET /api/v1/accounts/:id/payments
func (ac *AdminController) HandleAccountPayments(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "Invalid account id")
	}
	payments, err := ac.store.ListPaymentsByAccount(c.UserContext(), id, listLimit(c))
	if err != nil {
		log.Errorf("[Admin] Failed to list payments for account %d: %v", id, err)
		return internalError(c, "Failed to list payments")
	}
	return c.JSON(fiber.Map{"account_id": id, "payments": payments})
}

// HandleReplayEvent POST /api/v1/events/:id/replay
func (ac *AdminController) HandleReplayEvent(c *fiber.Ctx) error {
	if ac.archive == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "archive_disabled", "message": "Payload archive is not enabled"})
	}
	eventID := c.Params("id")
	if eventID == "" {
		return badRequest(c, "Missing event id")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	event, err := ac.store.FindWebhookEvent(ctx, models.BillingProviderStripe, eventID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Event not found"})
	}
	if err != nil {
		log.Errorf("[Admin] Failed to load event %s: %v", eventID, err)
		return internalError(c, "Failed to load event")
	}

	payload, err := ac.archive.Get(ctx, event.ProviderEventID, event.CreatedAt)
	if err != nil {
		log.Errorf("[Admin] Failed to fetch archived payload for %s: %v", eventID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "archive_unavailable", "message": "Archived payload could not be fetched"})
	}

	res, err := ac.dispatcher.Replay(ctx, payload)
	if err != nil {
		log.Errorw("[Admin] Replay failed", "event_id", eventID, "error", err)
		return writeBillingError(c, err)
	}
	return c.JSON(webhookAck(res))
}

// HandleHealth GET /healthz
func HandleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func listLimit(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func parseID(c *fiber.Ctx, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": message})
}

func internalError(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": message})
}
