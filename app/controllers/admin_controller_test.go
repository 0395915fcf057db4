package controllers

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/billrecon/app/models"
	"github.com/ManuelReschke/billrecon/internal/pkg/billing"
)

type fakeStore struct {
	alerts        []models.ReconciliationAlert
	subscriptions []models.BillingSubscription
	payments      []models.BillingPayment
	events        map[string]*models.BillingWebhookEvent
	resolved      []uint
	openOnly      bool
	limit         int
	err           error
}

func (s *fakeStore) ListAlerts(_ context.Context, openOnly bool, limit int) ([]models.ReconciliationAlert, error) {
	s.openOnly = openOnly
	s.limit = limit
	return s.alerts, s.err
}

func (s *fakeStore) ResolveAlert(_ context.Context, id uint, _ time.Time) error {
	if s.err != nil {
		return s.err
	}
	for _, a := range s.alerts {
		if a.ID == id && a.ResolvedAt == nil {
			s.resolved = append(s.resolved, id)
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (s *fakeStore) ListSubscriptionsByAccount(_ context.Context, _ uint) ([]models.BillingSubscription, error) {
	return s.subscriptions, s.err
}

func (s *fakeStore) ListPaymentsByAccount(_ context.Context, _ uint, limit int) ([]models.BillingPayment, error) {
	s.limit = limit
	return s.payments, s.err
}

func (s *fakeStore) FindWebhookEvent(_ context.Context, _, eventID string) (*models.BillingWebhookEvent, error) {
	if ev, ok := s.events[eventID]; ok {
		return ev, nil
	}
	return nil, gorm.ErrRecordNotFound
}

type fakeArchive struct {
	payloads map[string][]byte
}

func (a *fakeArchive) Get(_ context.Context, eventID string, _ time.Time) ([]byte, error) {
	if p, ok := a.payloads[eventID]; ok {
		return p, nil
	}
	return nil, errors.New("NoSuchKey")
}

func newAdminApp(ac *AdminController) *fiber.App {
	app := fiber.New()
	app.Get("/alerts", ac.HandleListAlerts)
	app.Post("/alerts/:id/resolve", ac.HandleResolveAlert)
	app.Get("/accounts/:id/subscriptions", ac.HandleAccountSubscriptions)
	app.Get("/accounts/:id/payments", ac.HandleAccountPayments)
	app.Post("/events/:id/replay", ac.HandleReplayEvent)
	app.Get("/healthz", HandleHealth)
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path string) (int, string) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, path, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func TestHandleListAlerts(t *testing.T) {
	store := &fakeStore{alerts: []models.ReconciliationAlert{{ID: 1, Kind: models.AlertKindActiveCount, AccountID: 7}}}
	app := newAdminApp(NewAdminController(store, &fakeDispatcher{}, nil))

	status, body := doRequest(t, app, "GET", "/alerts?open=true&limit=9999")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, `"kind":"active_count"`)
	assert.Contains(t, body, `"count":1`)
	assert.True(t, store.openOnly)
	assert.Equal(t, maxListLimit, store.limit)
}

func TestHandleResolveAlert(t *testing.T) {
	store := &fakeStore{alerts: []models.ReconciliationAlert{{ID: 3}}}
	app := newAdminApp(NewAdminController(store, &fakeDispatcher{}, nil))

	status, _ := doRequest(t, app, "POST", "/alerts/3/resolve")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, []uint{3}, store.resolved)

	status, _ = doRequest(t, app, "POST", "/alerts/4/resolve")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = doRequest(t, app, "POST", "/alerts/abc/resolve")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestHandleAccountSubscriptions(t *testing.T) {
	store := &fakeStore{subscriptions: []models.BillingSubscription{
		{ID: 1, Status: models.SubscriptionStatusCanceled},
		{ID: 2, Status: models.SubscriptionStatusActive},
	}}
	app := newAdminApp(NewAdminController(store, &fakeDispatcher{}, nil))

	status, body := doRequest(t, app, "GET", "/accounts/7/subscriptions")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, `"active":1`)
	assert.Contains(t, body, `"account_id":7`)
}

func TestHandleAccountPaymentsStoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	app := newAdminApp(NewAdminController(store, &fakeDispatcher{}, nil))

	status, body := doRequest(t, app, "GET", "/accounts/7/payments")
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.NotContains(t, body, "db down")
}

func TestHandleReplayEvent(t *testing.T) {
	store := &fakeStore{events: map[string]*models.BillingWebhookEvent{
		"evt_1": {ProviderEventID: "evt_1", CreatedAt: time.Now()},
		"evt_2": {ProviderEventID: "evt_2", CreatedAt: time.Now()},
	}}
	archive := &fakeArchive{payloads: map[string][]byte{"evt_1": []byte(`{"id":"evt_1"}`)}}
	d := &fakeDispatcher{result: &billing.Result{EventID: "evt_1", EventType: "invoice.payment_succeeded", Status: billing.StatusProcessed}}
	app := newAdminApp(NewAdminController(store, d, archive))

	status, body := doRequest(t, app, "POST", "/events/evt_1/replay")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, `"received":true`)
	assert.Equal(t, `{"id":"evt_1"}`, string(d.replayed))

	status, _ = doRequest(t, app, "POST", "/events/evt_2/replay")
	assert.Equal(t, fiber.StatusBadGateway, status)

	status, _ = doRequest(t, app, "POST", "/events/evt_missing/replay")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestHandleReplayEventArchiveDisabled(t *testing.T) {
	app := newAdminApp(NewAdminController(&fakeStore{}, &fakeDispatcher{}, nil))
	status, body := doRequest(t, app, "POST", "/events/evt_1/replay")
	assert.Equal(t, fiber.StatusNotImplemented, status)
	assert.Contains(t, body, "archive_disabled")
}

func TestHandleHealth(t *testing.T) {
	app := newAdminApp(NewAdminController(&fakeStore{}, &fakeDispatcher{}, nil))
	status, body := doRequest(t, app, "GET", "/healthz")
	assert.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}
