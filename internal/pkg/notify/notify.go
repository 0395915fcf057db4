// Package notify pushes reconciliation results to the account's live update
// channel. Delivery to connected clients is owned by the channel's consumer.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	ResourcePayment      = "payment"
	ResourceSubscription = "subscription"

	ActionCreated  = "created"
	ActionUpdated  = "updated"
	ActionCanceled = "canceled"

	DefaultChannelPrefix = "billrecon:account:"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("notifier closed")

// Notifier is the capability handed to the reconciler and state machine.
type Notifier interface {
	Notify(ctx context.Context, accountID uint, resource, action string, payload interface{}) error
}

// Notification is the message published to subscribers.
type Notification struct {
	ID        string      `json:"id"`
	AccountID uint        `json:"account_id"`
	Resource  string      `json:"resource"`
	Action    string      `json:"action"`
	Payload   interface{} `json:"payload"`
	SentAt    time.Time   `json:"sent_at"`
}

// Nop drops every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, uint, string, string, interface{}) error { return nil }

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes one message per notification on a per-account
// Redis channel. It does not own the Redis client.
type RedisNotifier struct {
	pub    publisher
	prefix string
	closed atomic.Bool
	now    func() time.Time
}

// NewRedis creates a notifier publishing on prefix+accountID.
func NewRedis(client redis.UniversalClient, prefix string) *RedisNotifier {
	return newRedis(client, prefix)
}

func newRedis(pub publisher, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisNotifier{pub: pub, prefix: prefix, now: time.Now}
}

// Channel returns the channel name for an account.
func (n *RedisNotifier) Channel(accountID uint) string {
	return fmt.Sprintf("%s%d", n.prefix, accountID)
}

// Notify implements Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, accountID uint, resource, action string, payload interface{}) error {
	if n.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(Notification{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Resource:  resource,
		Action:    action,
		Payload:   payload,
		SentAt:    n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	receivers, err := n.pub.Publish(ctx, n.Channel(accountID), data).Result()
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	if receivers == 0 {
		log.Debugf("[Notify] No subscribers on %s for %s/%s", n.Channel(accountID), resource, action)
	}
	return nil
}

// Close stops accepting notifications.
func (n *RedisNotifier) Close() error {
	n.closed.Store(true)
	return nil
}
