package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	channel string
	message []byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.message, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisNotifierPublishesPerAccount(t *testing.T) {
	pub := &fakePublisher{}
	n := newRedis(pub, "")
	fixed := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	err := n.Notify(context.Background(), 42, ResourcePayment, ActionCreated, map[string]int64{"total_amount": 9990})
	require.NoError(t, err)

	assert.Equal(t, "billrecon:account:42", pub.channel)

	var got Notification
	require.NoError(t, json.Unmarshal(pub.message, &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, uint(42), got.AccountID)
	assert.Equal(t, ResourcePayment, got.Resource)
	assert.Equal(t, ActionCreated, got.Action)
	assert.True(t, got.SentAt.Equal(fixed))
}

func TestRedisNotifierErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	n := newRedis(pub, "acct:")
	err := n.Notify(context.Background(), 1, ResourceSubscription, ActionUpdated, nil)
	assert.Error(t, err)
	assert.Equal(t, "acct:1", pub.channel)

	require.NoError(t, n.Close())
	err = n.Notify(context.Background(), 1, ResourceSubscription, ActionUpdated, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Notify(context.Background(), 1, ResourcePayment, ActionCreated, nil))
}
