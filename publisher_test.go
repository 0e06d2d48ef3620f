package relayer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiimdy/openfunderse-sub000/config"
	"github.com/wiimdy/openfunderse-sub000/database/memory"
	"github.com/wiimdy/openfunderse-sub000/model"
)

func newTestRedis(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestEventChannel(t *testing.T) {
	assert.Equal(t, "openfunderse:events:fund-1", EventChannel(config.DEFAULT_EVENT_CHANNEL, "fund-1"))
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	client, _ := newTestRedis(t)
	store := memory.New()
	publisher := NewEventPublisher(store, client, nil, &config.Configuration{
		Events: config.EventsConfig{ChannelPrefix: "test:events"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := SubscribeEvents(ctx, client, "test:events", "fund-1")
	require.NoError(t, err)

	published, err := publisher.Publish(ctx, model.EventEpochOpened, "fund-1", map[string]interface{}{"epochId": 4})
	require.NoError(t, err)
	assert.NotZero(t, published.ID)

	select {
	case got := <-events:
		assert.Equal(t, published.ID, got.ID)
		assert.Equal(t, model.EventEpochOpened, got.Type)
		assert.Equal(t, "fund-1", got.FundID)
		assert.EqualValues(t, 4, got.Payload["epochId"])
	case <-ctx.Done():
		t.Fatal("event was not delivered")
	}

	stored, err := store.ListEventsSince(ctx, "fund-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, published.ID, stored[0].ID)

	cancel()
	for range events {
	}
}

func TestPublishWithoutRedisStillRecords(t *testing.T) {
	store := memory.New()
	publisher := NewEventPublisher(store, nil, nil, nil)

	event, err := publisher.Publish(context.Background(), model.EventIntentReady, "fund-1", map[string]interface{}{"intentHash": testIntentHash})
	require.NoError(t, err)
	assert.Equal(t, model.EventIntentReady, event.Type)
	assert.False(t, event.CreatedAt.IsZero())
}

func TestPublishSurvivesRedisOutage(t *testing.T) {
	client, mr := newTestRedis(t)
	store := memory.New()
	publisher := NewEventPublisher(store, client, nil, nil)
	mr.Close()

	_, err := publisher.Publish(context.Background(), model.EventEpochOpened, "fund-1", nil)
	require.NoError(t, err)

	stored, err := store.ListEventsSince(context.Background(), "fund-1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestPublishQueuesWebhook(t *testing.T) {
	q, mr := newTestQueue(t)
	store := memory.New()
	cnf := &config.Configuration{}
	cnf.Notification.Webhook.Url = testWebhookURL
	publisher := NewEventPublisher(store, nil, q, cnf)

	_, err := publisher.Publish(context.Background(), model.EventClaimFinalized, "fund-1", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, mr.Keys())
}

func TestEventsSince(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		e, err := env.relayer.publisher.Publish(ctx, model.EventEpochOpened, "fund-1", map[string]interface{}{"n": i})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	_, err := env.relayer.publisher.Publish(ctx, model.EventEpochOpened, "fund-2", nil)
	require.NoError(t, err)

	events, err := env.relayer.EventsSince(ctx, "fund-1", ids[0], 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ids[1], events[0].ID)
	assert.Equal(t, ids[2], events[1].ID)

	events, err = env.relayer.EventsSince(ctx, "fund-1", 0, 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
