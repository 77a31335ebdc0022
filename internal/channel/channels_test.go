package channel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"bookflow/models"
)

func TestPublishEventCountsSends(t *testing.T) {
	c := NewChannels(2, 2, 2)
	defer c.Close()

	ctx := context.Background()
	assert.True(t, c.PublishEvent(ctx, models.LifecycleEvent{Kind: models.EventStateChange}))
	assert.True(t, c.PublishEvent(ctx, models.LifecycleEvent{Kind: models.EventDeltaApplied}))

	stats := c.GetStats()
	assert.Equal(t, int64(2), stats.EventsSent)
	assert.Equal(t, int64(0), stats.EventsDropped)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	c := NewChannels(1, 1, 1)
	defer c.Close()

	ctx := context.Background()
	assert.True(t, c.PublishEvent(ctx, models.LifecycleEvent{}))
	assert.False(t, c.PublishEvent(ctx, models.LifecycleEvent{}))

	assert.True(t, c.PublishMetrics(ctx, models.MetricsSnapshot{}))
	assert.False(t, c.PublishMetrics(ctx, models.MetricsSnapshot{}))

	assert.True(t, c.PublishRaw(ctx, models.RawMessage{Data: []byte("x")}))
	assert.False(t, c.PublishRaw(ctx, models.RawMessage{Data: []byte("x")}))

	stats := c.GetStats()
	assert.Equal(t, int64(1), stats.EventsDropped)
	assert.Equal(t, int64(1), stats.MetricsDropped)
	assert.Equal(t, int64(1), stats.RawDropped)
}

func TestPublishedMessagesAreReceivable(t *testing.T) {
	c := NewChannels(4, 4, 4)
	defer c.Close()

	ctx := context.Background()
	c.PublishRaw(ctx, models.RawMessage{Pair: "BTC-USD", Direction: "in", Data: []byte(`{}`)})

	msg := <-c.Raw
	assert.Equal(t, "BTC-USD", msg.Pair)
	assert.Equal(t, "in", msg.Direction)
}
