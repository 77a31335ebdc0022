// Package channel owns the bounded hand-off queues between the feed
// core and its external sinks. Sends never block: a full buffer counts
// a drop instead of stalling the receive loop.
package channel

import (
	"context"
	"sync"
	"time"

	"bookflow/logger"
	"bookflow/models"
)

type Stats struct {
	EventsSent     int64
	EventsDropped  int64
	MetricsSent    int64
	MetricsDropped int64
	RawSent        int64
	RawDropped     int64
}

type Channels struct {
	Events  chan models.LifecycleEvent
	Metrics chan models.MetricsSnapshot
	Raw     chan models.RawMessage

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(eventBuffer, metricsBuffer, rawBuffer int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events:  make(chan models.LifecycleEvent, eventBuffer),
		Metrics: make(chan models.MetricsSnapshot, metricsBuffer),
		Raw:     make(chan models.RawMessage, rawBuffer),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"event_buffer":   eventBuffer,
		"metrics_buffer": metricsBuffer,
		"raw_buffer":     rawBuffer,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Events)
	close(c.Metrics)
	close(c.Raw)
	c.log.WithComponent("channels").Info("channels closed")
}

// PublishEvent hands a lifecycle event to the sink without blocking.
// Returns false when the event was dropped or the context is done.
func (c *Channels) PublishEvent(ctx context.Context, ev models.LifecycleEvent) bool {
	select {
	case c.Events <- ev:
		c.statsMutex.Lock()
		c.stats.EventsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.EventsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// PublishMetrics hands a metrics snapshot to the sink without
// blocking.
func (c *Channels) PublishMetrics(ctx context.Context, m models.MetricsSnapshot) bool {
	select {
	case c.Metrics <- m:
		c.statsMutex.Lock()
		c.stats.MetricsSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("metrics", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.MetricsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// PublishRaw hands a raw wire frame to the capture sink without
// blocking.
func (c *Channels) PublishRaw(ctx context.Context, m models.RawMessage) bool {
	select {
	case c.Raw <- m:
		c.statsMutex.Lock()
		c.stats.RawSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("raw", len(m.Data))
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.RawDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically logs hand-off statistics so
// sustained drops are visible even when the sinks are silent.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.WithComponent("channels").WithFields(logger.Fields{
				"events_sent":     stats.EventsSent,
				"events_dropped":  stats.EventsDropped,
				"metrics_sent":    stats.MetricsSent,
				"metrics_dropped": stats.MetricsDropped,
				"raw_sent":        stats.RawSent,
				"raw_dropped":     stats.RawDropped,
			}).Info("channel statistics")
		}
	}
}
