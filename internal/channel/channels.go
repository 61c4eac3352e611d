package channel

import (
	"context"
	"sync"
	"time"

	"bookflow/logger"
	"bookflow/models"
)

type Stats struct {
	EventsSent    int64
	SnapshotsSent int64
}

// Channels carries the two pipeline hand-offs: decoded order events into the
// reconstructor and emitted snapshots out to the writers. Sends block when a
// buffer is full; a replay pipeline must apply backpressure instead of
// dropping, or the reconstructed books silently diverge from the capture.
type Channels struct {
	Events    chan models.OrderEvent
	Snapshots chan models.FeatureSnapshot

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(eventBufferSize, snapshotBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events:    make(chan models.OrderEvent, eventBufferSize),
		Snapshots: make(chan models.FeatureSnapshot, snapshotBufferSize),
		log:       log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"event_buffer_size":    eventBufferSize,
		"snapshot_buffer_size": snapshotBufferSize,
	}).Info("pipeline channels initialized")

	return c
}

// SendEvent delivers one order event, blocking while the buffer is full.
// It reports false when the context is cancelled first.
func (c *Channels) SendEvent(ctx context.Context, ev models.OrderEvent) bool {
	select {
	case c.Events <- ev:
		c.statsMutex.Lock()
		c.stats.EventsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

// SendSnapshot delivers one emitted snapshot, blocking while the buffer is
// full. It reports false when the context is cancelled first.
func (c *Channels) SendSnapshot(ctx context.Context, snap models.FeatureSnapshot) bool {
	select {
	case c.Snapshots <- snap:
		c.statsMutex.Lock()
		c.stats.SnapshotsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

// CloseEvents is called by the event producer at end of stream.
func (c *Channels) CloseEvents() {
	close(c.Events)
	c.log.WithComponent("channels").Info("events channel closed")
}

// CloseSnapshots is called by the reconstructor after its final flush.
func (c *Channels) CloseSnapshots() {
	close(c.Snapshots)
	c.log.WithComponent("channels").Info("snapshots channel closed")
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting logs channel depth and send counts until the context
// is cancelled. Run it in its own goroutine.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.LogMetric("channels", "events_sent", stats.EventsSent, "counter", logger.Fields{})
			c.log.LogMetric("channels", "snapshots_sent", stats.SnapshotsSent, "counter", logger.Fields{})
			c.log.WithComponent("channels").WithFields(logger.Fields{
				"events_sent":       stats.EventsSent,
				"snapshots_sent":    stats.SnapshotsSent,
				"event_channel_len": len(c.Events),
				"event_channel_cap": cap(c.Events),
				"snapshot_chan_len": len(c.Snapshots),
				"snapshot_chan_cap": cap(c.Snapshots),
			}).Info("channel metrics")
		}
	}
}
