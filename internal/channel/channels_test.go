package channel

import (
	"context"
	"testing"
	"time"

	"bookflow/models"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels(1, 1)
	if c.Events == nil || c.Snapshots == nil {
		t.Fatalf("expected non-nil channels")
	}
	ctx, cancel := context.WithCancel(context.Background())
	go c.StartMetricsReporting(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.CloseEvents()
	c.CloseSnapshots()
}

func TestSendEventCountsAndBlocks(t *testing.T) {
	c := NewChannels(1, 1)
	ctx := context.Background()

	if !c.SendEvent(ctx, models.OrderEvent{ProductID: "BTC-USD"}) {
		t.Fatalf("send into empty buffer failed")
	}
	if got := c.GetStats().EventsSent; got != 1 {
		t.Fatalf("expected 1 event sent, got %d", got)
	}

	// Buffer is full now; a cancelled context must unblock the send.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if c.SendEvent(cancelled, models.OrderEvent{ProductID: "BTC-USD"}) {
		t.Fatalf("send should fail once context is cancelled")
	}
	if got := c.GetStats().EventsSent; got != 1 {
		t.Fatalf("failed send must not count, got %d", got)
	}
}

func TestSendSnapshotDeliversInOrder(t *testing.T) {
	c := NewChannels(4, 4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		snap := models.FeatureSnapshot{ProductID: "ETH-USD", BestBid: float64(i)}
		if !c.SendSnapshot(ctx, snap) {
			t.Fatalf("send %d failed", i)
		}
	}
	c.CloseSnapshots()

	i := 0
	for snap := range c.Snapshots {
		if snap.BestBid != float64(i) {
			t.Fatalf("out of order delivery: got %v at %d", snap.BestBid, i)
		}
		i++
	}
	if i != 3 {
		t.Fatalf("expected 3 snapshots, got %d", i)
	}
	if got := c.GetStats().SnapshotsSent; got != 3 {
		t.Fatalf("expected 3 sent, got %d", got)
	}
}
