package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	appconfig "bookflow/config"
	"bookflow/internal/channel"
	"bookflow/models"
	"bookflow/tickerindex"
)

var base = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func at(secs int) time.Time { return base.Add(time.Duration(secs) * time.Second) }

func engineConfig(policy string) *appconfig.Config {
	return &appconfig.Config{
		Channels: appconfig.ChannelsConfig{EventBuffer: 256, SnapshotBuffer: 256},
		Engine: appconfig.EngineConfig{
			SnapshotInterval: appconfig.Duration(10 * time.Second),
			DepthLevels:      10,
			MaxWorkers:       1,
			TickerTolerance:  appconfig.Duration(5 * time.Second),
			Outlier: appconfig.OutlierConfig{
				Policy:       policy,
				ThresholdPct: 10,
				EMAAlpha:     0.05,
			},
		},
	}
}

func snapEvent(ts time.Time, product string, side models.Side, price, qty float64) models.OrderEvent {
	return models.OrderEvent{Timestamp: ts, ProductID: product, Kind: models.KindSnapshot, Side: side, Price: price, Quantity: qty}
}

func updEvent(ts time.Time, product string, side models.Side, price, qty float64) models.OrderEvent {
	return models.OrderEvent{Timestamp: ts, ProductID: product, Kind: models.KindUpdate, Side: side, Price: price, Quantity: qty}
}

// seedBatch is a minimal two-sided snapshot batch at ts.
func seedBatch(ts time.Time, product string, bid, ask float64) []models.OrderEvent {
	return []models.OrderEvent{
		snapEvent(ts, product, models.SideBid, bid, 1),
		snapEvent(ts, product, models.SideAsk, ask, 1),
	}
}

// runEngine replays the events through a reconstructor and collects every
// emitted snapshot until the snapshot channel closes.
func runEngine(t *testing.T, cfg *appconfig.Config, index *tickerindex.Index, events []models.OrderEvent) ([]models.FeatureSnapshot, EngineStats) {
	t.Helper()

	ch := channel.NewChannels(cfg.Channels.EventBuffer, cfg.Channels.SnapshotBuffer)
	rec := NewReconstructor(cfg, ch, index)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	go func() {
		for _, ev := range events {
			ch.SendEvent(ctx, ev)
		}
		ch.CloseEvents()
	}()

	var snaps []models.FeatureSnapshot
	for snap := range ch.Snapshots {
		snaps = append(snaps, snap)
	}
	rec.Stop()
	return snaps, rec.Stats()
}

func TestBatchCloseOnUpdateEmitsSnapshot(t *testing.T) {
	events := append(seedBatch(at(0), "BTC-USD", 100, 101),
		updEvent(at(1), "BTC-USD", models.SideBid, 100, 2))

	snaps, stats := runEngine(t, engineConfig("off"), nil, events)

	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	s := snaps[0]
	if !s.Timestamp.Equal(at(0)) {
		t.Errorf("snapshot timestamp: got %v, want %v", s.Timestamp, at(0))
	}
	if s.ProductID != "BTC-USD" || s.BestBid != 100 || s.BestAsk != 101 {
		t.Errorf("snapshot state: %+v", s)
	}
	if s.BestBidSize != 1 {
		t.Errorf("snapshot must capture the batch state before the update, got size %v", s.BestBidSize)
	}

	if stats.EventsRead != 3 || stats.SnapshotEvents != 2 || stats.UpdateEvents != 1 {
		t.Errorf("event counters: %+v", stats)
	}
	if stats.BatchesApplied != 1 || stats.UpdatesApplied != 1 || stats.SnapshotsEmitted != 1 {
		t.Errorf("apply counters: %+v", stats)
	}
}

func TestEmissionInterval(t *testing.T) {
	events := seedBatch(at(0), "BTC-USD", 100, 101)
	events = append(events,
		updEvent(at(5), "BTC-USD", models.SideBid, 100, 2),
		updEvent(at(10), "BTC-USD", models.SideBid, 100, 3),
		updEvent(at(12), "BTC-USD", models.SideBid, 100, 4),
		updEvent(at(20), "BTC-USD", models.SideBid, 100, 5),
	)

	snaps, stats := runEngine(t, engineConfig("off"), nil, events)

	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d: %+v", len(snaps), snaps)
	}
	wantTimes := []time.Time{at(0), at(10), at(20)}
	wantSizes := []float64{1, 3, 5}
	for i, s := range snaps {
		if !s.Timestamp.Equal(wantTimes[i]) {
			t.Errorf("snapshot %d timestamp: got %v, want %v", i, s.Timestamp, wantTimes[i])
		}
		if s.BestBidSize != wantSizes[i] {
			t.Errorf("snapshot %d bid size: got %v, want %v", i, s.BestBidSize, wantSizes[i])
		}
	}
	if stats.SnapshotsEmitted != 3 || stats.UpdatesApplied != 4 {
		t.Errorf("counters: %+v", stats)
	}
}

func TestBatchCloseBypassesInterval(t *testing.T) {
	events := seedBatch(at(0), "BTC-USD", 100, 101)
	events = append(events, seedBatch(at(3), "BTC-USD", 99, 100)...)
	events = append(events,
		updEvent(at(5), "BTC-USD", models.SideBid, 99, 2),
		updEvent(at(13), "BTC-USD", models.SideBid, 99, 3),
	)

	snaps, stats := runEngine(t, engineConfig("off"), nil, events)

	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}
	if !snaps[0].Timestamp.Equal(at(0)) || !snaps[1].Timestamp.Equal(at(3)) {
		t.Errorf("snapshot timestamps: %v, %v", snaps[0].Timestamp, snaps[1].Timestamp)
	}
	if snaps[1].BestBid != 99 {
		t.Errorf("second snapshot must reflect the rebuilt book, got best bid %v", snaps[1].BestBid)
	}
	// The forced emission at t=3 advances the clock: t=5 is inside the
	// interval, t=13 is the next due emission.
	if !snaps[2].Timestamp.Equal(at(13)) || snaps[2].BestBidSize != 3 {
		t.Errorf("third snapshot: %+v", snaps[2])
	}
	if stats.BatchesApplied != 2 || stats.SnapshotsEmitted != 3 {
		t.Errorf("counters: %+v", stats)
	}
}

func TestFailedEmissionDoesNotAdvanceClock(t *testing.T) {
	// Crossed batch, then an update emptying the bid side, then a valid bid.
	events := seedBatch(at(0), "BTC-USD", 101, 100)
	events = append(events,
		updEvent(at(1), "BTC-USD", models.SideBid, 101, 0),
		updEvent(at(2), "BTC-USD", models.SideBid, 99, 1),
	)

	snaps, stats := runEngine(t, engineConfig("off"), nil, events)

	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	if !snaps[0].Timestamp.Equal(at(2)) || snaps[0].BestBid != 99 {
		t.Errorf("first valid state should emit immediately: %+v", snaps[0])
	}
	if stats.BooksSkipped != 2 {
		t.Errorf("books skipped: got %d, want 2", stats.BooksSkipped)
	}
}

func TestOutlierFilteredUpdateSkipsEmissionCheck(t *testing.T) {
	events := seedBatch(at(0), "BTC-USD", 100, 101)
	events = append(events,
		updEvent(at(10), "BTC-USD", models.SideBid, 500, 1),
		updEvent(at(11), "BTC-USD", models.SideBid, 100, 2),
	)

	snaps, stats := runEngine(t, engineConfig("ema"), nil, events)

	if stats.OutliersFiltered != 1 {
		t.Fatalf("outliers filtered: got %d, want 1", stats.OutliersFiltered)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if !snaps[1].Timestamp.Equal(at(11)) {
		t.Errorf("second snapshot timestamp: got %v, want %v", snaps[1].Timestamp, at(11))
	}
	if snaps[1].BestBid != 100 || snaps[1].BestBidSize != 2 {
		t.Errorf("filtered price must not reach the book: %+v", snaps[1])
	}
}

func TestOutOfOrderEventsSkipped(t *testing.T) {
	events := seedBatch(at(10), "BTC-USD", 100, 101)
	events = append(events, updEvent(at(0), "BTC-USD", models.SideBid, 100, 5))

	snaps, stats := runEngine(t, engineConfig("off"), nil, events)

	if stats.OutOfOrderEvents != 1 || stats.UpdatesApplied != 0 {
		t.Errorf("counters: %+v", stats)
	}
	// The stale update must not close the batch either: the batch flushes
	// at end of stream with its original state.
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	if snaps[0].BestBidSize != 1 {
		t.Errorf("stale update leaked into the book: %+v", snaps[0])
	}
}

func TestMalformedEventsSkipped(t *testing.T) {
	events := []models.OrderEvent{
		updEvent(at(0), "BTC-USD", models.Side("sideways"), 100, 1),
		updEvent(at(1), "BTC-USD", models.SideBid, -5, 1),
		updEvent(at(2), "BTC-USD", models.SideBid, 100, math.NaN()),
		{ProductID: "BTC-USD", Kind: models.KindUpdate, Side: models.SideBid, Price: 100, Quantity: 1},
	}
	events = append(events, seedBatch(at(3), "BTC-USD", 100, 101)...)

	snaps, stats := runEngine(t, engineConfig("off"), nil, events)

	if stats.MalformedEvents != 4 || stats.UpdatesApplied != 0 {
		t.Errorf("counters: %+v", stats)
	}
	if stats.EventsRead != 6 {
		t.Errorf("events read: got %d, want 6", stats.EventsRead)
	}
	if len(snaps) != 1 || snaps[0].BestBid != 100 {
		t.Fatalf("valid batch should still emit: %+v", snaps)
	}
}

func TestTickerAnnotation(t *testing.T) {
	index := tickerindex.New(5 * time.Second)
	index.Add(models.TickerEvent{Timestamp: at(0), ProductID: "BTC-USD", Price: 42000, Volume24h: 10})

	events := seedBatch(at(2), "BTC-USD", 100, 101)
	events = append(events, seedBatch(at(2), "ETH-USD", 50, 51)...)

	snaps, stats := runEngine(t, engineConfig("off"), index, events)

	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	byProduct := map[string]models.FeatureSnapshot{}
	for _, s := range snaps {
		byProduct[s.ProductID] = s
	}
	btc := byProduct["BTC-USD"]
	if btc.Ticker == nil || btc.Ticker.Price != 42000 {
		t.Errorf("BTC snapshot should carry the ticker within tolerance: %+v", btc.Ticker)
	}
	if eth := byProduct["ETH-USD"]; eth.Ticker != nil {
		t.Errorf("ETH snapshot has no ticker data, got %+v", eth.Ticker)
	}
	if stats.TickerHits != 1 || stats.TickerMisses != 1 {
		t.Errorf("ticker counters: %+v", stats)
	}
}

func TestShardedWorkersCoverAllProducts(t *testing.T) {
	cfg := engineConfig("off")
	cfg.Engine.MaxWorkers = 3

	products := []string{"BTC-USD", "ETH-USD", "SOL-USD", "DOGE-USD"}
	var events []models.OrderEvent
	for i, p := range products {
		bid := float64(100 * (i + 1))
		events = append(events, seedBatch(at(0), p, bid, bid+1)...)
	}

	snaps, stats := runEngine(t, cfg, nil, events)

	if len(snaps) != len(products) {
		t.Fatalf("expected %d snapshots, got %d", len(products), len(snaps))
	}
	byProduct := map[string]models.FeatureSnapshot{}
	for _, s := range snaps {
		byProduct[s.ProductID] = s
	}
	for i, p := range products {
		s, ok := byProduct[p]
		if !ok {
			t.Fatalf("no snapshot for %s", p)
		}
		if want := float64(100 * (i + 1)); s.BestBid != want {
			t.Errorf("%s best bid: got %v, want %v", p, s.BestBid, want)
		}
	}
	if stats.BatchesApplied != 4 || stats.BooksTracked != 4 {
		t.Errorf("counters: %+v", stats)
	}
}

func TestUpdateBeforeFirstSnapshot(t *testing.T) {
	events := []models.OrderEvent{updEvent(at(0), "BTC-USD", models.SideBid, 100, 1)}

	snaps, stats := runEngine(t, engineConfig("off"), nil, events)

	if len(snaps) != 0 {
		t.Fatalf("one-sided book must not emit: %+v", snaps)
	}
	if stats.UpdatesApplied != 1 || stats.BooksSkipped != 1 || stats.BooksTracked != 1 {
		t.Errorf("counters: %+v", stats)
	}
}

func TestReconstructorStartStop(t *testing.T) {
	cfg := engineConfig("off")
	ch := channel.NewChannels(1, 1)
	rec := NewReconstructor(cfg, ch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rec.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}

	ch.CloseEvents()
	for range ch.Snapshots {
	}
	rec.Stop()
}

func TestOutOfOrderError(t *testing.T) {
	err := fmt.Errorf("apply: %w", &OutOfOrderError{
		ProductID: "BTC-USD",
		Timestamp: at(0),
		LastSeen:  at(10),
	})

	var target *OutOfOrderError
	if !errors.As(err, &target) {
		t.Fatal("errors.As failed")
	}
	if target.ProductID != "BTC-USD" {
		t.Errorf("product: %s", target.ProductID)
	}
	if !strings.Contains(err.Error(), "BTC-USD") {
		t.Errorf("message: %s", err.Error())
	}
}
