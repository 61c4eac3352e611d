package processor

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	appconfig "bookflow/config"
	"bookflow/internal/channel"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/orderbook"
	"bookflow/tickerindex"
)

// Reconstructor consumes the ordered event stream, maintains one book per
// product and emits feature snapshots on the configured cadence. Products
// are hash-partitioned across workers so every book has exactly one owning
// goroutine. The snapshot channel is closed once the event stream and all
// open batches have been drained.
type Reconstructor struct {
	config   *appconfig.Config
	channels *channel.Channels
	tickers  *tickerindex.Index
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	filter   orderbook.OutlierFilter
	interval time.Duration
	depth    int

	shards []*shard
	inputs []chan models.OrderEvent

	// Metrics
	eventsRead       int64
	snapshotEvents   int64
	updateEvents     int64
	batchesApplied   int64
	updatesApplied   int64
	outliersFiltered int64
	booksSkipped     int64
	snapshotsEmitted int64
	tickerHits       int64
	tickerMisses     int64
	malformedEvents  int64
	outOfOrderEvents int64
	booksTracked     int64
}

// EngineStats is a point-in-time copy of the reconstruction counters.
type EngineStats struct {
	EventsRead       int64
	SnapshotEvents   int64
	UpdateEvents     int64
	BatchesApplied   int64
	UpdatesApplied   int64
	OutliersFiltered int64
	BooksSkipped     int64
	SnapshotsEmitted int64
	TickerHits       int64
	TickerMisses     int64
	MalformedEvents  int64
	OutOfOrderEvents int64
	BooksTracked     int64
}

func NewReconstructor(cfg *appconfig.Config, ch *channel.Channels, tickers *tickerindex.Index) *Reconstructor {
	policy, err := orderbook.ParsePolicy(cfg.Engine.Outlier.Policy)
	if err != nil {
		policy = orderbook.PolicyOff
	}

	return &Reconstructor{
		config:   cfg,
		channels: ch,
		tickers:  tickers,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		filter: orderbook.OutlierFilter{
			Policy:       policy,
			ThresholdPct: cfg.Engine.Outlier.ThresholdPct,
			Alpha:        cfg.Engine.Outlier.EMAAlpha,
		},
		interval: cfg.Engine.SnapshotInterval.Std(),
		depth:    cfg.Engine.DepthLevels,
	}
}

func (r *Reconstructor) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reconstructor already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	workers := r.config.Engine.MaxWorkers
	if workers < 1 {
		workers = 1
	}

	log := r.log.WithComponent("reconstructor").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"workers":           workers,
		"snapshot_interval": r.interval.String(),
		"depth_levels":      r.depth,
		"outlier_policy":    string(r.filter.Policy),
	}).Info("starting reconstructor")

	if workers == 1 {
		s := newShard(0, r, r.channels.Events)
		r.shards = []*shard{s}
		r.wg.Add(1)
		go s.run()
	} else {
		buf := r.config.Channels.EventBuffer / workers
		if buf < 16 {
			buf = 16
		}
		r.inputs = make([]chan models.OrderEvent, workers)
		r.shards = make([]*shard, workers)
		for i := 0; i < workers; i++ {
			r.inputs[i] = make(chan models.OrderEvent, buf)
			r.shards[i] = newShard(i, r, r.inputs[i])
			r.wg.Add(1)
			go r.shards[i].run()
		}
		r.wg.Add(1)
		go r.dispatch()
	}

	// Start metrics reporter
	go r.metricsReporter(ctx)

	go r.awaitDrain()

	log.Info("reconstructor started successfully")
	return nil
}

func (r *Reconstructor) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("reconstructor").Info("stopping reconstructor")
	r.wg.Wait()
	r.log.WithComponent("reconstructor").Info("reconstructor stopped")
}

// Stats returns a snapshot of the reconstruction counters.
func (r *Reconstructor) Stats() EngineStats {
	return EngineStats{
		EventsRead:       atomic.LoadInt64(&r.eventsRead),
		SnapshotEvents:   atomic.LoadInt64(&r.snapshotEvents),
		UpdateEvents:     atomic.LoadInt64(&r.updateEvents),
		BatchesApplied:   atomic.LoadInt64(&r.batchesApplied),
		UpdatesApplied:   atomic.LoadInt64(&r.updatesApplied),
		OutliersFiltered: atomic.LoadInt64(&r.outliersFiltered),
		BooksSkipped:     atomic.LoadInt64(&r.booksSkipped),
		SnapshotsEmitted: atomic.LoadInt64(&r.snapshotsEmitted),
		TickerHits:       atomic.LoadInt64(&r.tickerHits),
		TickerMisses:     atomic.LoadInt64(&r.tickerMisses),
		MalformedEvents:  atomic.LoadInt64(&r.malformedEvents),
		OutOfOrderEvents: atomic.LoadInt64(&r.outOfOrderEvents),
		BooksTracked:     atomic.LoadInt64(&r.booksTracked),
	}
}

// dispatch routes events to shard inputs by product hash. The shard inputs
// are closed when the upstream event channel closes so workers can flush
// their open batches and exit.
func (r *Reconstructor) dispatch() {
	defer r.wg.Done()
	defer func() {
		for _, in := range r.inputs {
			close(in)
		}
	}()

	log := r.log.WithComponent("reconstructor").WithFields(logger.Fields{"worker": "dispatcher"})

	for {
		select {
		case <-r.ctx.Done():
			log.Info("dispatcher stopped due to context cancellation")
			return
		case ev, ok := <-r.channels.Events:
			if !ok {
				log.Info("event channel closed, dispatcher stopping")
				return
			}
			in := r.inputs[shardFor(ev.ProductID, len(r.inputs))]
			select {
			case in <- ev:
			case <-r.ctx.Done():
				return
			}
		}
	}
}

// shardFor routes a product to a worker. FNV-1a keeps the mapping stable
// across runs, so replay output per product is deterministic for a given
// worker count.
func shardFor(productID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(productID))
	return int(h.Sum32() % uint32(n))
}

// awaitDrain closes the snapshot channel after every worker has finished so
// downstream writers observe end of stream.
func (r *Reconstructor) awaitDrain() {
	r.wg.Wait()
	r.reportMetrics()
	r.channels.CloseSnapshots()
}

func (r *Reconstructor) metricsReporter(ctx context.Context) {
	interval := r.config.Metrics.Interval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reportMetrics()
		}
	}
}

func (r *Reconstructor) reportMetrics() {
	stats := r.Stats()

	r.log.LogMetric("reconstructor", "events_read", stats.EventsRead, "counter", logger.Fields{})
	r.log.LogMetric("reconstructor", "snapshot_events", stats.SnapshotEvents, "counter", logger.Fields{})
	r.log.LogMetric("reconstructor", "update_events", stats.UpdateEvents, "counter", logger.Fields{})
	r.log.LogMetric("reconstructor", "batches_applied", stats.BatchesApplied, "counter", logger.Fields{})
	r.log.LogMetric("reconstructor", "updates_applied", stats.UpdatesApplied, "counter", logger.Fields{})
	r.log.LogMetric("reconstructor", "outliers_filtered", stats.OutliersFiltered, "counter", logger.Fields{})
	r.log.LogMetric("reconstructor", "books_skipped", stats.BooksSkipped, "counter", logger.Fields{})
	r.log.LogMetric("reconstructor", "snapshots_emitted", stats.SnapshotsEmitted, "counter", logger.Fields{})
	r.log.LogMetric("reconstructor", "ticker_hits", stats.TickerHits, "counter", logger.Fields{})
	r.log.LogMetric("reconstructor", "ticker_misses", stats.TickerMisses, "counter", logger.Fields{})
	r.log.LogMetric("reconstructor", "malformed_events", stats.MalformedEvents, "counter", logger.Fields{})
	r.log.LogMetric("reconstructor", "out_of_order_events", stats.OutOfOrderEvents, "counter", logger.Fields{})
	r.log.LogMetric("reconstructor", "books_tracked", stats.BooksTracked, "gauge", logger.Fields{})

	r.log.WithComponent("reconstructor").WithFields(logger.Fields{
		"events_read":         stats.EventsRead,
		"snapshot_events":     stats.SnapshotEvents,
		"update_events":       stats.UpdateEvents,
		"batches_applied":     stats.BatchesApplied,
		"updates_applied":     stats.UpdatesApplied,
		"outliers_filtered":   stats.OutliersFiltered,
		"books_skipped":       stats.BooksSkipped,
		"snapshots_emitted":   stats.SnapshotsEmitted,
		"ticker_hits":         stats.TickerHits,
		"ticker_misses":       stats.TickerMisses,
		"malformed_events":    stats.MalformedEvents,
		"out_of_order_events": stats.OutOfOrderEvents,
		"books_tracked":       stats.BooksTracked,
		"event_channel_len":   len(r.channels.Events),
		"event_channel_cap":   cap(r.channels.Events),
		"snapshot_chan_len":   len(r.channels.Snapshots),
		"snapshot_chan_cap":   cap(r.channels.Snapshots),
	}).Info("reconstructor metrics")
}
