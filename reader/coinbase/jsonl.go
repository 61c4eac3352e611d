package coinbase

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"bookflow/config"
	"bookflow/internal/channel"
	"bookflow/logger"

	"golang.org/x/time/rate"
)

// Scanner buffer bounds. Snapshot lines carry full book depth and can run
// to several megabytes.
const (
	scanInitialBuffer = 1024 * 1024
	scanMaxBuffer     = 64 * 1024 * 1024
)

// FileReader replays a captured level2 JSONL file into the event channel in
// file order. It closes the event channel when the file is exhausted so the
// rest of the pipeline can drain and terminate.
type FileReader struct {
	config   *config.Config
	channels *channel.Channels
	file     *os.File
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	products map[string]struct{}
	limiter  *rate.Limiter

	linesRead      int64
	eventsDecoded  int64
	malformedLines int64
	droppedEntries int64
}

// ReaderStats is a point-in-time copy of the reader counters.
type ReaderStats struct {
	LinesRead      int64
	EventsDecoded  int64
	MalformedLines int64
	DroppedEntries int64
}

// NewFileReader creates a replay reader for the capture file configured
// under reader.level2_path. Products outside the configured allow-list are
// skipped; an empty list replays everything.
func NewFileReader(cfg *config.Config, ch *channel.Channels) *FileReader {
	products := make(map[string]struct{}, len(cfg.Reader.Products))
	for _, p := range cfg.Reader.Products {
		products[p] = struct{}{}
	}

	var limiter *rate.Limiter
	if rps := cfg.Reader.RateLimit; rps > 0 {
		burst := cfg.Reader.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return &FileReader{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		products: products,
		limiter:  limiter,
	}
}

// Start opens the capture file and launches the replay worker.
func (r *FileReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("jsonl-reader").WithFields(logger.Fields{"operation": "Start"})

	file, err := os.Open(r.config.Reader.Level2Path)
	if err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return fmt.Errorf("failed to open level2 capture: %w", err)
	}
	r.file = file

	log.WithFields(logger.Fields{
		"path":       r.config.Reader.Level2Path,
		"products":   r.config.Reader.Products,
		"rate_limit": r.config.Reader.RateLimit,
	}).Info("starting level2 replay")

	r.wg.Add(1)
	go r.replay()

	log.Info("jsonl reader started successfully")
	return nil
}

// Stop waits for the replay worker to finish.
func (r *FileReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.log.WithComponent("jsonl-reader").Info("stopping jsonl reader")
	r.wg.Wait()
	r.log.WithComponent("jsonl-reader").Info("jsonl reader stopped")
}

// Stats returns a snapshot of the reader counters.
func (r *FileReader) Stats() ReaderStats {
	return ReaderStats{
		LinesRead:      atomic.LoadInt64(&r.linesRead),
		EventsDecoded:  atomic.LoadInt64(&r.eventsDecoded),
		MalformedLines: atomic.LoadInt64(&r.malformedLines),
		DroppedEntries: atomic.LoadInt64(&r.droppedEntries),
	}
}

// replay streams the capture file line by line. The event channel is closed
// on the way out regardless of how the replay ends, so downstream stages see
// end of input instead of hanging.
func (r *FileReader) replay() {
	defer r.wg.Done()
	defer r.channels.CloseEvents()
	defer r.file.Close()

	log := r.log.WithComponent("jsonl-reader").WithFields(logger.Fields{"worker": "level2_replay"})

	scanner := bufio.NewScanner(r.file)
	scanner.Buffer(make([]byte, 0, scanInitialBuffer), scanMaxBuffer)

	for scanner.Scan() {
		select {
		case <-r.ctx.Done():
			log.Info("replay stopped due to context cancellation")
			return
		default:
		}

		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		atomic.AddInt64(&r.linesRead, 1)

		events, dropped, err := DecodeLevel2(line)
		if dropped > 0 {
			atomic.AddInt64(&r.droppedEntries, int64(dropped))
		}
		if err != nil {
			atomic.AddInt64(&r.malformedLines, 1)
			log.WithError(err).Debug("skipping malformed capture line")
			continue
		}
		if len(events) == 0 {
			continue
		}
		logger.IncrementEventRead(len(line))

		for _, ev := range events {
			if !r.allowed(ev.ProductID) {
				continue
			}
			if r.limiter != nil {
				if err := r.limiter.Wait(r.ctx); err != nil {
					log.WithError(err).Info("replay stopped while rate limited")
					return
				}
			}
			if !r.channels.SendEvent(r.ctx, ev) {
				log.Info("replay stopped while forwarding events")
				return
			}
			atomic.AddInt64(&r.eventsDecoded, 1)
		}
	}

	if err := scanner.Err(); err != nil {
		log.WithError(err).Error("capture scan failed")
	}

	stats := r.Stats()
	logger.LogDataFlowEntry(log, "level2_jsonl", "event_channel", int(stats.EventsDecoded), "order_events")
	log.WithFields(logger.Fields{
		"lines_read":      stats.LinesRead,
		"events_decoded":  stats.EventsDecoded,
		"malformed_lines": stats.MalformedLines,
		"dropped_entries": stats.DroppedEntries,
	}).Info("level2 replay complete")
}

func (r *FileReader) allowed(productID string) bool {
	if len(r.products) == 0 {
		return true
	}
	_, ok := r.products[productID]
	return ok
}
