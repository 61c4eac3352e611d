package processor

import (
	"math"
	"sync/atomic"
	"time"

	"bookflow/logger"
	"bookflow/models"
	"bookflow/orderbook"
)

// shard owns the books of its product partition. All of its state is
// touched by a single goroutine; the only cross-shard traffic is the atomic
// counter updates on the parent.
type shard struct {
	id     int
	rec    *Reconstructor
	events <-chan models.OrderEvent
	log    *logger.Entry

	books    map[string]*orderbook.Book
	lastEmit map[string]time.Time
	lastSeen map[string]time.Time

	// Open snapshot batch. Consecutive snapshot events with the same
	// product and timestamp belong to one rebuild.
	batchOpen    bool
	batchTime    time.Time
	batchProduct string
	pending      []models.BookEntry
}

func newShard(id int, rec *Reconstructor, events <-chan models.OrderEvent) *shard {
	return &shard{
		id:       id,
		rec:      rec,
		events:   events,
		log:      rec.log.WithComponent("reconstructor").WithFields(logger.Fields{"worker_id": id}),
		books:    make(map[string]*orderbook.Book),
		lastEmit: make(map[string]time.Time),
		lastSeen: make(map[string]time.Time),
	}
}

func (s *shard) run() {
	defer s.rec.wg.Done()

	s.log.Info("starting reconstruction worker")

	for {
		select {
		case <-s.rec.ctx.Done():
			s.log.Info("worker stopped due to context cancellation")
			return
		case ev, ok := <-s.events:
			if !ok {
				// End of capture: a batch still open is complete by
				// definition of the stream ending.
				s.closeBatch()
				s.log.WithFields(logger.Fields{"books": len(s.books)}).Info("event stream drained, worker stopping")
				return
			}
			s.process(ev)
		}
	}
}

func (s *shard) process(ev models.OrderEvent) {
	atomic.AddInt64(&s.rec.eventsRead, 1)

	if !validEvent(ev) {
		atomic.AddInt64(&s.rec.malformedEvents, 1)
		s.log.WithFields(logger.Fields{
			"product_id": ev.ProductID,
			"kind":       string(ev.Kind),
			"side":       string(ev.Side),
			"price":      ev.Price,
			"quantity":   ev.Quantity,
		}).Debug("skipping malformed event")
		return
	}

	if last, ok := s.lastSeen[ev.ProductID]; ok && ev.Timestamp.Before(last) {
		atomic.AddInt64(&s.rec.outOfOrderEvents, 1)
		s.log.WithError(&OutOfOrderError{
			ProductID: ev.ProductID,
			Timestamp: ev.Timestamp,
			LastSeen:  last,
		}).Warn("skipping out of order event")
		return
	}
	s.lastSeen[ev.ProductID] = ev.Timestamp

	switch ev.Kind {
	case models.KindSnapshot:
		atomic.AddInt64(&s.rec.snapshotEvents, 1)
		if s.batchOpen && (ev.ProductID != s.batchProduct || !ev.Timestamp.Equal(s.batchTime)) {
			s.closeBatch()
		}
		if !s.batchOpen {
			s.batchOpen = true
			s.batchTime = ev.Timestamp
			s.batchProduct = ev.ProductID
		}
		s.pending = append(s.pending, models.BookEntry{Side: ev.Side, Price: ev.Price, Quantity: ev.Quantity})

	case models.KindUpdate:
		atomic.AddInt64(&s.rec.updateEvents, 1)
		if s.batchOpen {
			s.closeBatch()
		}

		book := s.book(ev.ProductID)
		if !book.ApplyUpdate(ev.Side, ev.Price, ev.Quantity) {
			atomic.AddInt64(&s.rec.outliersFiltered, 1)
			s.log.WithFields(logger.Fields{"product_id": ev.ProductID, "price": ev.Price}).Debug("update rejected by outlier filter")
			return
		}
		atomic.AddInt64(&s.rec.updatesApplied, 1)

		s.maybeEmit(ev.ProductID, ev.Timestamp, false)
	}
}

// closeBatch rebuilds the batch product's book from the accumulated entries
// and always attempts an emission at the batch timestamp: a snapshot batch
// marks a (re)connect, and the fresh state should be visible downstream
// without waiting out the emission interval.
func (s *shard) closeBatch() {
	if !s.batchOpen {
		return
	}
	product, ts := s.batchProduct, s.batchTime
	s.batchOpen = false

	if len(s.pending) == 0 {
		return
	}

	book := s.book(product)
	book.ApplySnapshotBatch(s.pending)
	atomic.AddInt64(&s.rec.batchesApplied, 1)

	bids, asks := book.Depth()
	s.log.WithFields(logger.Fields{
		"product_id": product,
		"entries":    len(s.pending),
		"bids":       bids,
		"asks":       asks,
		"timestamp":  ts,
	}).Debug("book rebuilt from snapshot batch")
	s.pending = s.pending[:0]

	s.maybeEmit(product, ts, true)
}

// maybeEmit extracts and forwards a snapshot when one is due at ts. force
// bypasses the interval check (used on batch close). An attempt that fails
// because the book has an empty side or is crossed does not advance the
// emission clock, so the next valid state emits immediately.
func (s *shard) maybeEmit(productID string, ts time.Time, force bool) {
	if !force {
		if last, ok := s.lastEmit[productID]; ok && ts.Sub(last) < s.rec.interval {
			return
		}
	}

	book := s.book(productID)
	snap, ok := book.Features(s.rec.depth)
	if !ok {
		atomic.AddInt64(&s.rec.booksSkipped, 1)
		s.log.WithFields(logger.Fields{"product_id": productID, "timestamp": ts}).Debug("book not emittable, snapshot skipped")
		return
	}
	snap.Timestamp = ts

	if s.rec.tickers != nil {
		if quote, ok := s.rec.tickers.Lookup(productID, ts); ok {
			atomic.AddInt64(&s.rec.tickerHits, 1)
			snap.Ticker = &quote
		} else {
			atomic.AddInt64(&s.rec.tickerMisses, 1)
			s.log.WithFields(logger.Fields{"product_id": productID, "timestamp": ts}).Debug("no ticker within tolerance")
		}
	}

	if !s.rec.channels.SendSnapshot(s.rec.ctx, snap) {
		return
	}
	s.lastEmit[productID] = ts
	atomic.AddInt64(&s.rec.snapshotsEmitted, 1)
	logger.IncrementSnapshotEmitted()
}

func (s *shard) book(productID string) *orderbook.Book {
	b, ok := s.books[productID]
	if !ok {
		b = orderbook.NewBook(productID, s.rec.filter)
		s.books[productID] = b
		atomic.AddInt64(&s.rec.booksTracked, 1)
		s.log.WithFields(logger.Fields{"product_id": productID}).Debug("tracking new product")
	}
	return b
}

// validEvent rejects events that cannot be applied to a book: unknown side
// or kind, missing product or timestamp, non-finite or non-positive price,
// non-finite or negative quantity.
func validEvent(ev models.OrderEvent) bool {
	if ev.ProductID == "" || ev.Timestamp.IsZero() || !ev.Side.Valid() {
		return false
	}
	if ev.Kind != models.KindSnapshot && ev.Kind != models.KindUpdate {
		return false
	}
	if math.IsNaN(ev.Price) || math.IsInf(ev.Price, 0) || ev.Price <= 0 {
		return false
	}
	if math.IsNaN(ev.Quantity) || math.IsInf(ev.Quantity, 0) || ev.Quantity < 0 {
		return false
	}
	return true
}
