package tickerindex

import (
	"time"

	"bookflow/models"
)

// Index answers "which ticker was in effect near this timestamp" for
// snapshot annotation. Quotes are keyed by product and Unix second so the
// whole-second tolerance probes can land; within one second the last added
// quote wins. The index is built before the event pass and is read-only
// afterwards, so concurrent lookups need no locking.
type Index struct {
	tolerance int64
	quotes    map[string]map[int64]models.TickerQuote
	entries   int
}

// New creates an empty index. The tolerance is the ± join window; fractions
// of a second are truncated.
func New(tolerance time.Duration) *Index {
	secs := int64(tolerance / time.Second)
	if secs < 0 {
		secs = 0
	}
	return &Index{
		tolerance: secs,
		quotes:    make(map[string]map[int64]models.TickerQuote),
	}
}

// Add indexes one ticker event under its product and second.
func (ix *Index) Add(ev models.TickerEvent) {
	byTime, ok := ix.quotes[ev.ProductID]
	if !ok {
		byTime = make(map[int64]models.TickerQuote)
		ix.quotes[ev.ProductID] = byTime
	}
	sec := ev.Timestamp.Unix()
	if _, exists := byTime[sec]; !exists {
		ix.entries++
	}
	byTime[sec] = ev.Quote()
}

// Lookup finds the quote nearest to ts for the product. The exact second is
// tried first, then probes alternate outward (+1s, -1s, +2s, -2s, ...) to the
// tolerance bound; the first hit wins. A miss reports false and is not an
// error: snapshots are emitted without annotation.
func (ix *Index) Lookup(productID string, ts time.Time) (models.TickerQuote, bool) {
	byTime, ok := ix.quotes[productID]
	if !ok {
		return models.TickerQuote{}, false
	}
	sec := ts.Unix()
	if q, ok := byTime[sec]; ok {
		return q, true
	}
	for delta := int64(1); delta <= ix.tolerance; delta++ {
		if q, ok := byTime[sec+delta]; ok {
			return q, true
		}
		if q, ok := byTime[sec-delta]; ok {
			return q, true
		}
	}
	return models.TickerQuote{}, false
}

// Len reports the number of indexed (product, second) slots.
func (ix *Index) Len() int { return ix.entries }
