package orderbook

import (
	"math"
	"sort"
	"strings"

	"bookflow/models"
)

// Typical market order sizes used for the simulated-fill impact feature.
const (
	btcImpactOrderSize     = 0.1
	defaultImpactOrderSize = 1.0
)

// Level is one price level of a sorted ladder view.
type Level struct {
	Price    float64
	Quantity float64
}

// TopOfBook is a sorted, depth-limited view of both sides: Bids descending,
// Asks ascending, volumes summed over the included levels.
type TopOfBook struct {
	BestBid     float64
	BestAsk     float64
	BestBidSize float64
	BestAskSize float64
	BidVolume   float64
	AskVolume   float64
	Bids        []Level
	Asks        []Level
}

// Book maintains the order book of a single product: two price ladders keyed
// by price with absolute visible quantities, plus the mid-price anchors used
// for outlier screening. A Book is owned by exactly one goroutine and carries
// no locking.
type Book struct {
	productID string
	bids      map[float64]float64
	asks      map[float64]float64
	filter    OutlierFilter

	refMid    float64
	refSeeded bool
	emaMid    float64
	emaSeeded bool
}

// NewBook creates an empty book for the product. The filter is run
// configuration captured at construction; anchor state starts unseeded so
// nothing is screened until a valid mid has been observed.
func NewBook(productID string, filter OutlierFilter) *Book {
	return &Book{
		productID: productID,
		bids:      make(map[float64]float64),
		asks:      make(map[float64]float64),
		filter:    filter,
	}
}

func (b *Book) ProductID() string { return b.productID }

// Depth returns the number of populated price levels per side.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

// ApplySnapshotBatch discards the current ladders and rebuilds both sides
// from the batch. Entries without positive quantity are dropped. When the
// rebuilt book has both sides populated, the outlier anchors are re-seeded
// from the new mid: a snapshot after a reconnect is authoritative state.
func (b *Book) ApplySnapshotBatch(entries []models.BookEntry) {
	clear(b.bids)
	clear(b.asks)

	for _, e := range entries {
		if e.Quantity <= 0 {
			continue
		}
		switch e.Side {
		case models.SideBid:
			b.bids[e.Price] = e.Quantity
		case models.SideAsk:
			b.asks[e.Price] = e.Quantity
		}
	}

	if len(b.bids) > 0 && len(b.asks) > 0 {
		b.seedMid((maxPrice(b.bids) + minPrice(b.asks)) / 2)
	}
}

// ApplyUpdate applies one incremental update and reports whether it was
// applied. A price rejected by the outlier filter leaves the book untouched
// and returns false. Zero quantity removes the level (removing an absent
// level is a no-op); positive quantity replaces it.
func (b *Book) ApplyUpdate(side models.Side, price, quantity float64) bool {
	if b.isOutlier(price) {
		return false
	}

	var ladder map[float64]float64
	switch side {
	case models.SideBid:
		ladder = b.bids
	case models.SideAsk:
		ladder = b.asks
	default:
		return false
	}

	if quantity == 0 {
		delete(ladder, price)
	} else {
		ladder[price] = quantity
	}
	return true
}

// TopOfBook returns the sorted depth-limited view. It reports false when
// either side is empty or the book is crossed (best bid at or above best
// ask); no snapshot may be derived from such a state. Non-positive depth
// includes every level. Read-only.
func (b *Book) TopOfBook(depth int) (TopOfBook, bool) {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return TopOfBook{}, false
	}

	bids := topLevels(b.bids, depth, true)
	asks := topLevels(b.asks, depth, false)

	if bids[0].Price >= asks[0].Price {
		return TopOfBook{}, false
	}

	top := TopOfBook{
		BestBid:     bids[0].Price,
		BestAsk:     asks[0].Price,
		BestBidSize: bids[0].Quantity,
		BestAskSize: asks[0].Quantity,
		Bids:        bids,
		Asks:        asks,
	}
	for _, lvl := range bids {
		top.BidVolume += lvl.Quantity
	}
	for _, lvl := range asks {
		top.AskVolume += lvl.Quantity
	}
	return top, true
}

// Features extracts the snapshot feature set over the top depth levels. It
// reports false exactly when TopOfBook does. On success the current mid is
// observed into the outlier anchors before the features are returned. The
// caller stamps Timestamp.
func (b *Book) Features(depth int) (models.FeatureSnapshot, bool) {
	top, ok := b.TopOfBook(depth)
	if !ok {
		return models.FeatureSnapshot{}, false
	}

	mid := (top.BestBid + top.BestAsk) / 2
	b.observeMid(mid)

	spread := top.BestAsk - top.BestBid
	totalDepth := top.BidVolume + top.AskVolume

	snap := models.FeatureSnapshot{
		ProductID:   b.productID,
		BestBid:     top.BestBid,
		BestAsk:     top.BestAsk,
		MidPrice:    mid,
		Spread:      spread,
		BestBidSize: top.BestBidSize,
		BestAskSize: top.BestAskSize,
		BidVolume:   top.BidVolume,
		AskVolume:   top.AskVolume,
		TotalDepth:  totalDepth,
		Microprice:  mid,
		BidVWAP:     vwap(top.Bids, 5),
		AskVWAP:     vwap(top.Asks, 5),
		DepthLevels: depth,
	}

	if mid > 0 {
		snap.SpreadBps = spread / mid * 10000
	}
	if totalDepth > 0 {
		snap.Microprice = (top.BestBid*top.AskVolume + top.BestAsk*top.BidVolume) / totalDepth
		snap.OrderImbalance = (top.BidVolume - top.AskVolume) / totalDepth
	}
	snap.MarketImpactBps = marketImpactBps(b.productID, top)

	return snap, true
}

func topLevels(side map[float64]float64, depth int, descending bool) []Level {
	prices := make([]float64, 0, len(side))
	for p := range side {
		prices = append(prices, p)
	}
	sort.Float64s(prices)
	if descending {
		for i, j := 0, len(prices)-1; i < j; i, j = i+1, j-1 {
			prices[i], prices[j] = prices[j], prices[i]
		}
	}

	if depth <= 0 || depth > len(prices) {
		depth = len(prices)
	}
	levels := make([]Level, depth)
	for i, p := range prices[:depth] {
		levels[i] = Level{Price: p, Quantity: side[p]}
	}
	return levels
}

// vwap computes the volume-weighted average price over the first n levels,
// falling back to the best price when the included volume is zero.
func vwap(levels []Level, n int) float64 {
	if len(levels) == 0 {
		return 0
	}
	if n > len(levels) {
		n = len(levels)
	}
	var notional, volume float64
	for _, lvl := range levels[:n] {
		notional += lvl.Price * lvl.Quantity
		volume += lvl.Quantity
	}
	if volume == 0 {
		return levels[0].Price
	}
	return notional / volume
}

// marketImpactBps simulates filling a typical market buy against the visible
// ask levels and returns the slippage of the average fill price versus the
// best ask, in basis points.
func marketImpactBps(productID string, top TopOfBook) float64 {
	orderSize := defaultImpactOrderSize
	if strings.Contains(productID, "BTC") {
		orderSize = btcImpactOrderSize
	}

	var filled, cost float64
	for _, lvl := range top.Asks {
		if filled >= orderSize {
			break
		}
		take := math.Min(lvl.Quantity, orderSize-filled)
		cost += lvl.Price * take
		filled += take
	}
	if filled == 0 {
		return 0
	}
	avgFill := cost / filled
	return (avgFill - top.BestAsk) / top.BestAsk * 10000
}

func maxPrice(side map[float64]float64) float64 {
	max := math.Inf(-1)
	for p := range side {
		if p > max {
			max = p
		}
	}
	return max
}

func minPrice(side map[float64]float64) float64 {
	min := math.Inf(1)
	for p := range side {
		if p < min {
			min = p
		}
	}
	return min
}
