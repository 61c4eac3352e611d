package models

import "time"

// Side identifies which half of the book a price level belongs to.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideBid || s == SideAsk
}

// EventKind distinguishes full-book snapshot entries from incremental updates.
type EventKind string

const (
	KindSnapshot EventKind = "snapshot"
	KindUpdate   EventKind = "update"
)

// OrderEvent represents a single decoded level2 event: one price level of a
// snapshot batch, or one incremental update. Quantity is the absolute visible
// quantity at the price; zero quantity on an update removes the level.
type OrderEvent struct {
	Timestamp time.Time `json:"timestamp"`
	ProductID string    `json:"product_id"`
	Kind      EventKind `json:"event_type"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price_level"`
	Quantity  float64   `json:"new_quantity"`
}

// BookEntry is one buffered entry of a snapshot batch. Timestamp and product
// are carried by the batch key, not repeated per entry.
type BookEntry struct {
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// TickerEvent represents a single decoded ticker observation.
type TickerEvent struct {
	Timestamp         time.Time `json:"timestamp"`
	ProductID         string    `json:"product_id"`
	Price             float64   `json:"price"`
	Volume24h         float64   `json:"volume_24_h"`
	Low24h            float64   `json:"low_24_h"`
	High24h           float64   `json:"high_24_h"`
	PriceChangePct24h float64   `json:"price_percent_chg_24_h"`
}

// Quote returns the annotation payload of the ticker event.
func (t TickerEvent) Quote() TickerQuote {
	return TickerQuote{
		Price:             t.Price,
		Volume24h:         t.Volume24h,
		Low24h:            t.Low24h,
		High24h:           t.High24h,
		PriceChangePct24h: t.PriceChangePct24h,
	}
}

// TickerQuote carries the ticker fields attached to an emitted snapshot.
type TickerQuote struct {
	Price             float64 `json:"ticker_price"`
	Volume24h         float64 `json:"ticker_volume_24h"`
	Low24h            float64 `json:"ticker_low_24h"`
	High24h           float64 `json:"ticker_high_24h"`
	PriceChangePct24h float64 `json:"ticker_price_change_24h_pct"`
}
