package models

import "time"

// FeatureSnapshot represents one emitted market snapshot: top-of-book state
// plus depth-derived features for a single product at a single timestamp.
// Volumes are aggregated over the top DepthLevels price levels per side;
// VWAPs use the top five levels.
type FeatureSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	ProductID string    `json:"product_id"`

	BestBid     float64 `json:"best_bid"`
	BestAsk     float64 `json:"best_ask"`
	MidPrice    float64 `json:"mid_price"`
	Spread      float64 `json:"spread"`
	SpreadBps   float64 `json:"spread_bps"`
	BestBidSize float64 `json:"best_bid_size"`
	BestAskSize float64 `json:"best_ask_size"`

	BidVolume  float64 `json:"bid_volume"`
	AskVolume  float64 `json:"ask_volume"`
	TotalDepth float64 `json:"total_depth"`

	Microprice      float64 `json:"microprice"`
	OrderImbalance  float64 `json:"order_imbalance"`
	BidVWAP         float64 `json:"bid_vwap"`
	AskVWAP         float64 `json:"ask_vwap"`
	MarketImpactBps float64 `json:"market_impact_bps"`

	DepthLevels int `json:"depth_levels"`

	// Ticker is nil when no ticker was observed within the join tolerance.
	Ticker *TickerQuote `json:"ticker,omitempty"`
}
