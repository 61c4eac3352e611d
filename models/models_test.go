package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestOrderEventJSON(t *testing.T) {
	ev := OrderEvent{
		Timestamp: time.Unix(1700000000, 0).UTC(),
		ProductID: "BTC-USD",
		Kind:      KindUpdate,
		Side:      SideBid,
		Price:     35000.5,
		Quantity:  0.25,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out OrderEvent
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !ev.Timestamp.Equal(out.Timestamp) || ev.ProductID != out.ProductID ||
		ev.Kind != out.Kind || ev.Side != out.Side || ev.Price != out.Price || ev.Quantity != out.Quantity {
		t.Fatalf("round trip mismatch: %+v != %+v", ev, out)
	}
}

func TestSideValid(t *testing.T) {
	cases := []struct {
		side Side
		want bool
	}{
		{SideBid, true},
		{SideAsk, true},
		{Side("offer"), false},
		{Side(""), false},
	}
	for _, c := range cases {
		if got := c.side.Valid(); got != c.want {
			t.Errorf("Side(%q).Valid() = %v, want %v", c.side, got, c.want)
		}
	}
}

func TestTickerEventQuote(t *testing.T) {
	ev := TickerEvent{
		Timestamp:         time.Unix(1700000000, 0).UTC(),
		ProductID:         "ETH-USD",
		Price:             2000.25,
		Volume24h:         1234.5,
		Low24h:            1900,
		High24h:           2100,
		PriceChangePct24h: -1.5,
	}
	q := ev.Quote()
	if q.Price != ev.Price || q.Volume24h != ev.Volume24h || q.Low24h != ev.Low24h ||
		q.High24h != ev.High24h || q.PriceChangePct24h != ev.PriceChangePct24h {
		t.Fatalf("quote mismatch: %+v from %+v", q, ev)
	}
}

func TestFeatureSnapshotOmitsNilTicker(t *testing.T) {
	snap := FeatureSnapshot{
		Timestamp: time.Unix(1700000000, 0).UTC(),
		ProductID: "BTC-USD",
		BestBid:   100,
		BestAsk:   101,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["ticker"]; ok {
		t.Fatalf("expected ticker field omitted when nil, got %s", data)
	}
}
