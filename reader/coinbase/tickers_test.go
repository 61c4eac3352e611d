package coinbase

import (
	"testing"
	"time"
)

func TestLoadTickers(t *testing.T) {
	path := writeCapture(t,
		`{"channel":"ticker","timestamp":"2024-01-15T10:00:00Z","events":[{"type":"snapshot","tickers":[{"product_id":"BTC-USD","price":"42000","volume_24_h":"10"}]}]}`,
		`{"channel":"ticker","timestamp":"2024-01-15T10:00:30Z","events":[{"type":"update","tickers":[{"product_id":"BTC-USD","price":"42100","volume_24_h":"11"},{"product_id":"ETH-USD","price":"2500"}]}]}`,
	)

	index, err := LoadTickers(path, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("LoadTickers failed: %v", err)
	}
	if index.Len() != 3 {
		t.Errorf("index entries: got %d, want 3", index.Len())
	}

	at := time.Date(2024, 1, 15, 10, 0, 2, 0, time.UTC)
	q, ok := index.Lookup("BTC-USD", at)
	if !ok || q.Price != 42000 {
		t.Errorf("lookup near first quote: %+v ok=%v", q, ok)
	}

	at = time.Date(2024, 1, 15, 10, 0, 28, 0, time.UTC)
	q, ok = index.Lookup("BTC-USD", at)
	if !ok || q.Price != 42100 {
		t.Errorf("lookup near second quote: %+v ok=%v", q, ok)
	}
}

func TestLoadTickersFiltersProducts(t *testing.T) {
	path := writeCapture(t,
		`{"channel":"ticker","timestamp":"2024-01-15T10:00:00Z","events":[{"type":"update","tickers":[{"product_id":"BTC-USD","price":"42000"},{"product_id":"ETH-USD","price":"2500"}]}]}`,
	)

	index, err := LoadTickers(path, []string{"ETH-USD"}, time.Second)
	if err != nil {
		t.Fatalf("LoadTickers failed: %v", err)
	}
	if index.Len() != 1 {
		t.Errorf("index entries: got %d, want 1", index.Len())
	}
	if _, ok := index.Lookup("BTC-USD", time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)); ok {
		t.Error("filtered product should not be indexed")
	}
}

func TestLoadTickersEmptyPath(t *testing.T) {
	index, err := LoadTickers("", nil, time.Second)
	if err != nil {
		t.Fatalf("LoadTickers failed: %v", err)
	}
	if index.Len() != 0 {
		t.Errorf("expected empty index, got %d entries", index.Len())
	}
}
