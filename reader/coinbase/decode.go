package coinbase

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"bookflow/models"
)

const (
	level2Channel = "l2_data"
	tickerChannel = "ticker"
)

// level2Message mirrors one line of a captured Advanced Trade l2_data feed.
type level2Message struct {
	Channel     string        `json:"channel"`
	Timestamp   string        `json:"timestamp"`
	SequenceNum int64         `json:"sequence_num"`
	Events      []level2Event `json:"events"`
}

type level2Event struct {
	Type      string         `json:"type"`
	ProductID string         `json:"product_id"`
	Updates   []level2Update `json:"updates"`
}

type level2Update struct {
	Side        string `json:"side"`
	EventTime   string `json:"event_time"`
	PriceLevel  string `json:"price_level"`
	NewQuantity string `json:"new_quantity"`
}

// tickerMessage mirrors one line of a captured ticker feed.
type tickerMessage struct {
	Channel   string        `json:"channel"`
	Timestamp string        `json:"timestamp"`
	Events    []tickerEvent `json:"events"`
}

type tickerEvent struct {
	Type    string        `json:"type"`
	Tickers []tickerQuote `json:"tickers"`
}

type tickerQuote struct {
	ProductID          string `json:"product_id"`
	Price              string `json:"price"`
	Volume24H          string `json:"volume_24_h"`
	Low24H             string `json:"low_24_h"`
	High24H            string `json:"high_24_h"`
	PricePercentChg24H string `json:"price_percent_chg_24_h"`
}

// DecodeLevel2 flattens one l2_data message line into order events. All
// events in the line share the message timestamp. Entries whose price or
// quantity cannot be parsed to a finite number are dropped and counted in
// the second return value. Lines from other channels decode to no events.
func DecodeLevel2(line []byte) ([]models.OrderEvent, int, error) {
	var msg level2Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, 0, fmt.Errorf("invalid level2 line: %w", err)
	}
	if msg.Channel != level2Channel {
		return nil, 0, nil
	}

	ts, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid message timestamp '%s': %w", msg.Timestamp, err)
	}

	var events []models.OrderEvent
	dropped := 0
	for _, ev := range msg.Events {
		var kind models.EventKind
		switch ev.Type {
		case "snapshot":
			kind = models.KindSnapshot
		case "update":
			kind = models.KindUpdate
		default:
			dropped += len(ev.Updates)
			continue
		}
		if ev.ProductID == "" {
			dropped += len(ev.Updates)
			continue
		}
		for _, u := range ev.Updates {
			side, ok := normalizeSide(u.Side)
			if !ok {
				dropped++
				continue
			}
			price, ok := parseFinite(u.PriceLevel)
			if !ok {
				dropped++
				continue
			}
			quantity, ok := parseFinite(u.NewQuantity)
			if !ok {
				dropped++
				continue
			}
			events = append(events, models.OrderEvent{
				Timestamp: ts,
				ProductID: ev.ProductID,
				Kind:      kind,
				Side:      side,
				Price:     price,
				Quantity:  quantity,
			})
		}
	}
	return events, dropped, nil
}

// DecodeTicker flattens one ticker message line into ticker events. Quotes
// without a parseable price are dropped and counted in the second return
// value; the remaining 24h statistics fall back to zero when absent.
func DecodeTicker(line []byte) ([]models.TickerEvent, int, error) {
	var msg tickerMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, 0, fmt.Errorf("invalid ticker line: %w", err)
	}
	if msg.Channel != tickerChannel {
		return nil, 0, nil
	}

	ts, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid message timestamp '%s': %w", msg.Timestamp, err)
	}

	var events []models.TickerEvent
	dropped := 0
	for _, ev := range msg.Events {
		for _, q := range ev.Tickers {
			price, ok := parseFinite(q.Price)
			if !ok || q.ProductID == "" {
				dropped++
				continue
			}
			events = append(events, models.TickerEvent{
				Timestamp:         ts,
				ProductID:         q.ProductID,
				Price:             price,
				Volume24h:         parseOptional(q.Volume24H),
				Low24h:            parseOptional(q.Low24H),
				High24h:           parseOptional(q.High24H),
				PriceChangePct24h: parseOptional(q.PricePercentChg24H),
			})
		}
	}
	return events, dropped, nil
}

// normalizeSide maps wire side labels onto book sides. The feed reports the
// ask side as "offer".
func normalizeSide(s string) (models.Side, bool) {
	switch s {
	case "bid":
		return models.SideBid, true
	case "offer", "ask":
		return models.SideAsk, true
	default:
		return "", false
	}
}

func parseFinite(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parseOptional(s string) float64 {
	if v, ok := parseFinite(s); ok {
		return v
	}
	return 0
}
