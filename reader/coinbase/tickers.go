package coinbase

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"time"

	"bookflow/logger"
	"bookflow/tickerindex"
)

// LoadTickers reads a captured ticker JSONL file into a lookup index keyed
// by product and second. The whole file is indexed before replay starts so
// snapshot emission can join against it without ordering constraints.
// Products outside the allow-list are ignored; an empty list loads all.
func LoadTickers(path string, products []string, tolerance time.Duration) (*tickerindex.Index, error) {
	index := tickerindex.New(tolerance)
	if path == "" {
		return index, nil
	}

	log := logger.GetLogger().WithComponent("ticker-reader").WithFields(logger.Fields{"path": path})

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ticker capture: %w", err)
	}
	defer file.Close()

	allowed := make(map[string]struct{}, len(products))
	for _, p := range products {
		allowed[p] = struct{}{}
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, scanInitialBuffer), scanMaxBuffer)

	var linesRead, malformedLines, droppedQuotes, quotesLoaded int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		linesRead++

		events, dropped, err := DecodeTicker(line)
		droppedQuotes += int64(dropped)
		if err != nil {
			malformedLines++
			log.WithError(err).Debug("skipping malformed ticker line")
			continue
		}
		if len(events) == 0 {
			continue
		}
		logger.IncrementTickerRead(len(line))

		for _, ev := range events {
			if len(allowed) > 0 {
				if _, ok := allowed[ev.ProductID]; !ok {
					continue
				}
			}
			index.Add(ev)
			quotesLoaded++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ticker capture scan failed: %w", err)
	}

	log.WithFields(logger.Fields{
		"lines_read":      linesRead,
		"quotes_loaded":   quotesLoaded,
		"index_entries":   index.Len(),
		"malformed_lines": malformedLines,
		"dropped_quotes":  droppedQuotes,
	}).Info("ticker index loaded")

	return index, nil
}
