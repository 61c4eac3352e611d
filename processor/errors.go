package processor

import (
	"fmt"
	"time"
)

// OutOfOrderError reports an event whose timestamp precedes the newest event
// already seen for the same product. Such events are counted and skipped;
// applying them would corrupt the reconstructed book.
type OutOfOrderError struct {
	ProductID string
	Timestamp time.Time
	LastSeen  time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out of order event for %s: %s precedes %s",
		e.ProductID,
		e.Timestamp.Format(time.RFC3339Nano),
		e.LastSeen.Format(time.RFC3339Nano))
}
