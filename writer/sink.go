// Package writer persists emitted feature snapshots. Each sink owns one
// output backend; the main dispatch loop hands every snapshot to every
// enabled sink.
package writer

import (
	"bookflow/models"
)

// Sink is the append-one-record abstraction shared by all output backends.
// Append may buffer; Flush forces buffered rows out. Close flushes whatever
// remains and releases the backend.
type Sink interface {
	Append(snap models.FeatureSnapshot) error
	Flush() error
	Close() error
}
