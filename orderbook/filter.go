package orderbook

import (
	"fmt"
	"math"
	"strings"
)

// Policy selects which anchor an update price is screened against.
type Policy string

const (
	// PolicyOff disables screening entirely.
	PolicyOff Policy = "off"
	// PolicyReference screens against the mid observed at the most recent
	// rebuild or feature extraction.
	PolicyReference Policy = "reference"
	// PolicyEMA screens against an exponential moving average of observed
	// mids, which tolerates drift while still catching junk prices.
	PolicyEMA Policy = "ema"
)

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyOff, Policy(""):
		return PolicyOff, nil
	case PolicyReference:
		return PolicyReference, nil
	case PolicyEMA:
		return PolicyEMA, nil
	}
	return "", fmt.Errorf("unknown outlier policy '%s'", s)
}

// OutlierFilter is the run-level screening configuration. ThresholdPct is in
// percent (10 rejects prices more than 10% from the anchor); Alpha is the
// EMA smoothing factor. Anchor values live on the Book.
type OutlierFilter struct {
	Policy       Policy
	ThresholdPct float64
	Alpha        float64
}

// DefaultOutlierFilter mirrors the production defaults: EMA screening at 10%
// with a 0.05 smoothing factor.
var DefaultOutlierFilter = OutlierFilter{
	Policy:       PolicyEMA,
	ThresholdPct: 10,
	Alpha:        0.05,
}

// isOutlier screens a price against the configured anchor. An unseeded
// anchor screens nothing: every price passes until a valid mid has been
// observed.
func (b *Book) isOutlier(price float64) bool {
	anchor, ok := b.anchor()
	if !ok || anchor == 0 {
		return false
	}
	return math.Abs(price-anchor)/anchor > b.filter.ThresholdPct/100
}

func (b *Book) anchor() (float64, bool) {
	switch b.filter.Policy {
	case PolicyReference:
		return b.refMid, b.refSeeded
	case PolicyEMA:
		return b.emaMid, b.emaSeeded
	}
	return 0, false
}

// seedMid resets both anchors to the given mid. Used after a snapshot
// rebuild, where the new book state supersedes any prior averaging.
func (b *Book) seedMid(mid float64) {
	b.refMid, b.refSeeded = mid, true
	b.emaMid, b.emaSeeded = mid, true
}

// observeMid folds a freshly extracted mid into the anchors: the reference
// anchor tracks the latest observation, the EMA anchor blends it.
func (b *Book) observeMid(mid float64) {
	b.refMid, b.refSeeded = mid, true
	if !b.emaSeeded {
		b.emaMid, b.emaSeeded = mid, true
		return
	}
	b.emaMid = b.filter.Alpha*mid + (1-b.filter.Alpha)*b.emaMid
}

// EMAMid reports the EMA anchor and whether it has been seeded.
func (b *Book) EMAMid() (float64, bool) { return b.emaMid, b.emaSeeded }

// ReferenceMid reports the reference anchor and whether it has been seeded.
func (b *Book) ReferenceMid() (float64, bool) { return b.refMid, b.refSeeded }
