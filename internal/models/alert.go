package models

import (
	"fmt"
	"math"
	"time"
)

// AlertKind enumerates the detector rules. The declaration order is the
// tie-break order used when sorting events of equal severity.
type AlertKind int

const (
	ExceptionalDeal AlertKind = iota
	MarketShift
	DealVolumeSpike
	PricingAnomaly
	PriceDrop
	VolatilitySpike
)

func (k AlertKind) String() string {
	switch k {
	case ExceptionalDeal:
		return "EXCEPTIONAL_DEAL"
	case MarketShift:
		return "MARKET_SHIFT"
	case DealVolumeSpike:
		return "DEAL_VOLUME_SPIKE"
	case PricingAnomaly:
		return "PRICING_ANOMALY"
	case PriceDrop:
		return "PRICE_DROP"
	case VolatilitySpike:
		return "MARKET_VOLATILITY_SPIKE"
	default:
		return "UNKNOWN"
	}
}

// Severity ranks alert urgency. Higher values sort first in digests.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityHigh:
		return "HIGH"
	case SeverityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// AlertEvent is one detected market change. Events are immutable; their dedup
// identity is (entity, kind, property-or-market-level, rounded metric bucket).
type AlertEvent struct {
	Kind     AlertKind       `json:"kind"`
	Severity Severity        `json:"severity"`
	EntityID string          `json:"entity_id"`
	Property *PropertyRecord `json:"property,omitempty"` // nil for market-level events

	Message   string  `json:"message"`
	PrevValue float64 `json:"prev_value,omitempty"`
	CurrValue float64 `json:"curr_value,omitempty"`
	ChangePct float64 `json:"change_pct,omitempty"`
	Count     int     `json:"count,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

// RefID returns the property identifier the event references, or "market" for
// market-level events.
func (a AlertEvent) RefID() string {
	if a.Property != nil {
		return a.Property.ID
	}
	return "market"
}

// Identity returns the deduplication key used by the cooldown ledger.
// Percentages are bucketed to the nearest whole percent; count-based events use
// the count itself, so the same metric within the cooldown window is suppressed
// while a genuinely different reading alerts again.
func (a AlertEvent) Identity() string {
	bucket := int(math.Round(a.ChangePct))
	if a.Count > 0 {
		bucket = a.Count
	}
	return fmt.Sprintf("%s|%s|%s|%d", a.EntityID, a.Kind, a.RefID(), bucket)
}

// Digest is the set of deduplicated alert events delivered together in one
// notification. At most one digest is produced per entity per cycle.
type Digest struct {
	ID          string       `json:"id"`
	EntityID    string       `json:"entity_id"`
	Entity      Entity       `json:"entity"`
	Events      []AlertEvent `json:"events"`
	GeneratedAt time.Time    `json:"generated_at"`
}
