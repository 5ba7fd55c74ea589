// Package models defines the core domain entities: listings, snapshots, alerts, and digests.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Entity identifies one monitored market: a (vertical, area, city, client) combination.
type Entity struct {
	Vertical string `json:"vertical"`
	Area     string `json:"area"`
	City     string `json:"city"`
	Client   string `json:"client"`
}

// ID returns the canonical storage key for the entity.
func (e Entity) ID() string {
	return fmt.Sprintf("%s:%s:%s:%s", e.Vertical, e.Area, e.City, e.Client)
}

// Validate checks entity field constraints.
func (e Entity) Validate() error {
	if e.Vertical == "" {
		return errors.New("entity vertical must not be empty")
	}
	if e.Area == "" {
		return errors.New("entity area must not be empty")
	}
	if e.City == "" {
		return errors.New("entity city must not be empty")
	}
	if e.Client == "" {
		return errors.New("entity client must not be empty")
	}
	return nil
}

// PropertyRecord is one listed property as observed in a snapshot.
// Records are never mutated after construction; a new observation means a new snapshot.
type PropertyRecord struct {
	ID             string   `json:"id"` // listing id when the provider has one, address otherwise
	Address        string   `json:"address"`
	Price          float64  `json:"price"`
	PricePerSqft   float64  `json:"price_per_sqft"`
	Beds           int      `json:"beds"`
	Baths          int      `json:"baths"`
	PropertyType   string   `json:"property_type"`
	DealScore      *float64 `json:"deal_score,omitempty"` // 0-10 from the upstream analyzer; nil = unscored
	ListingAgeDays int      `json:"listing_age_days"`
	Source         string   `json:"source"`
}

// Scored reports whether the record carries a deal score. Unscored records are
// ineligible for score-based alert rules.
func (p PropertyRecord) Scored() bool {
	return p.DealScore != nil
}

// Aggregates are the derived market metrics for one snapshot, computed once at
// construction time and never recomputed in place.
type Aggregates struct {
	AvgPrice        float64 `json:"avg_price"`
	AvgPricePerSqft float64 `json:"avg_price_per_sqft"`
	MinPrice        float64 `json:"min_price"`
	MaxPrice        float64 `json:"max_price"`
	Volatility      float64 `json:"volatility"` // (max - min) / avg price
	HotDeals        int     `json:"hot_deals"`  // count of properties at or above the exceptional score
}

// MarketSnapshot is a single point-in-time observation of one monitored market.
// Property order follows the provider and carries no meaning.
type MarketSnapshot struct {
	Entity     Entity           `json:"entity"`
	CapturedAt time.Time        `json:"captured_at"`
	Properties []PropertyRecord `json:"properties"`
	Aggregates Aggregates       `json:"aggregates"`
}

// NewMarketSnapshot builds an immutable snapshot, deriving aggregates from the
// property sequence. exceptionalScore is the deal-score bar used for the hot-deal
// count. Zero-price records are excluded from price aggregates.
func NewMarketSnapshot(entity Entity, capturedAt time.Time, properties []PropertyRecord, exceptionalScore float64) *MarketSnapshot {
	var agg Aggregates
	var priceSum, ppsfSum float64
	var priced, sqfted int

	for _, p := range properties {
		if p.Price > 0 {
			priceSum += p.Price
			priced++
			if agg.MinPrice == 0 || p.Price < agg.MinPrice {
				agg.MinPrice = p.Price
			}
			if p.Price > agg.MaxPrice {
				agg.MaxPrice = p.Price
			}
		}
		if p.PricePerSqft > 0 {
			ppsfSum += p.PricePerSqft
			sqfted++
		}
		if p.Scored() && *p.DealScore >= exceptionalScore {
			agg.HotDeals++
		}
	}

	if priced > 0 {
		agg.AvgPrice = priceSum / float64(priced)
	}
	if sqfted > 0 {
		agg.AvgPricePerSqft = ppsfSum / float64(sqfted)
	}
	if agg.AvgPrice > 0 {
		agg.Volatility = (agg.MaxPrice - agg.MinPrice) / agg.AvgPrice
	}

	return &MarketSnapshot{
		Entity:     entity,
		CapturedAt: capturedAt,
		Properties: properties,
		Aggregates: agg,
	}
}

// Validate checks that the snapshot is structurally sound. A failing snapshot
// aborts the whole monitoring cycle; nothing is committed.
func (s *MarketSnapshot) Validate() error {
	if err := s.Entity.Validate(); err != nil {
		return err
	}
	if s.CapturedAt.IsZero() {
		return errors.New("snapshot capture timestamp must be set")
	}
	if len(s.Properties) == 0 {
		return errors.New("snapshot must contain at least one property")
	}
	if s.Aggregates.AvgPrice <= 0 {
		return errors.New("snapshot is missing price aggregates")
	}
	for i, p := range s.Properties {
		if p.ID == "" {
			return fmt.Errorf("property %d has no identifier", i)
		}
		if p.Scored() && (*p.DealScore < 0 || *p.DealScore > 10) {
			return fmt.Errorf("property %s deal score must be between 0 and 10", p.ID)
		}
	}
	return nil
}

// Lookup returns the snapshot's properties indexed by identifier.
func (s *MarketSnapshot) Lookup() map[string]PropertyRecord {
	m := make(map[string]PropertyRecord, len(s.Properties))
	for _, p := range s.Properties {
		m[p.ID] = p
	}
	return m
}
