// Package detector implements the day-over-day anomaly rules. Detect is a pure
// function over two adjacent snapshots and a threshold policy; it performs no
// I/O and holds no state, so the same inputs always yield the same ordered output.
package detector

import (
	"fmt"
	"math"
	"sort"

	"github.com/voxmill/marketwatch/internal/models"
)

// anomalySigma is the fixed multiple of the snapshot's volatility measure beyond
// which a surviving property's price-per-sqft counts as a pricing anomaly.
const anomalySigma = 2.0

// Detect compares the previous and current snapshots under the given policy and
// returns candidate alert events ordered by severity descending, then kind, then
// property identifier. A nil previous snapshot (first observation) yields no
// events; the caller still commits the snapshot to seed future comparisons.
func Detect(prev, curr *models.MarketSnapshot, th Thresholds) []models.AlertEvent {
	if prev == nil || curr == nil {
		return nil
	}

	entityID := curr.Entity.ID()
	prevProps := prev.Lookup()

	var events []models.AlertEvent
	events = append(events, detectExceptionalDeals(entityID, prevProps, curr, th)...)
	if e := detectMarketShift(entityID, prev, curr, th); e != nil {
		events = append(events, *e)
	}
	if e := detectDealVolumeSpike(entityID, prevProps, curr, th); e != nil {
		events = append(events, *e)
	}
	events = append(events, detectPricingAnomalies(entityID, prevProps, curr, th)...)
	events = append(events, detectPriceDrops(entityID, prevProps, curr, th)...)
	if e := detectVolatilitySpike(entityID, prev, curr, th); e != nil {
		events = append(events, *e)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Severity != events[j].Severity {
			return events[i].Severity > events[j].Severity
		}
		if events[i].Kind != events[j].Kind {
			return events[i].Kind < events[j].Kind
		}
		return events[i].RefID() < events[j].RefID()
	})

	return events
}

// detectExceptionalDeals flags properties new in this snapshot whose deal score
// clears the exceptional bar. The payload carries how far the property's
// price-per-sqft sits below the current market average.
func detectExceptionalDeals(entityID string, prevProps map[string]models.PropertyRecord, curr *models.MarketSnapshot, th Thresholds) []models.AlertEvent {
	var events []models.AlertEvent
	for i := range curr.Properties {
		p := curr.Properties[i]
		if _, existed := prevProps[p.ID]; existed {
			continue
		}
		if !p.Scored() || *p.DealScore < th.ExceptionalDealScore {
			continue
		}

		var belowMarketPct float64
		if curr.Aggregates.AvgPricePerSqft > 0 && p.PricePerSqft > 0 {
			belowMarketPct = (1 - p.PricePerSqft/curr.Aggregates.AvgPricePerSqft) * 100
		}

		events = append(events, models.AlertEvent{
			Kind:     models.ExceptionalDeal,
			Severity: models.SeverityHigh,
			EntityID: entityID,
			Property: &p,
			Message: fmt.Sprintf("New property scored %.1f/10: %s at £%.0f, %.0f%% below market average £/sqft",
				*p.DealScore, p.Address, p.Price, belowMarketPct),
			CurrValue:  p.Price,
			ChangePct:  belowMarketPct,
			DetectedAt: curr.CapturedAt,
		})
	}
	return events
}

// detectMarketShift fires when the average price moved by at least the
// configured percentage. A zero previous average skips the rule entirely.
func detectMarketShift(entityID string, prev, curr *models.MarketSnapshot, th Thresholds) *models.AlertEvent {
	if prev.Aggregates.AvgPrice == 0 {
		return nil
	}
	changePct := (curr.Aggregates.AvgPrice - prev.Aggregates.AvgPrice) / prev.Aggregates.AvgPrice * 100
	if math.Abs(changePct) < th.AvgPriceChangePercent {
		return nil
	}

	direction := "increased"
	if changePct < 0 {
		direction = "dropped"
	}
	return &models.AlertEvent{
		Kind:     models.MarketShift,
		Severity: models.SeverityMedium,
		EntityID: entityID,
		Message: fmt.Sprintf("Average price has %s %.1f%% since the last observation (£%.0f → £%.0f)",
			direction, math.Abs(changePct), prev.Aggregates.AvgPrice, curr.Aggregates.AvgPrice),
		PrevValue:  prev.Aggregates.AvgPrice,
		CurrValue:  curr.Aggregates.AvgPrice,
		ChangePct:  changePct,
		DetectedAt: curr.CapturedAt,
	}
}

// detectDealVolumeSpike counts properties new in this snapshot that score at or
// above the exceptional bar. Evaluated independently of ExceptionalDeal: the
// same properties may back both an aggregate spike and individual deal events.
func detectDealVolumeSpike(entityID string, prevProps map[string]models.PropertyRecord, curr *models.MarketSnapshot, th Thresholds) *models.AlertEvent {
	newHot := 0
	for _, p := range curr.Properties {
		if _, existed := prevProps[p.ID]; existed {
			continue
		}
		if p.Scored() && *p.DealScore >= th.ExceptionalDealScore {
			newHot++
		}
	}
	if newHot < th.NewHotDealsThreshold {
		return nil
	}

	return &models.AlertEvent{
		Kind:     models.DealVolumeSpike,
		Severity: models.SeverityMedium,
		EntityID: entityID,
		Message: fmt.Sprintf("%d new hot deals detected since the last observation (threshold %d)",
			newHot, th.NewHotDealsThreshold),
		Count:      newHot,
		DetectedAt: curr.CapturedAt,
	}
}

// detectPricingAnomalies flags surviving properties whose price-per-sqft
// deviates from the current average by more than anomalySigma times the current
// volatility measure. Output is capped to avoid event storms.
func detectPricingAnomalies(entityID string, prevProps map[string]models.PropertyRecord, curr *models.MarketSnapshot, th Thresholds) []models.AlertEvent {
	avgPpsf := curr.Aggregates.AvgPricePerSqft
	if avgPpsf == 0 {
		return nil
	}
	band := anomalySigma * curr.Aggregates.Volatility * avgPpsf
	if band == 0 {
		return nil
	}

	var events []models.AlertEvent
	for i := range curr.Properties {
		p := curr.Properties[i]
		if _, existed := prevProps[p.ID]; !existed {
			continue
		}
		if p.PricePerSqft <= 0 {
			continue
		}
		deviation := p.PricePerSqft - avgPpsf
		if math.Abs(deviation) <= band {
			continue
		}

		deviationPct := deviation / avgPpsf * 100
		events = append(events, models.AlertEvent{
			Kind:     models.PricingAnomaly,
			Severity: models.SeverityHigh,
			EntityID: entityID,
			Property: &p,
			Message: fmt.Sprintf("%s priced at £%.0f/sqft, %.0f%% from market average £%.0f/sqft — statistical outlier",
				p.Address, p.PricePerSqft, deviationPct, avgPpsf),
			PrevValue:  avgPpsf,
			CurrValue:  p.PricePerSqft,
			ChangePct:  deviationPct,
			DetectedAt: curr.CapturedAt,
		})
		if len(events) == th.PricingAnomalyCap {
			break
		}
	}
	return events
}

// detectPriceDrops flags surviving properties whose asking price fell by at
// least the configured percentage. Zero previous prices skip the rule for that
// record rather than producing an infinite change.
func detectPriceDrops(entityID string, prevProps map[string]models.PropertyRecord, curr *models.MarketSnapshot, th Thresholds) []models.AlertEvent {
	var events []models.AlertEvent
	for i := range curr.Properties {
		p := curr.Properties[i]
		prev, existed := prevProps[p.ID]
		if !existed || prev.Price == 0 {
			continue
		}
		dropPct := (prev.Price - p.Price) / prev.Price * 100
		if dropPct < th.PriceDropPercent {
			continue
		}

		events = append(events, models.AlertEvent{
			Kind:     models.PriceDrop,
			Severity: models.SeverityHigh,
			EntityID: entityID,
			Property: &p,
			Message: fmt.Sprintf("%s dropped %.1f%% (£%.0f → £%.0f)",
				p.Address, dropPct, prev.Price, p.Price),
			PrevValue:  prev.Price,
			CurrValue:  p.Price,
			ChangePct:  dropPct,
			DetectedAt: curr.CapturedAt,
		})
	}
	return events
}

// detectVolatilitySpike fires when the volatility measure grew by at least the
// configured multiplier. Zero previous volatility skips the rule: any activity
// would otherwise read as an infinite spike.
func detectVolatilitySpike(entityID string, prev, curr *models.MarketSnapshot, th Thresholds) *models.AlertEvent {
	if prev.Aggregates.Volatility == 0 {
		return nil
	}
	ratio := curr.Aggregates.Volatility / prev.Aggregates.Volatility
	if ratio < th.MarketVolatilitySpike {
		return nil
	}

	return &models.AlertEvent{
		Kind:     models.VolatilitySpike,
		Severity: models.SeverityMedium,
		EntityID: entityID,
		Message: fmt.Sprintf("Market volatility increased %.1fx (%.2f → %.2f)",
			ratio, prev.Aggregates.Volatility, curr.Aggregates.Volatility),
		PrevValue:  prev.Aggregates.Volatility,
		CurrValue:  curr.Aggregates.Volatility,
		ChangePct:  (ratio - 1) * 100,
		DetectedAt: curr.CapturedAt,
	}
}
