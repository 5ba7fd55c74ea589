package detector

import (
	"reflect"
	"testing"
	"time"

	"github.com/voxmill/marketwatch/internal/models"
)

var testEntity = models.Entity{Vertical: "real_estate", Area: "Mayfair", City: "London", Client: "harrington"}

func score(s float64) *float64 { return &s }

func snap(t *testing.T, props []models.PropertyRecord) *models.MarketSnapshot {
	t.Helper()
	return models.NewMarketSnapshot(testEntity, time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC), props, DefaultThresholds().ExceptionalDealScore)
}

func kinds(events []models.AlertEvent) []models.AlertKind {
	out := make([]models.AlertKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestDetect_FirstObservation(t *testing.T) {
	curr := snap(t, []models.PropertyRecord{{ID: "p1", Price: 1_000_000}})
	if events := Detect(nil, curr, DefaultThresholds()); len(events) != 0 {
		t.Errorf("expected no events on first observation, got %d", len(events))
	}
}

func TestDetect_StableMarketIsSilent(t *testing.T) {
	props := []models.PropertyRecord{
		{ID: "p1", Address: "1 Mount St", Price: 4_700_000},
		{ID: "p2", Address: "2 Mount St", Price: 5_000_000},
	}
	prev := snap(t, props)
	curr := snap(t, props)
	if events := Detect(prev, curr, DefaultThresholds()); len(events) != 0 {
		t.Errorf("identical snapshots should yield no events, got %v", kinds(events))
	}
}

// Previous average £4,850,000, current £4,550,000: a 6.19% drop crosses the 5%
// market-shift threshold and nothing else moves enough to fire.
func TestDetect_MarketShift(t *testing.T) {
	prev := snap(t, []models.PropertyRecord{
		{ID: "p1", Address: "1 Mount St", Price: 4_700_000},
		{ID: "p2", Address: "2 Mount St", Price: 5_000_000},
	})
	curr := snap(t, []models.PropertyRecord{
		{ID: "p1", Address: "1 Mount St", Price: 4_400_000},
		{ID: "p2", Address: "2 Mount St", Price: 4_700_000},
	})

	events := Detect(prev, curr, DefaultThresholds())
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %v", kinds(events))
	}
	ev := events[0]
	if ev.Kind != models.MarketShift {
		t.Errorf("kind = %s, want MARKET_SHIFT", ev.Kind)
	}
	if ev.ChangePct > -6.18 || ev.ChangePct < -6.20 {
		t.Errorf("change pct = %v, want ≈ -6.19", ev.ChangePct)
	}
	if ev.PrevValue != 4_850_000 || ev.CurrValue != 4_550_000 {
		t.Errorf("payload = %v → %v, want 4850000 → 4550000", ev.PrevValue, ev.CurrValue)
	}
	if ev.RefID() != "market" {
		t.Errorf("market shift must be market-level, got ref %q", ev.RefID())
	}
}

func TestDetect_NoMarketShiftOnEqualAverages(t *testing.T) {
	prev := snap(t, []models.PropertyRecord{
		{ID: "p1", Price: 1_000_000},
		{ID: "p2", Price: 2_000_000},
	})
	curr := snap(t, []models.PropertyRecord{
		{ID: "p1", Price: 1_500_000},
		{ID: "p2", Price: 1_500_000},
	})
	for _, ev := range Detect(prev, curr, DefaultThresholds()) {
		if ev.Kind == models.MarketShift {
			t.Error("equal averages must not produce a market shift")
		}
	}
}

// A new listing scoring 9.2 with price-per-sqft 23% below the current average
// yields one exceptional-deal event referencing it.
func TestDetect_ExceptionalDeal(t *testing.T) {
	prev := snap(t, []models.PropertyRecord{
		{ID: "p1", Address: "1 Mount St", Price: 1_000_000, PricePerSqft: 2000},
		{ID: "p2", Address: "2 Mount St", Price: 2_000_000, PricePerSqft: 2500},
	})
	curr := snap(t, []models.PropertyRecord{
		{ID: "p1", Address: "1 Mount St", Price: 1_000_000, PricePerSqft: 2000},
		{ID: "p2", Address: "2 Mount St", Price: 2_000_000, PricePerSqft: 2500},
		{ID: "p3", Address: "3 Mount St", Price: 1_500_000, PricePerSqft: 1553.8, DealScore: score(9.2)},
	})

	events := Detect(prev, curr, DefaultThresholds())
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %v", kinds(events))
	}
	ev := events[0]
	if ev.Kind != models.ExceptionalDeal {
		t.Errorf("kind = %s, want EXCEPTIONAL_DEAL", ev.Kind)
	}
	if ev.Property == nil || ev.Property.ID != "p3" {
		t.Fatalf("event must reference the new property, got %+v", ev.Property)
	}
	if ev.ChangePct < 22.9 || ev.ChangePct > 23.1 {
		t.Errorf("below-market pct = %v, want ≈ 23", ev.ChangePct)
	}
	if ev.Severity != models.SeverityHigh {
		t.Errorf("severity = %s, want HIGH", ev.Severity)
	}
}

func TestDetect_ExistingPropertyNeverAnExceptionalDeal(t *testing.T) {
	props := []models.PropertyRecord{
		{ID: "p1", Price: 1_000_000, DealScore: score(9.8)},
		{ID: "p2", Price: 1_000_000},
	}
	prev := snap(t, props)
	curr := snap(t, props)
	if events := Detect(prev, curr, DefaultThresholds()); len(events) != 0 {
		t.Errorf("a property present in both snapshots must not re-alert, got %v", kinds(events))
	}
}

// Four new properties scoring at least 9.0 produce four exceptional-deal events
// plus one volume-spike event with count 4: the rules are independent.
func TestDetect_DealVolumeSpike(t *testing.T) {
	prev := snap(t, []models.PropertyRecord{
		{ID: "p1", Price: 1_000_000},
		{ID: "p2", Price: 3_000_000},
	})
	curr := snap(t, []models.PropertyRecord{
		{ID: "p1", Price: 1_000_000},
		{ID: "p2", Price: 3_000_000},
		{ID: "n1", Address: "10 Hill St", Price: 2_000_000, DealScore: score(9.0)},
		{ID: "n2", Address: "11 Hill St", Price: 2_000_000, DealScore: score(9.3)},
		{ID: "n3", Address: "12 Hill St", Price: 2_000_000, DealScore: score(9.6)},
		{ID: "n4", Address: "13 Hill St", Price: 2_000_000, DealScore: score(9.9)},
	})

	events := Detect(prev, curr, DefaultThresholds())
	if len(events) != 5 {
		t.Fatalf("expected 4 exceptional deals + 1 volume spike, got %v", kinds(events))
	}

	// High severity first, sorted by property id, then the medium spike.
	for i, wantID := range []string{"n1", "n2", "n3", "n4"} {
		if events[i].Kind != models.ExceptionalDeal || events[i].Property.ID != wantID {
			t.Errorf("events[%d] = %s %s, want EXCEPTIONAL_DEAL %s", i, events[i].Kind, events[i].RefID(), wantID)
		}
	}
	spike := events[4]
	if spike.Kind != models.DealVolumeSpike {
		t.Fatalf("events[4] = %s, want DEAL_VOLUME_SPIKE", spike.Kind)
	}
	if spike.Count != 4 {
		t.Errorf("spike count = %d, want 4", spike.Count)
	}
}

// A 15% price drop fires against the 10% threshold; a 5% drop does not.
func TestDetect_PriceDrop(t *testing.T) {
	prev := snap(t, []models.PropertyRecord{
		{ID: "p1", Address: "1 Mount St", Price: 1_000_000},
		{ID: "p2", Address: "2 Mount St", Price: 10_000_000},
	})

	curr := snap(t, []models.PropertyRecord{
		{ID: "p1", Address: "1 Mount St", Price: 850_000},
		{ID: "p2", Address: "2 Mount St", Price: 10_350_000},
	})
	events := Detect(prev, curr, DefaultThresholds())
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %v", kinds(events))
	}
	ev := events[0]
	if ev.Kind != models.PriceDrop || ev.Property.ID != "p1" {
		t.Errorf("got %s %s, want PRICE_DROP p1", ev.Kind, ev.RefID())
	}
	if ev.PrevValue != 1_000_000 || ev.CurrValue != 850_000 {
		t.Errorf("payload = %v → %v, want 1000000 → 850000", ev.PrevValue, ev.CurrValue)
	}
	if ev.ChangePct < 14.9 || ev.ChangePct > 15.1 {
		t.Errorf("drop pct = %v, want ≈ 15", ev.ChangePct)
	}

	shallow := snap(t, []models.PropertyRecord{
		{ID: "p1", Address: "1 Mount St", Price: 950_000},
		{ID: "p2", Address: "2 Mount St", Price: 10_050_000},
	})
	if events := Detect(prev, shallow, DefaultThresholds()); len(events) != 0 {
		t.Errorf("a 5%% drop is below threshold, got %v", kinds(events))
	}
}

func TestDetect_PricingAnomaly(t *testing.T) {
	props := func(ppsf1, ppsf2 float64) []models.PropertyRecord {
		return []models.PropertyRecord{
			{ID: "p1", Address: "1 Mount St", Price: 1_000_000, PricePerSqft: ppsf1},
			{ID: "p2", Address: "2 Mount St", Price: 1_100_000, PricePerSqft: ppsf2},
		}
	}
	prev := snap(t, props(1000, 3000))
	curr := snap(t, props(1000, 3000))

	events := Detect(prev, curr, DefaultThresholds())
	if len(events) != 2 {
		t.Fatalf("expected two pricing anomalies, got %v", kinds(events))
	}
	for _, ev := range events {
		if ev.Kind != models.PricingAnomaly {
			t.Errorf("kind = %s, want PRICING_ANOMALY", ev.Kind)
		}
	}

	capped := DefaultThresholds()
	capped.PricingAnomalyCap = 1
	if events := Detect(prev, curr, capped); len(events) != 1 {
		t.Errorf("cap of 1 should limit anomaly events, got %d", len(events))
	}
}

func TestDetect_VolatilitySpike(t *testing.T) {
	prev := snap(t, []models.PropertyRecord{
		{ID: "p1", Price: 900_000},
		{ID: "p2", Price: 1_100_000},
	})
	curr := snap(t, []models.PropertyRecord{
		{ID: "p1", Price: 850_000},
		{ID: "p2", Price: 1_200_000},
	})

	events := Detect(prev, curr, DefaultThresholds())
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %v", kinds(events))
	}
	if events[0].Kind != models.VolatilitySpike {
		t.Errorf("kind = %s, want MARKET_VOLATILITY_SPIKE", events[0].Kind)
	}
}

// Zero previous average price skips the percentage rules instead of dividing by
// zero; nothing panics and no shift is raised.
func TestDetect_ZeroPreviousAverage(t *testing.T) {
	prev := &models.MarketSnapshot{
		Entity:     testEntity,
		CapturedAt: time.Now(),
		Properties: []models.PropertyRecord{{ID: "p1"}, {ID: "p2"}},
	}
	curr := snap(t, []models.PropertyRecord{
		{ID: "p1", Price: 1_000_000},
		{ID: "p2", Price: 2_000_000},
	})

	events := Detect(prev, curr, DefaultThresholds())
	for _, ev := range events {
		if ev.Kind == models.MarketShift {
			t.Error("zero previous average must skip the market-shift rule")
		}
		if ev.Kind == models.PriceDrop {
			t.Error("zero previous prices must skip the price-drop rule")
		}
	}
}

func TestDetect_Idempotence(t *testing.T) {
	prev := snap(t, []models.PropertyRecord{
		{ID: "p1", Price: 1_000_000},
		{ID: "p2", Price: 3_000_000},
	})
	curr := snap(t, []models.PropertyRecord{
		{ID: "p1", Price: 850_000},
		{ID: "p2", Price: 3_000_000},
		{ID: "n1", Address: "10 Hill St", Price: 2_000_000, DealScore: score(9.5)},
	})

	first := Detect(prev, curr, DefaultThresholds())
	second := Detect(prev, curr, DefaultThresholds())
	if !reflect.DeepEqual(first, second) {
		t.Errorf("detect is not deterministic:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if len(first) == 0 {
		t.Fatal("expected events in the idempotence scenario")
	}
}

func TestDetect_OrderingIsSeverityThenKindThenProperty(t *testing.T) {
	prev := snap(t, []models.PropertyRecord{
		{ID: "a", Address: "A", Price: 1_000_000},
		{ID: "b", Address: "B", Price: 1_000_000},
		{ID: "c", Address: "C", Price: 7_000_000},
	})
	// a and b drop hard (PriceDrop, high), a new scored listing appears
	// (ExceptionalDeal, high), and the average collapses (MarketShift, medium).
	curr := snap(t, []models.PropertyRecord{
		{ID: "a", Address: "A", Price: 800_000},
		{ID: "b", Address: "B", Price: 750_000},
		{ID: "c", Address: "C", Price: 7_000_000},
		{ID: "n1", Address: "N1", Price: 1_000_000, DealScore: score(9.4)},
	})

	events := Detect(prev, curr, DefaultThresholds())
	got := kinds(events)
	want := []models.AlertKind{models.ExceptionalDeal, models.PriceDrop, models.PriceDrop, models.MarketShift}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("kind order = %v, want %v", got, want)
	}
	if events[1].Property.ID != "a" || events[2].Property.ID != "b" {
		t.Errorf("equal-kind events must sort by property id: got %s, %s", events[1].RefID(), events[2].RefID())
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	bad := DefaultThresholds()
	bad.PriceDropPercent = -1
	if err := bad.Validate(); err == nil {
		t.Error("negative price_drop_percent must be rejected")
	}

	bad = DefaultThresholds()
	bad.ExceptionalDealScore = 11
	if err := bad.Validate(); err == nil {
		t.Error("deal score above 10 must be rejected")
	}

	bad = DefaultThresholds()
	bad.MarketVolatilitySpike = 1
	if err := bad.Validate(); err == nil {
		t.Error("volatility multiplier of 1 must be rejected")
	}
}
