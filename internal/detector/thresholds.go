package detector

import "fmt"

// Thresholds is the per-monitor alerting policy. Values are set at monitor
// registration (config load) and never mutated by the detector.
type Thresholds struct {
	PriceDropPercent      float64 `mapstructure:"price_drop_percent"`
	NewHotDealsThreshold  int     `mapstructure:"new_hot_deals_threshold"`
	AvgPriceChangePercent float64 `mapstructure:"avg_price_change_percent"`
	ExceptionalDealScore  float64 `mapstructure:"exceptional_deal_score"`
	MarketVolatilitySpike float64 `mapstructure:"market_volatility_spike"`
	PricingAnomalyCap     int     `mapstructure:"pricing_anomaly_cap"`
}

// DefaultThresholds returns the documented default policy, used when a monitor
// is registered without overrides.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PriceDropPercent:      10,
		NewHotDealsThreshold:  3,
		AvgPriceChangePercent: 5,
		ExceptionalDealScore:  9.0,
		MarketVolatilitySpike: 1.5,
		PricingAnomalyCap:     5,
	}
}

// Validate rejects malformed policy values. This is fatal at registration time,
// never at cycle time.
func (t Thresholds) Validate() error {
	if t.PriceDropPercent <= 0 || t.PriceDropPercent > 100 {
		return fmt.Errorf("price_drop_percent must be in (0, 100], got %v", t.PriceDropPercent)
	}
	if t.NewHotDealsThreshold < 1 {
		return fmt.Errorf("new_hot_deals_threshold must be at least 1, got %d", t.NewHotDealsThreshold)
	}
	if t.AvgPriceChangePercent <= 0 || t.AvgPriceChangePercent > 100 {
		return fmt.Errorf("avg_price_change_percent must be in (0, 100], got %v", t.AvgPriceChangePercent)
	}
	if t.ExceptionalDealScore < 0 || t.ExceptionalDealScore > 10 {
		return fmt.Errorf("exceptional_deal_score must be between 0 and 10, got %v", t.ExceptionalDealScore)
	}
	if t.MarketVolatilitySpike <= 1 {
		return fmt.Errorf("market_volatility_spike must be greater than 1, got %v", t.MarketVolatilitySpike)
	}
	if t.PricingAnomalyCap < 1 {
		return fmt.Errorf("pricing_anomaly_cap must be at least 1, got %d", t.PricingAnomalyCap)
	}
	return nil
}
