package ratelimit

import (
	"fmt"
	"time"
)

// Tier is one rate-limit plan of the aggregator API.
type Tier struct {
	Name              string        `mapstructure:"name"`
	RequestsPerPeriod int           `mapstructure:"requests-per-period"`
	Period            time.Duration `mapstructure:"period"`
	Capacity          int           `mapstructure:"capacity"`
	// RefillPeriod is the cooldown unit; zero means Period.
	RefillPeriod time.Duration `mapstructure:"refill-period"`
	// PriceBucket isolates high-frequency price queries in their own bucket.
	PriceBucket            bool `mapstructure:"price-bucket"`
	PriceRequestsPerPeriod int  `mapstructure:"price-requests-per-period"`
	PriceCapacity          int  `mapstructure:"price-capacity"`
}

// DefaultTiers returns the built-in plans.
func DefaultTiers() map[string]Tier {
	return map[string]Tier{
		"free": {
			Name:              "free",
			RequestsPerPeriod: 60,
			Period:            time.Minute,
			Capacity:          60,
			RefillPeriod:      time.Minute,
		},
		"keyed": {
			Name:                   "keyed",
			RequestsPerPeriod:      600,
			Period:                 time.Minute,
			Capacity:               100,
			RefillPeriod:           10 * time.Second,
			PriceBucket:            true,
			PriceRequestsPerPeriod: 1800,
			PriceCapacity:          300,
		},
	}
}

// Validate checks a tier definition.
func (t Tier) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tier name is required")
	}
	if t.RequestsPerPeriod <= 0 || t.Period <= 0 {
		return fmt.Errorf("tier %s: requests and period must be positive", t.Name)
	}
	if t.Capacity <= 0 {
		return fmt.Errorf("tier %s: capacity must be positive", t.Name)
	}
	if t.PriceBucket && (t.PriceRequestsPerPeriod <= 0 || t.PriceCapacity <= 0) {
		return fmt.Errorf("tier %s: price bucket needs requests and capacity", t.Name)
	}
	return nil
}

func (t Tier) refillPeriod() time.Duration {
	if t.RefillPeriod > 0 {
		return t.RefillPeriod
	}
	return t.Period
}
