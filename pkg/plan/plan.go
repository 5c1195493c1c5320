// Package plan defines the billing plan catalog: tiers, monthly generation
// limits, and pricing. The catalog is loaded once at startup from a Source
// and treated as immutable afterwards.
package plan

import "errors"

var (
	ErrTierNotFound             = errors.New("plan tier not found in catalog")
	ErrInvalidPlanConfiguration = errors.New("invalid plan configuration")
	ErrFailedToLoadPlans        = errors.New("failed to load plan catalog")
)

// Tier identifies a subscription tier.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// Valid reports whether the tier is one of the known values.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierBusiness:
		return true
	}
	return false
}

// Paid reports whether the tier requires payment.
func (t Tier) Paid() bool {
	return t == TierPro || t == TierBusiness
}

// Money is a monetary amount stored exactly as the gateway API expects it,
// with an ISO 4217 currency code.
type Money struct {
	Amount   int64  `yaml:"amount"`
	Currency string `yaml:"currency"`
}

// Plan describes one catalog entry.
type Plan struct {
	Tier          Tier   `yaml:"tier"`
	Name          string `yaml:"name"`
	MonthlyLimit  int    `yaml:"monthly_limit"` // FAQ generations per billing cycle
	Price         Money  `yaml:"price"`
	GatewayPlanID string `yaml:"gateway_plan_id"` // gateway's recurring plan id, empty for free
}

// Catalog maps tiers to plans.
type Catalog map[Tier]Plan

// Get returns the plan for a tier.
func (c Catalog) Get(tier Tier) (Plan, error) {
	p, ok := c[tier]
	if !ok {
		return Plan{}, ErrTierNotFound
	}
	return p, nil
}

// Validate checks the catalog for internal consistency. A catalog without a
// free tier cannot assign entitlements on signup, and paid tiers need a
// price the gateway can charge.
func (c Catalog) Validate() error {
	if _, ok := c[TierFree]; !ok {
		return errors.Join(ErrInvalidPlanConfiguration, errors.New("catalog must contain a free tier"))
	}
	for tier, p := range c {
		if p.Tier != tier {
			return errors.Join(ErrInvalidPlanConfiguration, errors.New("catalog key does not match plan tier"))
		}
		if !tier.Valid() {
			return errors.Join(ErrInvalidPlanConfiguration, errors.New("unknown tier "+string(tier)))
		}
		if p.MonthlyLimit <= 0 {
			return errors.Join(ErrInvalidPlanConfiguration, errors.New("monthly limit must be positive for tier "+string(tier)))
		}
		if tier.Paid() && p.Price.Amount <= 0 {
			return errors.Join(ErrInvalidPlanConfiguration, errors.New("paid tier "+string(tier)+" must have a price"))
		}
	}
	return nil
}

// Default returns the stock catalog: Free/5, Pro/100, Business/1000 with
// INR pricing.
func Default() Catalog {
	return Catalog{
		TierFree: {
			Tier:         TierFree,
			Name:         "Free",
			MonthlyLimit: 5,
		},
		TierPro: {
			Tier:          TierPro,
			Name:          "Pro",
			MonthlyLimit:  100,
			Price:         Money{Amount: 900, Currency: "INR"},
			GatewayPlanID: "plan_pro_monthly",
		},
		TierBusiness: {
			Tier:          TierBusiness,
			Name:          "Business",
			MonthlyLimit:  1000,
			Price:         Money{Amount: 2900, Currency: "INR"},
			GatewayPlanID: "plan_business_monthly",
		},
	}
}
