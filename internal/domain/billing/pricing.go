package billing

import (
	"fmt"

	"github.com/metering/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// PricingModel selects how an item's quantity turns into an amount
type PricingModel string

const (
	PricingFlat    PricingModel = "flat"
	PricingUsage   PricingModel = "usage"
	PricingPackage PricingModel = "package"
	PricingTier    PricingModel = "tier"
)

// IsValid returns true if the pricing model is known
func (m PricingModel) IsValid() bool {
	switch m {
	case PricingFlat, PricingUsage, PricingPackage, PricingTier:
		return true
	}
	return false
}

// TierMode selects how tiers combine
type TierMode string

const (
	// TierGraduated prices each unit at the rate of the tier it falls in
	TierGraduated TierMode = "graduated"
	// TierVolume prices every unit at the rate of the tier the total falls in
	TierVolume TierMode = "volume"
)

// PriceTier is one band of tiered pricing. UpTo is inclusive; zero means
// the band has no upper bound and must be last.
type PriceTier struct {
	UpTo       int64           `json:"up_to"`
	UnitAmount decimal.Decimal `json:"unit_amount"`
	FlatAmount decimal.Decimal `json:"flat_amount"`
}

// PriceConfig is the price attached to a phase item
type PriceConfig struct {
	Model       PricingModel    `json:"model"`
	UnitAmount  decimal.Decimal `json:"unit_amount"`
	FlatAmount  decimal.Decimal `json:"flat_amount"`
	PackageSize int64           `json:"package_size,omitempty"`
	TierMode    TierMode        `json:"tier_mode,omitempty"`
	Tiers       []PriceTier     `json:"tiers,omitempty"`
}

// Validate checks the configuration is priceable
func (c PriceConfig) Validate() error {
	if !c.Model.IsValid() {
		return shared.NewDomainError(shared.CodeInvalidInput, fmt.Sprintf("invalid pricing model %q", c.Model))
	}
	if c.UnitAmount.IsNegative() || c.FlatAmount.IsNegative() {
		return shared.NewDomainError(shared.CodeInvalidInput, "price amounts cannot be negative")
	}

	switch c.Model {
	case PricingPackage:
		if c.PackageSize <= 0 {
			return shared.NewDomainError(shared.CodeInvalidInput, "package size must be positive")
		}
	case PricingTier:
		if c.TierMode != TierGraduated && c.TierMode != TierVolume {
			return shared.NewDomainError(shared.CodeInvalidInput, fmt.Sprintf("invalid tier mode %q", c.TierMode))
		}
		if len(c.Tiers) == 0 {
			return shared.NewDomainError(shared.CodeInvalidInput, "tiered pricing needs at least one tier")
		}
		var prev int64
		for i, t := range c.Tiers {
			if t.UpTo == 0 {
				if i != len(c.Tiers)-1 {
					return shared.NewDomainError(shared.CodeInvalidInput, "only the last tier may be unbounded")
				}
				continue
			}
			if t.UpTo <= prev {
				return shared.NewDomainError(shared.CodeInvalidInput, "tier bounds must be strictly ascending")
			}
			prev = t.UpTo
		}
	}
	return nil
}

// Amount prices quantity. Negative quantities price as zero.
func (c PriceConfig) Amount(quantity decimal.Decimal) decimal.Decimal {
	if quantity.IsNegative() {
		quantity = decimal.Zero
	}

	switch c.Model {
	case PricingFlat:
		return c.FlatAmount.Mul(quantity)
	case PricingUsage:
		return c.UnitAmount.Mul(quantity)
	case PricingPackage:
		if c.PackageSize <= 0 {
			return decimal.Zero
		}
		packages := quantity.Div(decimal.NewFromInt(c.PackageSize)).Ceil()
		return c.UnitAmount.Mul(packages)
	case PricingTier:
		if c.TierMode == TierVolume {
			return c.volumeAmount(quantity)
		}
		return c.graduatedAmount(quantity)
	}
	return decimal.Zero
}

func (c PriceConfig) graduatedAmount(quantity decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	lower := decimal.Zero
	for _, t := range c.Tiers {
		if !quantity.GreaterThan(lower) {
			break
		}
		upper := quantity
		if t.UpTo > 0 {
			upper = decimal.Min(quantity, decimal.NewFromInt(t.UpTo))
		}
		units := upper.Sub(lower)
		total = total.Add(t.UnitAmount.Mul(units)).Add(t.FlatAmount)
		if t.UpTo == 0 {
			break
		}
		lower = decimal.NewFromInt(t.UpTo)
	}
	return total
}

func (c PriceConfig) volumeAmount(quantity decimal.Decimal) decimal.Decimal {
	if len(c.Tiers) == 0 {
		return decimal.Zero
	}
	for _, t := range c.Tiers {
		if t.UpTo == 0 || quantity.LessThanOrEqual(decimal.NewFromInt(t.UpTo)) {
			return t.UnitAmount.Mul(quantity).Add(t.FlatAmount)
		}
	}
	// quantity is above the last bounded tier
	last := c.Tiers[len(c.Tiers)-1]
	return last.UnitAmount.Mul(quantity).Add(last.FlatAmount)
}

// ToMinorUnits converts an amount to the provider's integer minor units
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FromMinorUnits converts provider minor units back to an amount
func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
