package stripeoracle

import (
	"errors"
	"fmt"

	"github.com/quickbrushlabs/quickbrush/pkg/brushstroke"
)

var (
	ErrUnknownPrice = errors.New("unknown price id")
	ErrUnknownPack  = errors.New("unknown pack")
)

// TierPlan binds a recurring price to its tier and monthly allowance.
type TierPlan struct {
	PriceID          string
	Tier             brushstroke.SubscriptionTier
	MonthlyAllowance int64
}

// Pack binds a one-time price to the brushstrokes it credits.
type Pack struct {
	PriceID      string
	Brushstrokes int64
	AmountCents  int64
}

// Catalog maps Stripe price ids to plans and packs. Price ids differ per
// environment; allowances and pack sizes are product constants.
type Catalog struct {
	plansByPrice map[string]TierPlan
	packsByPrice map[string]Pack
}

// TierPriceIDs configures the recurring price id for each tier.
type TierPriceIDs struct {
	Basic    string
	Pro      string
	Premium  string
	Ultimate string
}

// PackPriceIDs configures the one-time price id for each pack size.
type PackPriceIDs struct {
	Pack250  string
	Pack500  string
	Pack1000 string
	Pack2500 string
}

// NewCatalog builds a catalog from the configured price ids. Blank ids leave
// the product unavailable without failing startup.
func NewCatalog(tiers TierPriceIDs, packs PackPriceIDs) *Catalog {
	catalog := &Catalog{
		plansByPrice: make(map[string]TierPlan),
		packsByPrice: make(map[string]Pack),
	}
	for _, plan := range []TierPlan{
		{PriceID: tiers.Basic, Tier: brushstroke.TierBasic, MonthlyAllowance: 250},
		{PriceID: tiers.Pro, Tier: brushstroke.TierPro, MonthlyAllowance: 500},
		{PriceID: tiers.Premium, Tier: brushstroke.TierPremium, MonthlyAllowance: 1000},
		{PriceID: tiers.Ultimate, Tier: brushstroke.TierUltimate, MonthlyAllowance: 2500},
	} {
		if plan.PriceID != "" {
			catalog.plansByPrice[plan.PriceID] = plan
		}
	}
	for _, pack := range []Pack{
		{PriceID: packs.Pack250, Brushstrokes: 250, AmountCents: 1000},
		{PriceID: packs.Pack500, Brushstrokes: 500, AmountCents: 2000},
		{PriceID: packs.Pack1000, Brushstrokes: 1000, AmountCents: 4000},
		{PriceID: packs.Pack2500, Brushstrokes: 2500, AmountCents: 10000},
	} {
		if pack.PriceID != "" {
			catalog.packsByPrice[pack.PriceID] = pack
		}
	}
	return catalog
}

// PlanByPrice resolves a recurring price id.
func (catalog *Catalog) PlanByPrice(priceID string) (TierPlan, error) {
	plan, exists := catalog.plansByPrice[priceID]
	if !exists {
		return TierPlan{}, fmt.Errorf("%w: %q", ErrUnknownPrice, priceID)
	}
	return plan, nil
}

// PackByPrice resolves a one-time price id.
func (catalog *Catalog) PackByPrice(priceID string) (Pack, error) {
	pack, exists := catalog.packsByPrice[priceID]
	if !exists {
		return Pack{}, fmt.Errorf("%w: %q", ErrUnknownPack, priceID)
	}
	return pack, nil
}

// PackBySize resolves a pack by the brushstrokes it credits.
func (catalog *Catalog) PackBySize(brushstrokes int64) (Pack, error) {
	for _, pack := range catalog.packsByPrice {
		if pack.Brushstrokes == brushstrokes {
			return pack, nil
		}
	}
	return Pack{}, fmt.Errorf("%w: %d brushstrokes", ErrUnknownPack, brushstrokes)
}
