package margin

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marginwatch/marginwatch/internal/pricing"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)

	// Collateral ratio at the liquidation boundary: score 15 means
	// collateral = borrow * 1.15.
	liquidationRatio = one.Add(thresholdMarginCall.Div(hundred))
)

// HealthCalculator computes a subject's health score and band from its
// collateral and borrow positions plus live USD prices. Deterministic given
// identical inputs and prices; its only side effect is price lookups.
type HealthCalculator struct {
	prices pricing.PriceLookup
	logger *zap.Logger
	now    func() time.Time
}

// NewHealthCalculator creates a calculator using the given price source.
func NewHealthCalculator(prices pricing.PriceLookup, logger *zap.Logger) *HealthCalculator {
	return &HealthCalculator{
		prices: prices,
		logger: logger,
		now:    time.Now,
	}
}

// Evaluate prices both position sets and derives the health score, band and
// liquidation headroom. It fails with a pricing.UnavailableError if any
// required price is missing, and with ErrNoBorrowPosition when the borrow
// total is zero: partial pricing or a synthetic score could mask a
// liquidation risk, so neither is ever substituted.
func (c *HealthCalculator) Evaluate(ctx context.Context, subjectID string, collateral, borrow PositionSet) (*HealthResult, error) {
	collateralUSD, err := c.valueUSD(ctx, collateral)
	if err != nil {
		return nil, err
	}
	borrowUSD, err := c.valueUSD(ctx, borrow)
	if err != nil {
		return nil, err
	}

	if borrowUSD.IsZero() {
		return nil, ErrNoBorrowPosition
	}

	// score = (collateral - borrow) / borrow * 100
	score := collateralUSD.Sub(borrowUSD).Div(borrowUSD).Mul(hundred)
	status := StatusForScore(score)

	result := &HealthResult{
		SubjectID:                   subjectID,
		HealthScore:                 score,
		Status:                      status,
		TotalCollateralUSD:          collateralUSD,
		TotalBorrowUSD:              borrowUSD,
		LiquidationPriceDropPercent: liquidationDropPercent(collateralUSD, borrowUSD),
		ComputedAt:                  c.now().UTC(),
	}

	c.logger.Debug("evaluated margin health",
		zap.String("subject_id", subjectID),
		zap.String("health_score", score.StringFixed(4)),
		zap.String("status", string(status)))

	return result, nil
}

func (c *HealthCalculator) valueUSD(ctx context.Context, positions PositionSet) (decimal.Decimal, error) {
	total := decimal.Zero
	for symbol, qty := range positions {
		if symbol == "" {
			return decimal.Zero, &InvalidPositionError{Symbol: symbol, Reason: "empty asset symbol"}
		}
		if qty.IsNegative() {
			return decimal.Zero, &InvalidPositionError{Symbol: symbol, Reason: "negative quantity"}
		}
		if qty.IsZero() {
			continue
		}
		price, err := c.prices.Price(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(price.Mul(qty))
	}
	return total, nil
}

// liquidationDropPercent is the uniform percentage all collateral could fall
// before the score reaches the liquidation boundary. Solving
// (C*(1-d/100) - B) / B * 100 = 15 gives d = (1 - 1.15*B/C) * 100. The value
// is clamped to [0, 100]: zero when the subject is already at or past the
// boundary.
func liquidationDropPercent(collateralUSD, borrowUSD decimal.Decimal) decimal.Decimal {
	if collateralUSD.IsZero() {
		return decimal.Zero
	}
	drop := one.Sub(liquidationRatio.Mul(borrowUSD).Div(collateralUSD)).Mul(hundred)
	if drop.IsNegative() {
		return decimal.Zero
	}
	if drop.GreaterThan(hundred) {
		return hundred
	}
	return drop
}
