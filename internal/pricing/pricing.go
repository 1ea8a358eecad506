// Package pricing defines the price-lookup boundary the margin calculator
// depends on, plus a static source for tests and a Redis-backed cache.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceLookup resolves the current USD price for an asset symbol.
type PriceLookup interface {
	Price(ctx context.Context, asset string) (decimal.Decimal, error)
}

// ErrPriceUnavailable is the sentinel wrapped by UnavailableError.
var ErrPriceUnavailable = errors.New("price unavailable")

// UnavailableError reports that no current price could be resolved for an
// asset. A missing price must fail the whole evaluation rather than degrade
// the score, since it could mask a liquidation risk.
type UnavailableError struct {
	Asset string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("price unavailable for asset %q", e.Asset)
}

func (e *UnavailableError) Unwrap() error {
	return ErrPriceUnavailable
}

// StaticSource serves prices from a fixed map. Used in tests and local runs.
type StaticSource struct {
	prices map[string]decimal.Decimal
}

// NewStaticSource copies the given price map into a lookup.
func NewStaticSource(prices map[string]decimal.Decimal) *StaticSource {
	cp := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &StaticSource{prices: cp}
}

func (s *StaticSource) Price(_ context.Context, asset string) (decimal.Decimal, error) {
	p, ok := s.prices[asset]
	if !ok {
		return decimal.Zero, &UnavailableError{Asset: asset}
	}
	return p, nil
}
