package monitor

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marginwatch/marginwatch/internal/margin"
	"github.com/marginwatch/marginwatch/internal/messaging"
	"github.com/marginwatch/marginwatch/internal/pricing"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// adjustablePrices lets tests move the market between evaluations.
type adjustablePrices struct {
	prices map[string]decimal.Decimal
}

func (p *adjustablePrices) Price(_ context.Context, asset string) (decimal.Decimal, error) {
	price, ok := p.prices[asset]
	if !ok {
		return decimal.Zero, &pricing.UnavailableError{Asset: asset}
	}
	return price, nil
}

func newTestService(t *testing.T, prices *adjustablePrices, publisher EventPublisher) *Service {
	t.Helper()
	return NewService(
		margin.NewHealthCalculator(prices, zap.NewNop()),
		margin.NewEventDetector(),
		margin.NewMemoryStatusStore(),
		publisher,
		nil,
		zap.NewNop(),
	)
}

func TestEvaluateSubjectPublishesOnTransition(t *testing.T) {
	bus := messaging.NewMemoryBus()
	sub, err := bus.Subscribe("margin.alerts", "test")
	require.NoError(t, err)
	defer sub.Close()

	prices := &adjustablePrices{prices: map[string]decimal.Decimal{
		"ETH":  dec("2450"),
		"USDC": dec("1"),
	}}
	svc := newTestService(t, prices, messaging.NewAlertPublisher(bus, "margin.alerts", zap.NewNop()))

	collateral := margin.PositionSet{"ETH": dec("10")}
	borrow := margin.PositionSet{"USDC": dec("15000")}
	ctx := context.Background()

	// HEALTHY at 63.33: nothing to publish.
	outcome, err := svc.EvaluateSubject(ctx, "subject-1", collateral, borrow)
	require.NoError(t, err)
	assert.Equal(t, margin.StatusHealthy, outcome.Result.Status)
	assert.Nil(t, outcome.Event)
	assert.Empty(t, outcome.MessageID)

	// ETH drops to 2100: score (21000-15000)/15000*100 = 40, entering
	// WARNING from HEALTHY emits margin_warning.
	prices.prices["ETH"] = dec("2100")
	outcome, err = svc.EvaluateSubject(ctx, "subject-1", collateral, borrow)
	require.NoError(t, err)
	require.NotNil(t, outcome.Event)
	assert.Equal(t, margin.EventMarginWarning, outcome.Event.EventType)
	assert.NotEmpty(t, outcome.MessageID)

	delivery, err := sub.Receive(ctx)
	require.NoError(t, err)
	decoded, err := messaging.DecodeAlertEvent(delivery.Payload())
	require.NoError(t, err)
	assert.Equal(t, outcome.Event.EventID, decoded.EventID)

	// ETH drifts to 2025: score 35, still WARNING, no second alert.
	prices.prices["ETH"] = dec("2025")
	outcome, err = svc.EvaluateSubject(ctx, "subject-1", collateral, borrow)
	require.NoError(t, err)
	assert.Equal(t, margin.StatusWarning, outcome.Result.Status)
	assert.Nil(t, outcome.Event)
}

func TestEvaluateSubjectRepeatsMarginCallAlerts(t *testing.T) {
	bus := messaging.NewMemoryBus()
	prices := &adjustablePrices{prices: map[string]decimal.Decimal{
		"ETH":  dec("1800"),
		"USDC": dec("1"),
	}}
	svc := newTestService(t, prices, messaging.NewAlertPublisher(bus, "margin.alerts", zap.NewNop()))

	collateral := margin.PositionSet{"ETH": dec("10")}
	borrow := margin.PositionSet{"USDC": dec("15000")}
	ctx := context.Background()

	// Score (18000-15000)/15000*100 = 20: MARGIN_CALL, and every
	// evaluation in the band re-alerts.
	for i := 0; i < 3; i++ {
		outcome, err := svc.EvaluateSubject(ctx, "subject-2", collateral, borrow)
		require.NoError(t, err)
		require.NotNil(t, outcome.Event, "evaluation %d", i)
		assert.Equal(t, margin.EventMarginCall, outcome.Event.EventType)
	}
}

func TestCheckSubjectTriviallyHealthyWithoutBorrow(t *testing.T) {
	// No prices configured at all: the no-borrow path must not price
	// anything or compute a score.
	prices := &adjustablePrices{prices: map[string]decimal.Decimal{}}
	svc := newTestService(t, prices, nil)

	outcome, err := svc.CheckSubject(context.Background(), "subject-3",
		margin.PositionSet{"ETH": dec("10")}, margin.PositionSet{})
	require.NoError(t, err)
	assert.True(t, outcome.TriviallyHealthy)
	assert.Nil(t, outcome.Result)
	assert.Nil(t, outcome.Event)
}

func TestEvaluateSubjectNoBorrowIsAnError(t *testing.T) {
	prices := &adjustablePrices{prices: map[string]decimal.Decimal{"ETH": dec("2450")}}
	svc := newTestService(t, prices, nil)

	_, err := svc.EvaluateSubject(context.Background(), "subject-4",
		margin.PositionSet{"ETH": dec("10")}, margin.PositionSet{})
	require.ErrorIs(t, err, margin.ErrNoBorrowPosition)
}

func TestEvaluateSubjectWithoutPublisherIsTypedError(t *testing.T) {
	prices := &adjustablePrices{prices: map[string]decimal.Decimal{
		"ETH":  dec("1000"),
		"USDC": dec("1"),
	}}
	svc := newTestService(t, prices, nil)

	// Score (10000-15000)/15000*100 < 15: an alert is due but there is no
	// publisher, which must surface as a typed error, not a silent no-op.
	outcome, err := svc.EvaluateSubject(context.Background(), "subject-5",
		margin.PositionSet{"ETH": dec("10")}, margin.PositionSet{"USDC": dec("15000")})
	require.ErrorIs(t, err, ErrPublisherNotConfigured)
	require.NotNil(t, outcome)
	assert.Equal(t, margin.StatusLiquidation, outcome.Result.Status)
}

func TestEvaluateSubjectPublishFailureSurfaces(t *testing.T) {
	bus := messaging.NewMemoryBus()
	require.NoError(t, bus.Close())

	prices := &adjustablePrices{prices: map[string]decimal.Decimal{
		"ETH":  dec("1000"),
		"USDC": dec("1"),
	}}
	svc := newTestService(t, prices, messaging.NewAlertPublisher(bus, "margin.alerts", zap.NewNop()))

	_, err := svc.EvaluateSubject(context.Background(), "subject-6",
		margin.PositionSet{"ETH": dec("10")}, margin.PositionSet{"USDC": dec("15000")})
	require.ErrorIs(t, err, messaging.ErrPublishUnavailable)
}

func TestEvaluateSubjectRecordsStatusDespiteDetectorSilence(t *testing.T) {
	bus := messaging.NewMemoryBus()
	prices := &adjustablePrices{prices: map[string]decimal.Decimal{
		"ETH":  dec("2450"),
		"USDC": dec("1"),
	}}
	store := margin.NewMemoryStatusStore()
	svc := NewService(
		margin.NewHealthCalculator(prices, zap.NewNop()),
		margin.NewEventDetector(),
		store,
		messaging.NewAlertPublisher(bus, "margin.alerts", zap.NewNop()),
		nil,
		zap.NewNop(),
	)

	_, err := svc.EvaluateSubject(context.Background(), "subject-7",
		margin.PositionSet{"ETH": dec("10")}, margin.PositionSet{"USDC": dec("15000")})
	require.NoError(t, err)

	st, err := store.GetPreviousStatus(context.Background(), "subject-7")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, margin.StatusHealthy, *st)
}
