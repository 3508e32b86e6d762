package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_autotrader/internal/domain"
	"github.com/vitos/crypto_autotrader/internal/usecase"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testExitRules = usecase.ExitRules{
	TakeProfitPct:   0.012,
	StopLossPct:     0.005,
	TrailingStopPct: 0.003,
	TrailingArmPct:  0.006,
}

type positionFixture struct {
	pm     *usecase.PositionManager
	risk   *usecase.RiskManager
	gw     *MockGateway
	sink   *MockAuditSink
	trades *MockTradeRepo
	logs   *observer.ObservedLogs
	price  map[string]float64
}

func newPositionFixture(t *testing.T) *positionFixture {
	t.Helper()
	f := &positionFixture{
		gw:     &MockGateway{},
		sink:   &MockAuditSink{},
		trades: &MockTradeRepo{},
		price:  map[string]float64{"BTCUSDT": 100, "ETHUSDT": 10},
	}
	f.gw.PriceOf = func(symbol string) float64 { return f.price[symbol] }

	limits := testLimits()
	limits.MaxTotalExposure = 200
	f.risk = usecase.NewRiskManager(limits)
	ex := usecase.NewTradeExecutor(f.gw, usecase.OrderRules{DefaultQtyStep: 0.0001, DefaultMinNotional: 5}, time.Second, nil, nil)
	audit := usecase.NewAuditor(f.sink, nil, 0)
	core, logs := observer.New(zap.InfoLevel)
	f.logs = logs
	f.pm = usecase.NewPositionManager(ex, f.risk, audit, f.trades, nil, testExitRules, zap.New(core))
	return f
}

func TestExitRules_Priority(t *testing.T) {
	tests := []struct {
		name    string
		peak    float64
		current float64
		want    domain.ExitReason
		hit     bool
	}{
		{"take profit", 101.5, 101.5, domain.ExitTakeProfit, true},
		{"take profit beats trailing", 103, 101.5, domain.ExitTakeProfit, true},
		{"stop loss", 100, 99.4, domain.ExitStopLoss, true},
		{"trailing armed", 101.1, 100.7, domain.ExitTrailingStop, true},
		{"trailing not armed", 100.5, 100.1, "", false},
		{"within drawdown", 101.1, 100.9, "", false},
		{"flat", 100, 100, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := testExitRules.Evaluate(100, tt.peak, tt.current)
			assert.Equal(t, tt.hit, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPositionManager_OpenRecordsExposure(t *testing.T) {
	f := newPositionFixture(t)

	pos, err := f.pm.Open(context.Background(), "BTCUSDT", 0.5, 50, usecase.SignalReading{Confidence: 0.9})
	require.NoError(t, err)

	assert.Equal(t, domain.PositionOpen, pos.State)
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.Equal(t, 100.0, pos.PeakPrice)
	assert.NotEmpty(t, pos.ID)
	assert.True(t, f.pm.HasPosition("BTCUSDT"))
	assert.InDelta(t, 50, f.risk.Snapshot().Exposure, 1e-9)
	assert.Equal(t, 1, f.sink.Count(usecase.EventPositionOpened))

	_, err = f.pm.Open(context.Background(), "BTCUSDT", 0.5, 50, usecase.SignalReading{})
	assert.Error(t, err, "one position per symbol")
}

func TestPositionManager_FailedEntryCreatesNothing(t *testing.T) {
	f := newPositionFixture(t)
	f.gw.FailBuys = 2

	_, err := f.pm.Open(context.Background(), "BTCUSDT", 0.5, 50, usecase.SignalReading{})
	require.Error(t, err)

	assert.False(t, f.pm.HasPosition("BTCUSDT"))
	assert.Equal(t, 0.0, f.risk.Snapshot().Exposure)
	assert.Equal(t, 1, f.sink.Count(usecase.EventEntryFailed))
}

func TestPositionManager_TakeProfitClosesWithOneTrade(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()
	_, err := f.pm.Open(ctx, "BTCUSDT", 0.5, 50, usecase.SignalReading{})
	require.NoError(t, err)

	f.price["BTCUSDT"] = 101.5
	require.NoError(t, f.pm.EvaluateExits(ctx, map[string]float64{"BTCUSDT": 101.5}))

	assert.False(t, f.pm.HasPosition("BTCUSDT"))
	trades := f.pm.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitTakeProfit, trades[0].Reason)
	assert.InDelta(t, 0.75, trades[0].PnL, 1e-9)
	assert.InDelta(t, 0.015, trades[0].PnLPct, 1e-9)
	assert.Len(t, f.trades.Trades, 1)

	snap := f.risk.Snapshot()
	assert.Equal(t, 0.0, snap.Exposure)
	assert.Equal(t, 0, snap.OpenPositions)
	assert.InDelta(t, 0.75, snap.DailyPnL, 1e-9)
}

func TestPositionManager_TrailingStopFollowsPeak(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()
	_, err := f.pm.Open(ctx, "BTCUSDT", 0.5, 50, usecase.SignalReading{})
	require.NoError(t, err)

	require.NoError(t, f.pm.EvaluateExits(ctx, map[string]float64{"BTCUSDT": 101.1}))
	require.True(t, f.pm.HasPosition("BTCUSDT"))
	assert.Equal(t, 101.1, f.pm.Positions()[0].PeakPrice)

	f.price["BTCUSDT"] = 100.7
	require.NoError(t, f.pm.EvaluateExits(ctx, map[string]float64{"BTCUSDT": 100.7}))

	trades := f.pm.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitTrailingStop, trades[0].Reason)
	assert.Greater(t, trades[0].PnL, 0.0)
}

func TestPositionManager_MissingPriceSkipsSymbol(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()
	_, err := f.pm.Open(ctx, "BTCUSDT", 0.5, 50, usecase.SignalReading{})
	require.NoError(t, err)

	require.NoError(t, f.pm.EvaluateExits(ctx, map[string]float64{"ETHUSDT": 1}))
	assert.True(t, f.pm.HasPosition("BTCUSDT"))
	assert.Empty(t, f.gw.OrdersBySide(domain.SideSell))
}

func TestPositionManager_FailedCloseStaysOpen(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()
	_, err := f.pm.Open(ctx, "BTCUSDT", 0.5, 50, usecase.SignalReading{})
	require.NoError(t, err)

	f.gw.FailSells = 2
	f.price["BTCUSDT"] = 99
	require.NoError(t, f.pm.EvaluateExits(ctx, map[string]float64{"BTCUSDT": 99}))

	failures := f.logs.FilterMessage("Exit close failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, zap.WarnLevel, failures[0].Level)
	assert.Equal(t, "BTCUSDT", failures[0].ContextMap()["symbol"])
	assert.Equal(t, string(domain.ExitStopLoss), failures[0].ContextMap()["reason"])

	positions := f.pm.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, domain.PositionOpen, positions[0].State)
	assert.Equal(t, 1, positions[0].CloseAttempts)
	assert.Equal(t, 1, f.sink.Count(usecase.EventCloseFailed))
	assert.InDelta(t, 50, f.risk.Snapshot().Exposure, 1e-9)
	assert.Empty(t, f.pm.Trades())

	// Re-evaluated on the next pass.
	require.NoError(t, f.pm.EvaluateExits(ctx, map[string]float64{"BTCUSDT": 99}))
	trades := f.pm.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitStopLoss, trades[0].Reason)
	assert.InDelta(t, -0.5, f.risk.Snapshot().DailyPnL, 1e-9)
}

func TestPositionManager_RetriedCloseProducesOneTrade(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()
	_, err := f.pm.Open(ctx, "BTCUSDT", 0.5, 50, usecase.SignalReading{})
	require.NoError(t, err)

	f.gw.FailSells = 1
	f.price["BTCUSDT"] = 102
	require.NoError(t, f.pm.Close(ctx, "BTCUSDT", domain.ExitTakeProfit, 102))

	assert.Len(t, f.gw.OrdersBySide(domain.SideSell), 2)
	assert.Len(t, f.pm.Trades(), 1)
	assert.Len(t, f.trades.Trades, 1)
	assert.Equal(t, 1, f.sink.Count(usecase.EventPositionClosed))
}

func TestPositionManager_PartialClose(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()
	_, err := f.pm.Open(ctx, "BTCUSDT", 0.5, 50, usecase.SignalReading{})
	require.NoError(t, err)

	f.gw.PartialSells = 1
	f.price["BTCUSDT"] = 102
	require.NoError(t, f.pm.Close(ctx, "BTCUSDT", domain.ExitTakeProfit, 102))

	positions := f.pm.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, domain.PositionOpen, positions[0].State)
	assert.InDelta(t, 0.25, positions[0].Quantity, 1e-9)
	assert.InDelta(t, 25, f.risk.Snapshot().Exposure, 1e-9)
	assert.Equal(t, 1, f.risk.Snapshot().OpenPositions)
	assert.Empty(t, f.pm.Trades())
	assert.Equal(t, 1, f.sink.Count(usecase.EventClosePartial))

	require.NoError(t, f.pm.Close(ctx, "BTCUSDT", domain.ExitTakeProfit, 102))

	trades := f.pm.Trades()
	require.Len(t, trades, 1)
	assert.InDelta(t, 0.5, trades[0].Quantity, 1e-9)
	assert.InDelta(t, 1.0, trades[0].PnL, 1e-9)
	assert.InDelta(t, 102, trades[0].ExitPrice, 1e-9)
	assert.InDelta(t, 0.02, trades[0].PnLPct, 1e-9)
	assert.Equal(t, 0.0, f.risk.Snapshot().Exposure)
	assert.Equal(t, 0, f.risk.Snapshot().OpenPositions)
}

func TestPositionManager_CloseAllRetriesUntilFlat(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()
	_, err := f.pm.Open(ctx, "BTCUSDT", 0.5, 50, usecase.SignalReading{})
	require.NoError(t, err)
	_, err = f.pm.Open(ctx, "ETHUSDT", 2, 20, usecase.SignalReading{})
	require.NoError(t, err)

	// BTC fails twice in pass one and closes in pass two.
	f.gw.FailSells = 2
	unclosed := f.pm.CloseAll(ctx, 3, map[string]float64{"BTCUSDT": 100, "ETHUSDT": 10})

	assert.Empty(t, unclosed)
	assert.Equal(t, 0, f.pm.OpenCount())
	report := f.pm.Report()
	assert.Equal(t, 2, report.Trades)
	for _, tr := range f.pm.Trades() {
		assert.Equal(t, domain.ExitShutdown, tr.Reason)
	}
	assert.Equal(t, 0.0, f.risk.Snapshot().Exposure)
}

func TestPositionManager_CloseAllReportsUnclosed(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()
	_, err := f.pm.Open(ctx, "BTCUSDT", 0.5, 50, usecase.SignalReading{})
	require.NoError(t, err)

	f.gw.FailSells = 100
	unclosed := f.pm.CloseAll(ctx, 2, nil)

	require.Len(t, unclosed, 1)
	assert.Equal(t, "BTCUSDT", unclosed[0].Symbol)
	assert.Equal(t, 2, unclosed[0].CloseAttempts)
	assert.Len(t, f.gw.OrdersBySide(domain.SideSell), 4)
}

func TestPositionManager_DuplicateOpenRejected(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()
	_, err := f.pm.Open(ctx, "BTCUSDT", 0.5, 50, usecase.SignalReading{})
	require.NoError(t, err)

	_, err = f.pm.Open(ctx, "BTCUSDT", 0.3, 30, usecase.SignalReading{})
	assert.ErrorContains(t, err, "position already open for BTCUSDT")

	assert.Len(t, f.gw.OrdersBySide(domain.SideBuy), 1)
	assert.Equal(t, 1, f.pm.OpenCount())
	assert.InDelta(t, 0.5, f.pm.Positions()[0].Quantity, 1e-9)
	snap := f.risk.Snapshot()
	assert.InDelta(t, 50, snap.Exposure, 1e-9)
	assert.Equal(t, 1, snap.OpenPositions)
	assert.Equal(t, 1, f.sink.Count(usecase.EventPositionOpened))
}

func TestPositionManager_UnsettledEntryIsReconciled(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()
	f.gw.Unsettled = 1

	_, err := f.pm.Open(ctx, "BTCUSDT", 0.5, 50.25, usecase.SignalReading{})
	require.ErrorIs(t, err, domain.ErrOrderUnsettled)

	positions := f.pm.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, domain.PositionOpening, positions[0].State)
	assert.NotEmpty(t, positions[0].PendingOrderID)
	assert.InDelta(t, 50.25, f.risk.Snapshot().Exposure, 1e-9, "reserved notional is held while pending")
	assert.Equal(t, 1, f.sink.Count(usecase.EventOrderUnsettled))

	_, err = f.pm.Open(ctx, "BTCUSDT", 0.5, 50.25, usecase.SignalReading{})
	require.Error(t, err)
	require.NoError(t, f.pm.EvaluateExits(ctx, map[string]float64{"BTCUSDT": 90}))
	assert.Len(t, f.gw.Orders, 1)

	require.NoError(t, f.pm.Reconcile(ctx))

	positions = f.pm.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, domain.PositionOpen, positions[0].State)
	assert.Empty(t, positions[0].PendingOrderID)
	assert.Equal(t, 100.0, positions[0].EntryPrice)
	assert.InDelta(t, 50, f.risk.Snapshot().Exposure, 1e-9)
	assert.Equal(t, 1, f.risk.Snapshot().OpenPositions)
	assert.Equal(t, 1, f.sink.Count(usecase.EventOrderReconciled))
	assert.Equal(t, 1, f.sink.Count(usecase.EventPositionOpened))
	assert.Len(t, f.gw.OrdersBySide(domain.SideBuy), 1)
}

func TestPositionManager_UnexecutedEntryIsReleased(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()
	f.gw.Unsettled = 1
	f.gw.PendingOutcome = domain.ErrOrderNotFilled

	_, err := f.pm.Open(ctx, "BTCUSDT", 0.5, 50.25, usecase.SignalReading{})
	require.ErrorIs(t, err, domain.ErrOrderUnsettled)
	require.NoError(t, f.pm.Reconcile(ctx))

	assert.False(t, f.pm.HasPosition("BTCUSDT"))
	snap := f.risk.Snapshot()
	assert.Equal(t, 0.0, snap.Exposure)
	assert.Equal(t, 0, snap.OpenPositions)
	assert.Equal(t, 0.0, snap.DailyPnL)
	assert.Equal(t, 1, f.sink.Count(usecase.EventEntryFailed))
}

func TestPositionManager_StillPendingOrderIsKept(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()
	f.gw.Unsettled = 1
	f.gw.PendingOutcome = domain.ErrOrderUnsettled

	_, err := f.pm.Open(ctx, "BTCUSDT", 0.5, 50.25, usecase.SignalReading{})
	require.Error(t, err)
	require.NoError(t, f.pm.Reconcile(ctx))
	require.NoError(t, f.pm.Reconcile(ctx))

	positions := f.pm.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, domain.PositionOpening, positions[0].State)
	assert.Equal(t, 2, f.gw.Lookups)
	assert.Len(t, f.gw.Orders, 1)
}

func TestPositionManager_UnsettledExitIsReconciled(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()
	_, err := f.pm.Open(ctx, "BTCUSDT", 0.5, 50, usecase.SignalReading{})
	require.NoError(t, err)

	f.gw.Unsettled = 1
	f.price["BTCUSDT"] = 102
	err = f.pm.Close(ctx, "BTCUSDT", domain.ExitTakeProfit, 102)
	require.ErrorIs(t, err, domain.ErrOrderUnsettled)

	positions := f.pm.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, domain.PositionClosing, positions[0].State)

	require.Error(t, f.pm.Close(ctx, "BTCUSDT", domain.ExitTakeProfit, 102))
	require.NoError(t, f.pm.EvaluateExits(ctx, map[string]float64{"BTCUSDT": 102}))
	assert.Len(t, f.gw.OrdersBySide(domain.SideSell), 1)

	require.NoError(t, f.pm.Reconcile(ctx))

	assert.False(t, f.pm.HasPosition("BTCUSDT"))
	trades := f.pm.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitTakeProfit, trades[0].Reason)
	assert.InDelta(t, 1.0, trades[0].PnL, 1e-9)
	assert.Equal(t, 0.0, f.risk.Snapshot().Exposure)
	assert.Len(t, f.gw.OrdersBySide(domain.SideSell), 1)
}

func TestPositionManager_CloseAllReconcilesPendingExit(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()
	_, err := f.pm.Open(ctx, "BTCUSDT", 0.5, 50, usecase.SignalReading{})
	require.NoError(t, err)

	f.gw.Unsettled = 1
	unclosed := f.pm.CloseAll(ctx, 3, map[string]float64{"BTCUSDT": 100})

	assert.Empty(t, unclosed)
	assert.Len(t, f.gw.OrdersBySide(domain.SideSell), 1)
	trades := f.pm.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitShutdown, trades[0].Reason)
}
