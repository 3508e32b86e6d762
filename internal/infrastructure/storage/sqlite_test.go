package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_autotrader/internal/domain"
	"github.com/vitos/crypto_autotrader/internal/infrastructure/storage"
)

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "autotrader.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_AppendAndListAudit(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "ENGINE_STARTING", map[string]any{"message": "starting", "balance": 1000.0}))
	require.NoError(t, store.Append(ctx, "STATUS", map[string]any{"message": "cycle 1", "cycle": 1}))
	require.NoError(t, store.Append(ctx, "STATUS", map[string]any{"message": "cycle 2", "cycle": 2}))

	all, err := store.ListAuditEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "STATUS", all[0].EventType)
	assert.Equal(t, "cycle 2", all[0].Payload["message"])
	assert.Equal(t, 1000.0, all[2].Payload["balance"])

	status, err := store.ListAuditEvents(ctx, "STATUS", 1)
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, 2.0, status[0].Payload["cycle"])
}

func sampleTrade(id string, pnl float64, exit time.Time) *domain.Trade {
	return &domain.Trade{
		PositionID: id,
		Symbol:     "BTCUSDT",
		EntryPrice: 100,
		ExitPrice:  100 + pnl,
		Quantity:   1,
		PnL:        pnl,
		PnLPct:     pnl / 100,
		EntryTime:  exit.Add(-time.Minute),
		Timestamp:  exit,
		Reason:     domain.ExitTakeProfit,
	}
}

func TestSQLiteStore_SaveAndListTrades(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.SaveTrade(ctx, sampleTrade("p1", 1.5, now)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade("p2", -0.5, now.Add(time.Second))))
	// Duplicate saves are ignored.
	require.NoError(t, store.SaveTrade(ctx, sampleTrade("p1", 1.5, now)))

	trades, err := store.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "p2", trades[0].PositionID)
	assert.Equal(t, "p1", trades[1].PositionID)
	assert.Equal(t, domain.ExitTakeProfit, trades[1].Reason)
	assert.Equal(t, 1.5, trades[1].PnL)
	assert.True(t, trades[1].Timestamp.Equal(now))

	limited, err := store.ListTrades(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteStore_TradeSummary(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.SaveTrade(ctx, sampleTrade("old", -3, now.Add(-48*time.Hour))))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade("a", 2, now)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade("b", -1, now)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade("c", 1, now)))

	all, err := store.TradeSummary(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 4, all.Trades)
	assert.InDelta(t, -1, all.TotalPnL, 1e-9)

	today, err := store.TradeSummary(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, today.Trades)
	assert.Equal(t, 2, today.Wins)
	assert.Equal(t, 1, today.Losses)
	assert.InDelta(t, 2.0/3.0, today.HitRate, 1e-9)
	assert.InDelta(t, 2, today.TotalPnL, 1e-9)
}
