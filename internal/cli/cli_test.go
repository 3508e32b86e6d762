package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_autotrader/internal/config"
	"github.com/vitos/crypto_autotrader/internal/domain"
	"github.com/vitos/crypto_autotrader/internal/infrastructure/exchange"
	"github.com/vitos/crypto_autotrader/internal/infrastructure/storage"
	"github.com/vitos/crypto_autotrader/internal/usecase"
	"go.uber.org/zap"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "autotrader dev")
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	out, err := execute(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")
	assert.FileExists(t, path)

	_, err = execute(t, "--config", path, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "--config", path, "config", "init", "--force")
	require.NoError(t, err)

	out, err = execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "mode=paper")
}

func TestConfigValidateRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exchange:\n  mode: yolo\n"), 0o600))

	_, err := execute(t, "--config", path, "config", "validate")
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func seedTrades(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "trades.db")
	store, err := storage.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	trades := []*domain.Trade{
		{PositionID: "p1", Symbol: "BTCUSDT", EntryPrice: 100, ExitPrice: 101.2, Quantity: 0.5, PnL: 0.6, PnLPct: 0.012,
			Reason: domain.ExitTakeProfit, EntryTime: now.Add(-72 * time.Hour), Timestamp: now.Add(-48 * time.Hour)},
		{PositionID: "p2", Symbol: "ETHUSDT", EntryPrice: 50, ExitPrice: 49.75, Quantity: 1, PnL: -0.25, PnLPct: -0.005,
			Reason: domain.ExitStopLoss, EntryTime: now.Add(-2 * time.Hour), Timestamp: now.Add(-time.Hour)},
	}
	for _, tr := range trades {
		require.NoError(t, store.SaveTrade(context.Background(), tr))
	}
	return dbPath
}

func TestTradesCommand(t *testing.T) {
	dbPath := seedTrades(t)

	out, err := execute(t, "trades", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "ETHUSDT")
	assert.Contains(t, out, "TAKE_PROFIT")

	out, err = execute(t, "trades", "--db", dbPath, "--json", "-n", "1")
	require.NoError(t, err)
	var got []domain.Trade
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "p2", got[0].PositionID)
}

func TestTradesMissingDatabase(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.db")
	_, err := execute(t, "trades", "--db", missing)
	assert.Error(t, err)
	assert.NoFileExists(t, missing)
}

func TestReportCommand(t *testing.T) {
	dbPath := seedTrades(t)

	out, err := execute(t, "report", "--db", dbPath, "--json")
	require.NoError(t, err)
	var all domain.Report
	require.NoError(t, json.Unmarshal([]byte(out), &all))
	assert.Equal(t, 2, all.Trades)
	assert.Equal(t, 1, all.Wins)
	assert.InDelta(t, 0.35, all.TotalPnL, 1e-9)

	out, err = execute(t, "report", "--db", dbPath, "--json", "--since", "24h")
	require.NoError(t, err)
	var recent domain.Report
	require.NoError(t, json.Unmarshal([]byte(out), &recent))
	assert.Equal(t, 1, recent.Trades)
	assert.Equal(t, 1, recent.Losses)

	out, err = execute(t, "report", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Wins/Losses:  1/1")
}

func TestPrintReportListsUnclosed(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &domain.Report{
		Trades:     1,
		StopReason: domain.StopKillSwitch,
		Unclosed:   []domain.Position{{Symbol: "SOLUSDT", Quantity: 2}},
	})
	assert.Contains(t, buf.String(), "KILL_SWITCH")
	assert.Contains(t, buf.String(), "UNCLOSED:     SOLUSDT(2)")

	buf.Reset()
	printReport(&buf, nil)
	assert.Empty(t, buf.String())
}

func TestBuildVenue(t *testing.T) {
	t.Run("paper over rest", func(t *testing.T) {
		cfg := config.Default()
		v := buildVenue(cfg, zap.NewNop())
		assert.IsType(t, &exchange.PaperGateway{}, v.gateway)
		assert.Same(t, v.gateway, v.market)
		assert.Nil(t, v.stream)
	})

	t.Run("live over stream", func(t *testing.T) {
		cfg := config.Default()
		cfg.Exchange.Mode = config.ModeLive
		cfg.Exchange.PriceSource = config.PriceSourceStream
		v := buildVenue(cfg, zap.NewNop())
		assert.IsType(t, &exchange.Guarded{}, v.gateway)
		require.NotNil(t, v.stream)
		assert.Same(t, v.stream, v.market)
	})
}

func TestWatchSignalsCancelsBeforeStart(t *testing.T) {
	loop := usecase.NewTradingLoop(usecase.DefaultLoopConfig(), usecase.Dependencies{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})
	go func() {
		watchSignals(ctx, sigCh, loop, cancel, zap.NewNop())
		close(done)
	}()
	sigCh <- syscall.SIGTERM

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchSignals did not return")
	}
	assert.Error(t, ctx.Err())
	assert.Equal(t, domain.EngineIdle, loop.State())
}
