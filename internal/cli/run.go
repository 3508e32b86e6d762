package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vitos/crypto_autotrader/internal/config"
	"github.com/vitos/crypto_autotrader/internal/domain"
	"github.com/vitos/crypto_autotrader/internal/infrastructure/confirm"
	"github.com/vitos/crypto_autotrader/internal/infrastructure/metrics"
	"github.com/vitos/crypto_autotrader/internal/infrastructure/storage"
	"github.com/vitos/crypto_autotrader/internal/usecase"
	"github.com/vitos/crypto_autotrader/internal/web"
	"go.uber.org/zap"
)

func runCmd(configPath func() string) *cobra.Command {
	var autoConfirm bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the trading loop",
		Long: `Start the autonomous trading loop.

The engine shows its limits and waits for the operator to type YES before
any order is placed. The first interrupt requests a graceful stop (open
positions are closed at market); a second interrupt trips the kill switch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			return runEngine(cmd.Context(), cfg, autoConfirm, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&autoConfirm, "yes", false, "skip the interactive confirmation")
	return cmd
}

func runEngine(parent context.Context, cfg *config.Config, autoConfirm bool, out io.Writer) error {
	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	if err := ensureDir(cfg.Storage.DBPath); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	audit := usecase.NewAuditor(store, log.Named("audit"), cfg.Storage.AuditBuffer)
	defer audit.Close()

	recorder := metrics.NewRecorder()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	v := buildVenue(cfg, log)
	if v.stream != nil {
		go func() {
			if err := v.stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Ticker stream stopped", zap.Error(err))
			}
		}()
	}

	var confirmer domain.Confirmer = confirm.NewTerminalConfirmer()
	if autoConfirm {
		confirmer = confirm.AutoConfirmer{}
	}

	loop := usecase.NewTradingLoop(cfg.LoopConfig(), usecase.Dependencies{
		Market:    v.market,
		Gateway:   v.gateway,
		Audit:     audit,
		Trades:    store,
		Confirmer: confirmer,
		Metrics:   recorder,
	}, log.Named("engine"))

	var srv *web.Server
	if cfg.Server.Port > 0 {
		srv = web.NewServer(cfg.Server.Port, loop, store, recorder.Handler(), log.Named("http"))
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("Control server failed", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go watchSignals(ctx, sigCh, loop, cancel, log)

	log.Info("Starting autotrader",
		zap.String("mode", cfg.Exchange.Mode),
		zap.String("price_source", cfg.Exchange.PriceSource),
		zap.Strings("symbols", cfg.Trading.Symbols))

	report, runErr := loop.Run(ctx)

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Control server shutdown", zap.Error(err))
		}
		done()
	}
	if v.rest != nil {
		log.Info("Circuit breakers", zap.Any("state", v.rest.State()))
	}

	if runErr != nil {
		return runErr
	}
	printReport(out, report)
	return nil
}

// watchSignals maps the first interrupt to a graceful stop and the second to
// the kill switch. Before the loop is running an interrupt simply cancels.
func watchSignals(ctx context.Context, sigCh <-chan os.Signal, loop *usecase.TradingLoop, cancel context.CancelFunc, log *zap.Logger) {
	stopping := false
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch {
			case loop.State() != domain.EngineRunning && !stopping:
				log.Info("Interrupted before trading started", zap.String("signal", sig.String()))
				cancel()
				return
			case !stopping:
				log.Info("Graceful stop requested, interrupt again to trip the kill switch", zap.String("signal", sig.String()))
				loop.RequestStop()
				stopping = true
			default:
				log.Warn("Second interrupt, tripping kill switch", zap.String("signal", sig.String()))
				loop.EmergencyStop("operator interrupt")
				return
			}
		}
	}
}

func printReport(w io.Writer, r *domain.Report) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "\nSession report\n")
	if r.StopReason != "" {
		fmt.Fprintf(w, "  Stop reason:  %s\n", r.StopReason)
	}
	fmt.Fprintf(w, "  Trades:       %d\n", r.Trades)
	fmt.Fprintf(w, "  Wins/Losses:  %d/%d\n", r.Wins, r.Losses)
	fmt.Fprintf(w, "  Hit rate:     %.1f%%\n", r.HitRate*100)
	fmt.Fprintf(w, "  Total PnL:    %.4f\n", r.TotalPnL)
	if len(r.Unclosed) > 0 {
		symbols := make([]string, len(r.Unclosed))
		for i, p := range r.Unclosed {
			symbols[i] = fmt.Sprintf("%s(%g)", p.Symbol, p.Quantity)
		}
		fmt.Fprintf(w, "  UNCLOSED:     %s\n", strings.Join(symbols, ", "))
	}
}
