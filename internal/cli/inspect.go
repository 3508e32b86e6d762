package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vitos/crypto_autotrader/internal/config"
	"github.com/vitos/crypto_autotrader/internal/domain"
	"github.com/vitos/crypto_autotrader/internal/infrastructure/exchange"
	"github.com/vitos/crypto_autotrader/internal/infrastructure/storage"
	"go.uber.org/zap"
)

func checkCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check exchange connectivity, prices, balance and instrument rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			return CheckExchange(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

// CheckExchange runs read-only calls against the configured REST endpoint.
// The balance call is skipped when no credentials are set.
func CheckExchange(ctx context.Context, w io.Writer, cfg *config.Config) error {
	ex := cfg.Exchange
	adapter := exchange.NewBybitAdapter(ex.APIKey, ex.APISecret, ex.RESTEndpoint, ex.RequestsPerSecond, zap.NewNop())
	symbols := cfg.Trading.Symbols

	fmt.Fprintf(w, "Endpoint: %s\n", ex.RESTEndpoint)

	prices, err := adapter.GetPrices(ctx, symbols)
	if err != nil {
		return fmt.Errorf("get prices: %w", err)
	}
	for _, s := range symbols {
		if p, ok := prices[s]; ok {
			fmt.Fprintf(w, "  price %-12s %f\n", s, p)
		} else {
			fmt.Fprintf(w, "  price %-12s MISSING\n", s)
		}
	}

	rules, err := adapter.GetInstrumentRules(ctx, symbols)
	if err != nil {
		return fmt.Errorf("get instrument rules: %w", err)
	}
	for _, s := range symbols {
		r, ok := rules[s]
		if !ok {
			fmt.Fprintf(w, "  rules %-12s unknown symbol\n", s)
			continue
		}
		fmt.Fprintf(w, "  rules %-12s step=%g min_notional=%g\n", s, r.QtyStep, r.MinNotional)
	}

	if ex.APIKey == "" || ex.APISecret == "" {
		fmt.Fprintf(w, "  balance: skipped (no credentials)\n")
		return nil
	}
	balance, err := adapter.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}
	fmt.Fprintf(w, "  balance: %.2f USDT\n", balance)
	return nil
}

// openStore opens the database without creating it, so inspection commands
// fail instead of leaving empty files behind.
func openStore(cmd *cobra.Command, configPath func() string) (*storage.SQLiteStore, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		cfg, err := config.Load(configPath())
		if err != nil {
			return nil, err
		}
		dbPath = cfg.Storage.DBPath
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	return storage.NewSQLiteStore(dbPath)
}

func tradesCmd(configPath func() string) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List recent closed trades",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			trades, err := store.ListTrades(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list trades: %w", err)
			}
			if asJSON {
				if trades == nil {
					trades = []*domain.Trade{}
				}
				return writeIndented(cmd.OutOrStdout(), trades)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "EXIT TIME\tSYMBOL\tQTY\tENTRY\tEXIT\tPNL\tREASON")
			for _, t := range trades {
				fmt.Fprintf(tw, "%s\t%s\t%g\t%g\t%g\t%.4f\t%s\n",
					t.Timestamp.Local().Format(time.DateTime), t.Symbol, t.Quantity,
					t.EntryPrice, t.ExitPrice, t.PnL, t.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of trades to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().String("db", "", "database path (default: storage.db_path from config)")
	return cmd
}

func reportCmd(configPath func() string) *cobra.Command {
	var (
		since  time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise persisted trades",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			report, err := store.TradeSummary(cmd.Context(), from)
			if err != nil {
				return fmt.Errorf("summarise trades: %w", err)
			}
			if asJSON {
				return writeIndented(cmd.OutOrStdout(), report)
			}
			printReport(cmd.OutOrStdout(), &report)
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only trades closed within this window, e.g. 24h (default: all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().String("db", "", "database path (default: storage.db_path from config)")
	return cmd
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
