package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/vitos/crypto_autotrader/internal/config"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// NewRootCmd builds the autotrader command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "autotrader",
		Short:         "Autonomous spot trading engine for Bybit",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the YAML config file")

	path := func() string { return configPath }
	root.AddCommand(runCmd(path))
	root.AddCommand(checkCmd(path))
	root.AddCommand(tradesCmd(path))
	root.AddCommand(reportCmd(path))
	root.AddCommand(configCmd(path))
	root.AddCommand(versionCmd())
	return root
}

func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("autotrader %s\n", Version)
		},
	}
}
