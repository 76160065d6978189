// Command perpsync synchronizes BingX perpetual-futures contract and market
// data into a relational store and serves it over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sawpanic/perpsync/internal/config"
	applog "github.com/sawpanic/perpsync/internal/log"
)

func main() {
	root := &cobra.Command{
		Use:           "perpsync",
		Short:         "BingX perpetual futures market-data pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newRefreshCmd())
	root.AddCommand(newTruncateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadAndInit loads configuration and bootstraps logging, returning the log
// closer for shutdown.
func loadAndInit() (config.Config, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	closer, err := applog.Init(cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, closer, nil
}
