// Command claims-ingestd runs the eClaimLink/DHPO ingestion engine: fetch,
// parse, persist, aggregate, verify and acknowledge claim and remittance
// files end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/claims-ingest/engine/internal/config"
)

var (
	cfgFile string
	cfg     config.Config

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "claims-ingestd",
	Short: "claims-ingestd - eClaimLink/DHPO claims and remittance ingestion engine",
	Long:  "Pulls claim submission and remittance advice files from eClaimLink (or a local drop directory), parses, persists, aggregates and verifies them, then acknowledges receipt.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(&cobra.Group{ID: "run", Title: "Running the Engine:"})
	rootCmd.AddGroup(&cobra.Group{ID: "ops", Title: "Operations:"})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the YAML config file (defaults to CLAIMS_INGEST_* env vars only)")

	rootCmd.AddCommand(runCmd, statusCmd, reconcileCmd)
}

func main() {
	defer func() {
		if rootCancel != nil {
			rootCancel()
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
