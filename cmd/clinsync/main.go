package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/clinsync/clinsync/internal/client"
	"github.com/clinsync/clinsync/internal/config"
	"github.com/clinsync/clinsync/internal/events"
)

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "clinsync",
	Short: "Offline-first clinical record synchronization",
	Long: `Clinsync keeps therapy documentation usable without a network.
Notes save locally and queue for synchronization; conflicts resolve
deterministically and every losing version is archived.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.NewLoader(cfgFile).Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		logger, err = events.NewLogger(level, cfg.Log.Format, cfg.Log.File)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}

		apiClient, err = client.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("initialize client: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if apiClient != nil {
			return apiClient.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func printSuccess(format string, args ...interface{}) {
	color.Green(format, args...)
}

func printWarning(format string, args ...interface{}) {
	color.Yellow(format, args...)
}

func printError(format string, args ...interface{}) {
	color.Red(format, args...)
}
