package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/mklimuk/sampler/cmd/dev/cmd"
)

var (
	debug   bool
	version string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "dev",
		Short:   "build and check tool for the sampler module",
		Long:    "Builds the smp binary, natively or in the cgo build image, and runs the unit, lint and hardware checks of the sampler module.",
		Example: "  dev build --cross-os linux --cross-arch arm64\n  dev test\n  dev integration-test",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			charm := log.NewWithOptions(os.Stdout, log.Options{
				ReportCaller:    true,
				ReportTimestamp: true,
				TimeFormat:      time.DateTime,
				Prefix:          "smp",
			})
			charm.SetColorProfile(termenv.TrueColor)

			if debug {
				charm.SetLevel(log.DebugLevel)
			} else {
				charm.SetLevel(log.InfoLevel)
			}
			slogger := slog.New(charm)
			slog.SetDefault(slogger)
		},
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log devtool steps at debug level")
	rootCmd.PersistentFlags().StringVar(&version, "version", "latest", "version injected into the smp binary")

	rootCmd.AddCommand(cmd.BuildCmd())
	rootCmd.AddCommand(cmd.TestCmd())
	rootCmd.AddCommand(cmd.LintCmd())
	rootCmd.AddCommand(cmd.IntegrationTestCmd())

	err := rootCmd.Execute()
	if err != nil {
		slog.Error("unexpected error", "error", err)
		os.Exit(1)
	}
}
