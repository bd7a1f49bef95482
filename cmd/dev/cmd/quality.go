package cmd

import (
	"fmt"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

// qualityCmd wraps one devtool check; what names it in the error.
func qualityCmd(use, short, what string, run func() error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := run(); err != nil {
				return fmt.Errorf("%s failed: %w", what, err)
			}
			return nil
		},
	}
}

func TestCmd() *cobra.Command {
	return qualityCmd("test",
		"Run the unit tests (adc pipeline, spi bus and ports, mcp2221 adapter, config)",
		"unit tests",
		func() error { return test.Test() })
}

func LintCmd() *cobra.Command {
	return qualityCmd("lint",
		"Lint the sampler module",
		"linting",
		func() error { return test.Lint() })
}

// IntegrationTestCmd runs the tests that need a spidev node or an MCP2221
// bridge plugged in.
func IntegrationTestCmd() *cobra.Command {
	return qualityCmd("integration-test",
		"Run the hardware tests against real spidev ports and USB bridges",
		"integration testing",
		func() error { return test.Integ() })
}
