package main

import (
	"errors"
	"log"
	"log/slog"
	"os"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sampler/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	app := cli.NewApp()
	app.Name = "sampler"
	app.EnableBashCompletion = true
	app.Version = config.Version
	app.Usage = "continuous ADC sampling over a shared SPI bus"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "configuration file; built-in simulated channels when empty",
		},
		&cli.Int64Flag{
			Name:  "bus-speed",
			Usage: "target bus clock in Hz, overrides the configuration",
		},
		&cli.BoolFlag{
			Name:  "lock-buffers",
			Usage: "keep request buffers in page-locked memory",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		charm := chlog.NewWithOptions(os.Stdout, chlog.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
			Prefix:          "smp",
		})
		charm.SetColorProfile(termenv.TrueColor)
		charm.SetLevel(chlog.InfoLevel)
		if ctx.Bool("verbose") {
			charm.SetLevel(chlog.DebugLevel)
		}
		slog.SetDefault(slog.New(charm))
		return nil
	}
	app.Commands = cli.Commands{
		&runCmd,
		&shellCmd,
		&statusCmd,
		&usbCmd,
	}
	err := app.Run(os.Args)
	if err != nil {
		var exerr cli.ExitCoder
		if errors.As(err, &exerr) {
			log.Printf("unexpected error: %v", err)
			return exerr.ExitCode()
		}
		log.Printf("unexpected error: %v", err)
		return 1
	}
	return 0
}
