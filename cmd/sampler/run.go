package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sampler/adc"
	"github.com/mklimuk/sampler/cmd/sampler/console"
)

var runCmd = cli.Command{
	Name:  "run",
	Usage: "sample continuously and print the averages",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "interval",
			Value: time.Second,
			Usage: "report interval",
		},
		&cli.DurationFlag{
			Name:  "duration",
			Usage: "stop after this long; runs until interrupted when zero",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		ctx, stop := signal.NotifyContext(commandContext(c), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if d := c.Duration("duration"); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}

		r, err := newRig(ctx, cfg)
		if err != nil {
			return console.Exit(1, "could not set up channels: %s", console.Red(err))
		}
		// teardown must not inherit the interrupted context
		defer func() {
			if err := r.Close(context.Background()); err != nil {
				console.Warnf("teardown: %s", err)
			}
		}()

		h := adc.NewHandle(ctx, r.sampler)
		if _, err := h.Write([]byte("on")); err != nil {
			return console.Exit(1, "could not start sampling: %s", console.Red(err))
		}
		console.PInfof(console.PictoPin, "sampling %d channel(s) at %s", len(r.channels), speedString(cfg.BusSpeed))

		ticker := time.NewTicker(c.Duration("interval"))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_, _ = h.Write([]byte("off"))
				console.PInfof(console.PictoStop, "sampling stopped")
				return nil
			case <-ticker.C:
				h.Rewind()
				report, err := readReport(h)
				if err != nil {
					return console.Exit(1, "could not read averages: %s", console.Red(err))
				}
				console.Print(report)
				if err := r.sampler.Err(); err != nil {
					return console.Exit(2, "sampling halted: %s", console.Red(err))
				}
			}
		}
	},
}
