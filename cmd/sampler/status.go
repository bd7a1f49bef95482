package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/sampler/adc"
	"github.com/mklimuk/sampler/cmd/sampler/console"
	"github.com/mklimuk/sampler/config"
)

type statusReport struct {
	Version  string             `yaml:"version"`
	BusSpeed string             `yaml:"bus_speed"`
	Running  bool               `yaml:"running"`
	Error    string             `yaml:"error,omitempty"`
	Channels []adc.ChannelStats `yaml:"channels"`
}

var statusCmd = cli.Command{
	Name:  "status",
	Usage: "sample every channel once and print the channel table",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Value: 2 * time.Second,
			Usage: "how long to wait for the first completion of each channel",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		ctx := commandContext(c)
		r, err := newRig(ctx, cfg)
		if err != nil {
			return console.Exit(1, "could not set up channels: %s", console.Red(err))
		}
		defer func() {
			if err := r.Close(context.Background()); err != nil {
				console.Warnf("teardown: %s", err)
			}
		}()

		report, err := sampleOnce(ctx, r, c.Duration("timeout"))
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		if err := enc.Encode(report); err != nil {
			return console.Exit(1, "encoding error: %s", console.Red(err))
		}
		return nil
	},
}

func sampleOnce(ctx context.Context, r *rig, timeout time.Duration) (statusReport, error) {
	s := r.sampler
	if err := s.Start(ctx); err != nil {
		return statusReport{}, fmt.Errorf("could not start sampling: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, ch := range r.channels {
		// the second completion is only submitted once the first one was averaged
		for i := 0; i < 2; i++ {
			if err := s.Wait(wctx, ch.ChipSelect); err != nil {
				return statusReport{}, fmt.Errorf("channel %d did not complete: %w", ch.ChipSelect, err)
			}
		}
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		return statusReport{}, err
	}
	report := statusReport{
		Version:  config.Version,
		BusSpeed: speedString(r.cfg.BusSpeed),
		Running:  s.Running(),
		Channels: stats,
	}
	if err := s.Err(); err != nil {
		report.Error = err.Error()
	}
	return report, s.Stop(ctx)
}
