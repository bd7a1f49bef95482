package main

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/sampler/adc"
	"github.com/mklimuk/sampler/cmd/sampler/console"
)

const shellHelp = `commands:
  on       start sampling
  off      stop sampling
  read     print the latest averages (default)
  stats    print per channel counters
  quit     leave the shell
`

var shellCmd = cli.Command{
	Name:  "shell",
	Usage: "interactive control: write on/off, read the averages",
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

		rl, err := readline.New("adc> ")
		if err != nil {
			return console.Exit(1, "could not open terminal: %s", console.Red(err))
		}
		defer rl.Close()

		h := adc.NewHandle(ctx, r.sampler)
		for {
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return console.Exit(1, "terminal error: %s", console.Red(err))
			}
			if quit := shellLine(ctx, h, r.sampler, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	},
}

// shellLine runs one shell command and reports whether the shell should exit.
func shellLine(ctx context.Context, h *adc.Handle, s *adc.Sampler, line string) bool {
	switch strings.ToLower(line) {
	case "quit", "exit":
		return true
	case "help", "?":
		console.Print(shellHelp)
	case "", "read":
		h.Rewind()
		report, err := readReport(h)
		if err != nil {
			console.Errorf("read failed: %s", err)
			break
		}
		console.Print(report)
	case "stats":
		stats, err := s.Stats(ctx)
		if err != nil {
			console.Errorf("stats failed: %s", err)
			break
		}
		enc := yaml.NewEncoder(os.Stdout)
		_ = enc.Encode(stats)
		_ = enc.Close()
	default:
		if _, err := h.Write([]byte(line)); err != nil {
			console.Errorf("%s", err)
		}
	}
	if err := s.Err(); err != nil {
		console.Warnf("sampling halted: %s", err)
	}
	return false
}

func readReport(h *adc.Handle) (string, error) {
	data, err := io.ReadAll(h)
	return string(data), err
}
