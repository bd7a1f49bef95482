package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/karalabe/hid"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/sampler/adapter"
	"github.com/mklimuk/sampler/cmd/sampler/console"
)

var usbCmd = cli.Command{
	Name:  "usb",
	Usage: "USB bridge discovery and diagnostics",
	Subcommands: cli.Commands{
		&usbLsCmd,
		&usbDetectCmd,
		&usbADCCmd,
	},
}

var usbLsCmd = cli.Command{
	Name:  "ls",
	Usage: "list HID devices",
	Action: func(c *cli.Context) error {
		devices := hid.Enumerate(0, 0)

		w := tabwriter.NewWriter(os.Stdout, 24, 0, 1, ' ', 0)
		_, _ = fmt.Fprintf(w, "PATH\tSERIAL\tVENDOR\tPRODUCT ID\tMANUFACTURER\tPRODUCT\n")
		for _, dev := range devices {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%#x\t%#x\t%s\t%s\n",
				dev.Path, dev.Serial, dev.VendorID, dev.ProductID, dev.Manufacturer, dev.Product)
		}
		_ = w.Flush()
		return nil
	},
}

var usbDetectCmd = cli.Command{
	Name:  "detect",
	Usage: "list the supported bridges",
	Action: func(c *cli.Context) error {
		devices := hid.Enumerate(adapter.VendorID, adapter.ProductID)

		w := tabwriter.NewWriter(os.Stdout, 24, 0, 1, ' ', 0)
		_, _ = fmt.Fprintf(w, "ID\tVENDOR\tPRODUCT\tDEVICE\tSERIAL\n")
		for i, dev := range devices {
			_, _ = fmt.Fprintf(w, "%d\t%#x\t%#x\tMCP2221\t%s\n", i, dev.VendorID, dev.ProductID, dev.Serial)
		}
		_ = w.Flush()
		return nil
	},
}

var usbADCCmd = cli.Command{
	Name:  "adc",
	Usage: "enable an MCP2221 converter input and print the bridge status",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "id", Value: -1, Usage: "bridge index from 'usb detect'"},
		&cli.IntFlag{Name: "input", Value: 1, Usage: "converter input 1..3"},
	},
	Action: func(c *cli.Context) error {
		ctx := commandContext(c)
		a := adapter.NewMCP2221(adapter.WithID(c.Int("id")))
		if err := a.ConfigureADC(ctx, c.Int("input")); err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		status, err := a.Status(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		if err := enc.Encode(status); err != nil {
			return console.Exit(1, "encoding error: %s", console.Red(err))
		}
		return nil
	},
}
