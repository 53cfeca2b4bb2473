// Command fabricsim-switch runs one software switch of the co-simulation
// fabric.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/cosimnet/fabricsim/fabric"
	"github.com/cosimnet/fabricsim/flit"
	"github.com/cosimnet/fabricsim/mk/version"
)

var app = &cli.App{
	Version:   version.Get().String(),
	Usage:     "Run a co-simulation fabric switch.",
	ArgsUsage: "LINKLATENCY SWITCHLATENCY BANDWIDTH",
	Description: "LINKLATENCY and SWITCHLATENCY are in cycles; " +
		"BANDWIDTH is in Gbps, throttled as a fraction of the platform maximum.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "topology",
			Value: "topology.yaml",
			Usage: "load port and MAC layout from `FILE`",
		},
		&cli.Int64Flag{
			Name:  "output-bufsize",
			Usage: "drop packets whose egress lags their timestamp by more than `FLITS` slots (0 = never drop)",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 3 {
			return cli.Exit("usage: fabricsim-switch LINKLATENCY SWITCHLATENCY BANDWIDTH", 1)
		}
		args := make([]int, 3)
		for i := range args {
			v, e := strconv.Atoi(c.Args().Get(i))
			if e != nil || v <= 0 {
				return cli.Exit(fmt.Sprintf("argument %q must be a positive integer", c.Args().Get(i)), 1)
			}
			args[i] = v
		}

		cfg := fabric.Config{
			LinkLatency:   args[0],
			SwitchLatency: args[1],
			BandwidthGbps: args[2],
			OutputBufSize: c.Int64("output-bufsize"),
		}

		topo, e := fabric.LoadTopology(c.String("topology"))
		if e != nil {
			return cli.Exit(e.Error(), 1)
		}
		table, e := topo.BuildTable()
		if e != nil {
			return cli.Exit(e.Error(), 1)
		}
		ports, e := topo.BuildPorts(flit.SwitchLink, cfg.LinkLatency)
		if e != nil {
			return cli.Exit(e.Error(), 1)
		}

		en, e := fabric.New(cfg, flit.SwitchLink, ports, table)
		if e != nil {
			return cli.Exit(e.Error(), 1)
		}

		// runs until the process is terminated; an error here means the
		// simulated time domain is already corrupt
		return cli.Exit(en.Run().Error(), 1)
	},
}

func main() {
	if e := app.Run(os.Args); e != nil {
		log.Fatal(e)
	}
}
