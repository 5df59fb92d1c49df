// Egadmin coordinates the guardians of an election: it runs the key
// ceremony, builds test tallies, decrypts them and verifies the published
// results.
package main

import (
	"os"

	"go.dedis.ch/onet/v3/log"
	"gopkg.in/urfave/cli.v1"
)

var configFlag = cli.StringFlag{
	Name:   "config, c",
	Value:  "egtally.toml",
	EnvVar: "EGTALLY_CONFIG",
	Usage:  "configuration of the coordinator",
}

var metricsFlag = cli.StringFlag{
	Name:  "metrics",
	Usage: "serve the prometheus metrics on this address while running",
}

var cmds = cli.Commands{
	{
		Name:   "ceremony",
		Usage:  "run a key ceremony with the guardians of the roster",
		Flags:  []cli.Flag{configFlag, metricsFlag},
		Action: ceremony,
	},
	{
		Name:  "encrypt",
		Usage: "build an encrypted tally from plaintext counts",
		Flags: []cli.Flag{
			configFlag,
			cli.StringFlag{
				Name:  "election, e",
				Usage: "hex identifier of the election",
			},
			cli.StringFlag{
				Name:  "id",
				Usage: "identifier of the tally",
				Value: "tally",
			},
			cli.StringFlag{
				Name:  "counts",
				Usage: "comma separated component=count pairs",
			},
		},
		Action: encrypt,
	},
	{
		Name:  "decrypt",
		Usage: "decrypt a tally with the present guardians",
		Flags: []cli.Flag{
			configFlag,
			metricsFlag,
			cli.StringFlag{
				Name:  "tally, t",
				Usage: "identifier of the tally",
			},
			cli.StringFlag{
				Name:  "present, p",
				Usage: "comma separated indices of the present guardians, all by default",
			},
		},
		Action: decryptTally,
	},
	{
		Name:      "verify",
		Usage:     "re-verify a published decryption",
		ArgsUsage: "result id",
		Flags: []cli.Flag{
			configFlag,
			cli.StringFlag{
				Name:  "result, r",
				Usage: "hex identifier of the result",
			},
		},
		Action: verify,
	},
}

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = "egadmin"
	cliApp.Usage = "Coordinate the guardians of a threshold election."
	cliApp.Version = "0.1"
	cliApp.Commands = cmds
	cliApp.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
	}
	cliApp.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	log.ErrFatal(cliApp.Run(os.Args))
}
