// Conode runs a guardian of the threshold tally. The guardian service is
// reached by the coordinator through the onet roster of the conodes.
//
// First set up the configuration of the server with:
//
// 	./conode setup
//
// Then launch the daemon with:
//
// 	./conode server
//
package main

import (
	"os"
	"path"

	"go.dedis.ch/egtally"
	_ "go.dedis.ch/egtally/guardian/service"
	"go.dedis.ch/onet/v3/app"
	"go.dedis.ch/onet/v3/cfgpath"
	"go.dedis.ch/onet/v3/log"
	"gopkg.in/urfave/cli.v1"
)

const (
	// DefaultName is the name of the binary and of its configuration
	// directory.
	DefaultName = "conode"

	// Version of this binary
	Version = "0.1"
)

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = DefaultName
	cliApp.Usage = "run a guardian conode"
	cliApp.Version = Version
	serverFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: defaultConfig(),
			Usage: "configuration file of the server",
		},
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
	}

	cliApp.Commands = []cli.Command{
		{
			Name:    "setup",
			Aliases: []string{"s"},
			Usage:   "Setup server configuration (interactive)",
			Action: func(c *cli.Context) error {
				app.InteractiveConfig(egtally.Suite, DefaultName)
				return nil
			},
		},
		{
			Name:   "server",
			Usage:  "Start the guardian server",
			Action: runServer,
			Flags:  serverFlags,
		},
	}
	cliApp.Flags = serverFlags
	cliApp.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	cliApp.Action = runServer

	log.ErrFatal(cliApp.Run(os.Args))
}

// defaultConfig returns the file InteractiveConfig writes the server
// configuration to.
func defaultConfig() string {
	return path.Join(cfgpath.GetConfigPath(DefaultName), app.DefaultServerConfig)
}

func runServer(c *cli.Context) error {
	app.RunServer(c.String("config"))
	return nil
}
