// Package main is the sbsd-daemon entrypoint: a urfave/cli v1 app with a
// single long-running "run" command, following the teacher's own
// cmd/gpud layout (a thin main.go delegating to an App() built in this
// package, flags as package-level vars consumed by the command action).
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

// daemonVersion is bumped by hand at release time; this project has no
// separate version package (unlike the teacher's top-level `version`
// package) since there is nothing else in the module that needs it.
const daemonVersion = "0.1.0"

const usage = `
# start the daemon in the foreground, proxying all four conventional networks
sbsd-daemon run

# start the daemon for a single network on a non-default control port
sbsd-daemon run --networks mainnet --control-port 44398
`

var (
	logLevel string
	logFile  string

	workdirRoot string
	networks    cli.StringSlice

	controlPort int

	subsetSize int
)

// App builds the urfave/cli application, mirroring the teacher's
// cmd/gpud/command.App() shape: one *cli.App with package-level flag vars
// populated by urfave/cli before the Action runs.
func App() *cli.App {
	app := cli.NewApp()
	app.Name = "sbsd-daemon"
	app.Version = daemonVersion
	app.Usage = usage
	app.Description = "multi-network JSON-RPC fronting daemon with health-aware link selection"

	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the daemon in the foreground",
			Action: cmdRun,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "log-level",
					Usage:       "log level (debug, info, warn, error)",
					Value:       "info",
					Destination: &logLevel,
				},
				cli.StringFlag{
					Name:        "log-file",
					Usage:       "if set, also write JSON logs to this file (rotated via lumberjack)",
					Destination: &logFile,
				},
				cli.StringFlag{
					Name:        "workdir-root",
					Usage:       "base directory holding per-network configuration subdirectories",
					Value:       defaultWorkdirRoot(),
					Destination: &workdirRoot,
				},
				cli.StringSliceFlag{
					Name:  "networks",
					Usage: "networks to serve (repeatable); defaults to all four conventional networks",
					Value: &networks,
				},
				cli.IntFlag{
					Name:        "control-port",
					Usage:       "loopback port for the JSON-RPC control plane",
					Value:       44399,
					Destination: &controlPort,
				},
				cli.IntFlag{
					Name:        "subset-size",
					Usage:       "load-balancing subset size K",
					Value:       2,
					Destination: &subsetSize,
				},
			},
		},
	}
	return app
}

func defaultWorkdirRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".sbsd/workdirs"
	}
	return fmt.Sprintf("%s/.sbsd/workdirs", home)
}
