// Command subctl is a terminal client for the billingsync API. It keeps a
// local subscription cache, checks the server on the same schedule an app
// would and runs the plan actions.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "subctl",
		Usage:   "Inspect and change your billingsync subscription",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api-url",
				Value:   "http://localhost:8080",
				EnvVars: []string{"BILLINGSYNC_API_URL"},
				Usage:   "billingsync API origin",
			},
			&cli.StringFlag{
				Name:    "token",
				EnvVars: []string{"BILLINGSYNC_TOKEN"},
				Usage:   "bearer token issued by your identity provider",
			},
			&cli.StringFlag{
				Name:    "cache",
				Value:   "file",
				EnvVars: []string{"BILLINGSYNC_CACHE"},
				Usage:   "subscription cache backend: file, redis or none",
			},
			&cli.StringFlag{
				Name:    "cache-path",
				EnvVars: []string{"BILLINGSYNC_CACHE_PATH"},
				Usage:   "cache file (default: user config dir)",
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Value:   "redis://localhost:6379/0",
				EnvVars: []string{"BILLINGSYNC_REDIS_URL"},
				Usage:   "Redis server for --cache=redis",
			},
			&cli.StringFlag{
				Name:    "route",
				EnvVars: []string{"BILLINGSYNC_ROUTE"},
				Usage:   "screen the check is made from; billing screens check more often",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				EnvVars: []string{"BILLINGSYNC_LOG_LEVEL"},
				Usage:   "debug, info, warn or error",
			},
			&cli.BoolFlag{Name: "json", Usage: "Output as JSON"},
		},
		Commands: []*cli.Command{
			statusCommand(),
			refreshCommand(),
			watchCommand(),
			plansCommand(),
			selectPlanCommand(),
			downgradeCommand(),
			cancelCommand(),
			renewCommand(),
			cancelPendingCommand(),
			portalCommand(),
			invoicesCommand(),
			permissionsCommand(),
			configStatusCommand(),
			logoutCommand(),
		},
	}
}
