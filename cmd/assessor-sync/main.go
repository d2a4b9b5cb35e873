package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/strahe/assessor-sync/pkg/log"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "assessor-sync",
		Usage: "Synchronize assessor records between the legacy CAMA database and its replacement",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML or JSON config file",
				Sources: cli.EnvVars("ASSESSOR_SYNC_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			runCmd,
			jobsCmd,
			conflictsCmd,
			mappingsCmd,
			retentionCmd,
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Errorf("%v", err)
		os.Exit(exitCode(err))
	}
}
