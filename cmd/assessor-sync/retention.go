package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/strahe/assessor-sync/config"
	"github.com/strahe/assessor-sync/engine"
	"github.com/strahe/assessor-sync/models"
)

var retentionCmd = &cli.Command{
	Name:  "retention",
	Usage: "Purge finished jobs with their events, conflicts and undo data",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "older-than", Usage: "age of the jobs to purge (default: retention.max_age)"},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		return withEngine(c, func(cfg *config.Config, e *engine.Engine) error {
			age := c.Duration("older-than")
			if age <= 0 {
				age = cfg.Retention.MaxAge
			}
			if age <= 0 {
				return models.NewConfigError("retention: no max age configured")
			}
			n, err := e.PurgeJobs(ctx, time.Now().Add(-age))
			if err != nil {
				return err
			}
			fmt.Printf("%d jobs purged\n", n)
			return nil
		})
	},
}
