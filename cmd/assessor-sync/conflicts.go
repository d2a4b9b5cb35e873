package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/strahe/assessor-sync/config"
	"github.com/strahe/assessor-sync/engine"
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/sink"
)

var conflictsCmd = &cli.Command{
	Name:  "conflicts",
	Usage: "Review and resolve conflicts",
	Commands: []*cli.Command{
		conflictsListCmd,
		conflictsShowCmd,
		conflictsResolveCmd,
	},
}

var conflictsListCmd = &cli.Command{
	Name:  "list",
	Usage: "List conflicts",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "job", Aliases: []string{"j"}, Usage: "only conflicts of this job"},
		&cli.StringFlag{Name: "table", Usage: "only conflicts on this mapping"},
		&cli.BoolFlag{Name: "pending", Usage: "only conflicts awaiting a manual decision"},
		&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 100, Usage: "maximum number of conflicts"},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		return withEngine(c, func(_ *config.Config, e *engine.Engine) error {
			filter := models.ConflictFilter{
				JobID: c.String("job"),
				Table: c.String("table"),
				Limit: int(c.Int("limit")),
			}
			if c.Bool("pending") {
				filter.Resolution = models.ResolutionManualPending
			}
			conflicts, err := e.ListConflicts(ctx, filter)
			if err != nil {
				return err
			}
			renderConflicts(os.Stdout, conflicts)
			return nil
		})
	},
}

var conflictsShowCmd = &cli.Command{
	Name:      "show",
	Usage:     "Show a conflict with both snapshots side by side",
	ArgsUsage: "<conflict-id>",
	Action: func(ctx context.Context, c *cli.Command) error {
		id := c.Args().First()
		if id == "" {
			return models.NewConfigError("show: a conflict id is required")
		}
		return withEngine(c, func(_ *config.Config, e *engine.Engine) error {
			rec, err := e.GetConflict(ctx, id)
			if err != nil {
				return err
			}
			sink.NewConsoleSink(sink.WithOutput(os.Stdout)).RenderConflict(rec)
			return nil
		})
	},
}

var conflictsResolveCmd = &cli.Command{
	Name:      "resolve",
	Usage:     "Settle a conflict held for manual review",
	ArgsUsage: "<conflict-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "decision", Aliases: []string{"d"}, Required: true, Usage: "source_wins or target_wins"},
		&cli.StringFlag{Name: "resolver", Value: os.Getenv("USER"), Usage: "operator recorded on the conflict"},
		&cli.StringFlag{Name: "note", Usage: "free-form note kept with the conflict"},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		id := c.Args().First()
		if id == "" {
			return models.NewConfigError("resolve: a conflict id is required")
		}
		return withEngine(c, func(_ *config.Config, e *engine.Engine) error {
			rec, err := e.ResolveConflict(ctx, id, models.Resolution(c.String("decision")), c.String("resolver"), c.String("note"))
			if err != nil {
				return err
			}
			sink.NewConsoleSink(sink.WithOutput(os.Stdout)).RenderConflict(rec)
			return nil
		})
	},
}
