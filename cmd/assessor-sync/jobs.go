package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/strahe/assessor-sync/config"
	"github.com/strahe/assessor-sync/engine"
	"github.com/strahe/assessor-sync/models"
)

var jobsCmd = &cli.Command{
	Name:  "jobs",
	Usage: "Inspect and control synchronization jobs",
	Commands: []*cli.Command{
		jobsListCmd,
		jobsShowCmd,
		jobsCancelCmd,
		jobsPauseCmd,
		jobsResumeCmd,
		jobsRollbackCmd,
		jobsEventsCmd,
		jobsRecoverCmd,
	},
}

func jobArg(c *cli.Command) (string, error) {
	id := c.Args().First()
	if id == "" {
		return "", models.NewConfigError("%s: a job id is required", c.Name)
	}
	return id, nil
}

var jobsListCmd = &cli.Command{
	Name:  "list",
	Usage: "List jobs, newest first",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "status", Aliases: []string{"s"}, Usage: "only jobs in this status, repeatable"},
		&cli.StringFlag{Name: "source", Usage: "only jobs reading this endpoint ref"},
		&cli.StringFlag{Name: "target", Usage: "only jobs writing this endpoint ref"},
		&cli.DurationFlag{Name: "since", Usage: "only jobs started within this duration"},
		&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 50, Usage: "maximum number of jobs"},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		return withEngine(c, func(_ *config.Config, e *engine.Engine) error {
			filter := models.JobFilter{
				SourceRef: c.String("source"),
				TargetRef: c.String("target"),
				Limit:     int(c.Int("limit")),
			}
			for _, s := range c.StringSlice("status") {
				filter.Statuses = append(filter.Statuses, models.JobStatus(s))
			}
			if d := c.Duration("since"); d > 0 {
				filter.Since = time.Now().Add(-d)
			}
			jobs, err := e.ListJobs(ctx, filter)
			if err != nil {
				return err
			}
			renderJobs(os.Stdout, jobs)
			return nil
		})
	},
}

var jobsShowCmd = &cli.Command{
	Name:      "show",
	Usage:     "Show a job with its per-table progress",
	ArgsUsage: "<job-id>",
	Action: func(ctx context.Context, c *cli.Command) error {
		id, err := jobArg(c)
		if err != nil {
			return err
		}
		return withEngine(c, func(_ *config.Config, e *engine.Engine) error {
			job, err := e.GetJob(ctx, id)
			if err != nil {
				return err
			}
			slices, err := e.ListSlices(ctx, id)
			if err != nil {
				return err
			}
			renderJob(os.Stdout, job, slices)
			return nil
		})
	},
}

var jobsCancelCmd = &cli.Command{
	Name:      "cancel",
	Usage:     "Cancel a running or paused job",
	ArgsUsage: "<job-id>",
	Action: func(ctx context.Context, c *cli.Command) error {
		id, err := jobArg(c)
		if err != nil {
			return err
		}
		return withEngine(c, func(_ *config.Config, e *engine.Engine) error {
			job, err := e.GetJob(ctx, id)
			if err != nil {
				return err
			}
			if !job.Status.Terminal() {
				err := signalRunner(job, syscall.SIGTERM)
				if err == nil {
					fmt.Printf("cancel requested for job %s\n", id)
					return nil
				}
				if !errors.Is(err, errNoRunner) {
					return err
				}
			}
			// terminal jobs are rejected; orphans are closed in the ledger
			if err := e.CancelJob(ctx, id); err != nil {
				return err
			}
			fmt.Printf("job %s cancelled\n", id)
			return nil
		})
	},
}

func controlCmd(name, usage string, sig syscall.Signal, local func(*engine.Engine, context.Context, string) error) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<job-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := jobArg(c)
			if err != nil {
				return err
			}
			return withEngine(c, func(_ *config.Config, e *engine.Engine) error {
				job, err := e.GetJob(ctx, id)
				if err != nil {
					return err
				}
				if !job.Status.Active() {
					return fmt.Errorf("job %s is %s: %w", id, job.Status, models.ErrJobNotActive)
				}
				err = signalRunner(job, sig)
				if errors.Is(err, errNoRunner) {
					return local(e, ctx, id)
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s requested for job %s\n", name, id)
				return nil
			})
		},
	}
}

var jobsPauseCmd = controlCmd("pause", "Pause a running job between batches", syscall.SIGUSR1, (*engine.Engine).PauseJob)

var jobsResumeCmd = controlCmd("resume", "Resume a paused job", syscall.SIGUSR2, (*engine.Engine).ResumeJob)

var jobsRollbackCmd = &cli.Command{
	Name:      "rollback",
	Usage:     "Revert the target writes of a finished job",
	ArgsUsage: "<job-id>",
	Action: func(ctx context.Context, c *cli.Command) error {
		id, err := jobArg(c)
		if err != nil {
			return err
		}
		return withEngine(c, func(_ *config.Config, e *engine.Engine) error {
			job, err := e.RollbackJob(ctx, id)
			if job != nil {
				renderJob(os.Stdout, job, nil)
			}
			return err
		})
	},
}

var jobsEventsCmd = &cli.Command{
	Name:      "events",
	Usage:     "Print the audit events of a job",
	ArgsUsage: "<job-id>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "from", Usage: "print events after this cursor"},
		&cli.BoolFlag{Name: "follow", Aliases: []string{"f"}, Usage: "keep printing until the job ends"},
		&cli.DurationFlag{Name: "poll", Value: time.Second, Usage: "poll interval while following"},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		id, err := jobArg(c)
		if err != nil {
			return err
		}
		return withEngine(c, func(_ *config.Config, e *engine.Engine) error {
			cursor := int64(c.Int("from"))
			for {
				for ev, err := range e.StreamEvents(ctx, id, cursor) {
					if err != nil {
						return err
					}
					fmt.Println(formatEvent(ev))
					cursor = ev.Seq
				}
				if !c.Bool("follow") {
					return nil
				}
				// the job may be driven by another process
				job, err := e.GetJob(ctx, id)
				if err != nil {
					return err
				}
				if job.Status.Terminal() {
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(c.Duration("poll")):
				}
			}
		})
	},
}

var jobsRecoverCmd = &cli.Command{
	Name:  "recover",
	Usage: "Mark jobs left unfinished by a crashed process as failed",
	Action: func(ctx context.Context, c *cli.Command) error {
		return withEngine(c, func(_ *config.Config, e *engine.Engine) error {
			n, err := e.Recover(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d jobs recovered\n", n)
			return nil
		})
	},
}
