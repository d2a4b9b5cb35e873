package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/strahe/assessor-sync/mapping"
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/schema"
)

var mappingsCmd = &cli.Command{
	Name:  "mappings",
	Usage: "Manage table mappings",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "data-type", Aliases: []string{"d"}, Usage: "restrict to one data type"},
	},
	Commands: []*cli.Command{
		mappingsListCmd,
		mappingsShowCmd,
		mappingsAddCmd,
		mappingsValidateCmd,
		mappingsDeleteCmd,
	},
}

func withLoader(c *cli.Command, fn func(*mapping.Loader) error) (err error) {
	_, ctr, err := setup(c)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ctr.Shutdown(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	loader, err := ctr.Loader()
	if err != nil {
		return err
	}
	return fn(loader)
}

var mappingsListCmd = &cli.Command{
	Name:  "list",
	Usage: "List mappings",
	Action: func(ctx context.Context, c *cli.Command) error {
		return withLoader(c, func(l *mapping.Loader) error {
			ms, err := l.List(c.String("data-type"))
			if err != nil {
				return err
			}
			renderMappings(os.Stdout, ms)
			return nil
		})
	},
}

var mappingsShowCmd = &cli.Command{
	Name:      "show",
	Usage:     "Print a mapping document",
	ArgsUsage: "<name>",
	Action: func(ctx context.Context, c *cli.Command) error {
		name := c.Args().First()
		if name == "" {
			return models.NewConfigError("show: a mapping name is required")
		}
		return withLoader(c, func(l *mapping.Loader) error {
			m, err := l.Find(name, c.String("data-type"))
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(m)
			if err != nil {
				return fmt.Errorf("failed to encode mapping %s: %w", name, err)
			}
			_, err = os.Stdout.Write(out)
			return err
		})
	},
}

var mappingsAddCmd = &cli.Command{
	Name:      "add",
	Usage:     "Validate a mapping document and store it, replacing an existing one with --replace",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "replace", Usage: "update the mapping if it already exists"},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		path := c.Args().First()
		if path == "" {
			return models.NewConfigError("add: a mapping file is required")
		}
		m, err := mapping.ReadFile(path)
		if err != nil {
			return err
		}
		return withLoader(c, func(l *mapping.Loader) error {
			if c.Bool("replace") {
				if _, err := l.Get(m.Key()); err == nil {
					return l.Update(m)
				}
			}
			if err := l.Create(m); err != nil {
				return err
			}
			fmt.Printf("mapping %s stored in %s\n", m.Key(), l.Dir())
			return nil
		})
	},
}

var mappingsValidateCmd = &cli.Command{
	Name:  "validate",
	Usage: "Validate the mapping documents and compare them with the live schemas",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "offline", Usage: "only check the documents, do not connect to the endpoints"},
	},
	Action: func(ctx context.Context, c *cli.Command) (err error) {
		cfg, ctr, err := setup(c)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := ctr.Shutdown(); cerr != nil && err == nil {
				err = cerr
			}
		}()

		loader, err := ctr.Loader()
		if err != nil {
			return err
		}
		ms, err := loader.List(c.String("data-type"))
		if err != nil {
			return err
		}
		if c.Bool("offline") {
			fmt.Printf("%d mappings are valid\n", len(ms))
			return nil
		}

		reg, err := ctr.Connectors()
		if err != nil {
			return err
		}
		src, err := reg.Get(ctx, cfg.Source)
		if err != nil {
			return err
		}
		dst, err := reg.Get(ctx, cfg.Target)
		if err != nil {
			return err
		}

		v := schema.NewValidator()
		t := newTable(os.Stdout, "SCHEMA CHECK")
		t.AppendHeader(table.Row{"Mapping", "Source", "Target", "Drift"})
		drifted := 0
		for _, m := range ms {
			// AllowDrift reports without failing; nothing is migrated
			res, err := v.Check(ctx, m, src, dst, schema.Options{AllowDrift: true})
			if err != nil {
				return err
			}
			status := color.GreenString("ok")
			if !res.Report.Empty() {
				drifted++
				status = res.Report.String()
				if res.Report.Blocking() {
					status = color.RedString(status)
				} else {
					status = color.YellowString(status)
				}
			}
			t.AppendRow(table.Row{m.Key().String(), m.SourceTable, m.Target(), status})
		}
		t.Render()
		if drifted > 0 {
			return models.NewSchemaDriftError("", fmt.Errorf("%d of %d mappings drift from the live schemas", drifted, len(ms)))
		}
		return nil
	},
}

var mappingsDeleteCmd = &cli.Command{
	Name:      "delete",
	Usage:     "Delete a mapping document",
	ArgsUsage: "<name>",
	Action: func(ctx context.Context, c *cli.Command) error {
		name := c.Args().First()
		if name == "" {
			return models.NewConfigError("delete: a mapping name is required")
		}
		return withLoader(c, func(l *mapping.Loader) error {
			m, err := l.Find(name, c.String("data-type"))
			if err != nil {
				return err
			}
			if err := l.Delete(m.Key()); err != nil {
				return err
			}
			fmt.Printf("mapping %s deleted\n", m.Key())
			return nil
		})
	},
}
