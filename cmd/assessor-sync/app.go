package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/strahe/assessor-sync/config"
	"github.com/strahe/assessor-sync/di"
	"github.com/strahe/assessor-sync/engine"
	"github.com/strahe/assessor-sync/pkg/log"
)

// setup loads the configuration named by the global --config flag and wires a
// container around it. The caller owns the container and must shut it down.
func setup(c *cli.Command, options ...engine.Option) (*config.Config, *di.Container, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	log.SetLevel(cfg.LogLevel)
	log.SetOutput(os.Stderr, cfg.LogFormat)
	return cfg, di.NewFromConfig(cfg, options...), nil
}

// withEngine runs fn against a freshly wired engine and releases every service
// afterwards.
func withEngine(c *cli.Command, fn func(cfg *config.Config, e *engine.Engine) error) (err error) {
	cfg, ctr, err := setup(c)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ctr.Shutdown(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	e, err := ctr.Engine()
	if err != nil {
		return err
	}
	return fn(cfg, e)
}
