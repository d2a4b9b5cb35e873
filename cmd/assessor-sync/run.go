package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/strahe/assessor-sync/engine"
	"github.com/strahe/assessor-sync/metrics"
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/pkg/log"
)

const (
	paramPID  = "pid"
	paramHost = "host"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Run a synchronization job and wait for it to finish",
	Description: "SIGINT or SIGTERM cancels the job, SIGUSR1 pauses it and SIGUSR2 resumes it.\n" +
		"The exit code reports the outcome: 0 success, 2 validation failure, 3 connectivity\n" +
		"failure, 4 conflicts pending manual review, 5 rollback performed, 10 internal error.",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: string(models.ModeIncremental), Usage: "full, incremental or selective"},
		&cli.StringFlag{Name: "policy", Aliases: []string{"p"}, Usage: "default conflict policy: source_wins, target_wins, newer_wins, merged or manual"},
		&cli.StringSliceFlag{Name: "table", Aliases: []string{"t"}, Usage: "mapping name to run, repeatable; empty runs every mapping of --data-type"},
		&cli.StringFlag{Name: "data-type", Usage: "restrict the job to the mappings of one data type"},
		&cli.StringFlag{Name: "source", Usage: "source endpoint ref (default from config)"},
		&cli.StringFlag{Name: "target", Usage: "target endpoint ref (default from config)"},
		&cli.StringFlag{Name: "filter", Usage: "row predicate for selective jobs"},
		&cli.StringSliceFlag{Name: "table-policy", Usage: "per-table policy override as table=policy, repeatable"},
		&cli.StringSliceFlag{Name: "param", Usage: "free-form job parameter as key=value, repeatable"},
		&cli.StringFlag{Name: "owner", Value: os.Getenv("USER"), Usage: "operator recorded on the job"},
		&cli.StringFlag{Name: "seed", Usage: "sanitization seed (default: the job id)"},
		&cli.StringFlag{Name: "newer-column", Usage: "column compared by newer_wins"},
		&cli.FloatFlag{Name: "numeric-tolerance", Usage: "absolute tolerance when comparing numeric fields"},
		&cli.IntFlag{Name: "batch-size", Usage: "fixed batch size, disables adaptive sizing"},
		&cli.IntFlag{Name: "max-row-errors", Usage: "row failures tolerated per table (default from config)"},
		&cli.BoolFlag{Name: "auto-migrate", Usage: "add missing target columns before writing"},
		&cli.BoolFlag{Name: "allow-drift", Usage: "sync the shared columns when schemas drift"},
		&cli.BoolFlag{Name: "fail-fast", Usage: "abort the job on the first failed table"},
		&cli.BoolFlag{Name: "rollback", Usage: "record undo data and roll back on failure"},
		&cli.BoolFlag{Name: "rollback-on-cancel", Usage: "roll back when the job is cancelled"},
		&cli.BoolFlag{Name: "restart", Usage: "ignore checkpoints of previous jobs and re-read every row; use it to re-check that a repeated run writes nothing"},
		&cli.BoolFlag{Name: "skip-deletes", Usage: "do not delete target rows missing from the source in full mode"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address while the job runs"},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "print every audit event"},
	},
	Action: func(ctx context.Context, c *cli.Command) (err error) {
		prog := newProgress(os.Stderr, c.Bool("verbose"))
		cfg, ctr, err := setup(c, engine.WithEventHook(prog.onEvent))
		if err != nil {
			return err
		}
		defer func() {
			if cerr := ctr.Shutdown(); cerr != nil && err == nil {
				err = cerr
			}
		}()

		req, err := buildRequest(c, cfg.Source, cfg.Target)
		if err != nil {
			return err
		}
		req.Options.FailFast = req.Options.FailFast || cfg.Engine.FailFast
		req.Options.EnableRollback = req.Options.EnableRollback || cfg.Engine.EnableRollback

		e, err := ctr.Engine()
		if err != nil {
			return err
		}

		addr := c.String("metrics-addr")
		if addr == "" {
			addr = cfg.Metrics.Listen
		}
		if addr != "" {
			m, err := ctr.Metrics()
			if err != nil {
				return err
			}
			stop, err := serveMetrics(addr, m)
			if err != nil {
				return err
			}
			defer stop()
		}

		id, err := e.StartJob(ctx, req)
		if err != nil {
			return err
		}
		log.Infof("job %s started", id)

		stopSignals := handleSignals(ctx, e, id)
		defer stopSignals()

		job, err := e.Wait(ctx, id)
		if err != nil {
			return err
		}
		slices, err := e.ListSlices(ctx, id)
		if err != nil {
			return err
		}
		renderJob(os.Stdout, job, slices)
		return jobExit(job)
	},
}

func buildRequest(c *cli.Command, source, target string) (engine.StartRequest, error) {
	mode, err := models.ParseJobMode(c.String("mode"))
	if err != nil {
		return engine.StartRequest{}, err
	}
	if v := c.String("source"); v != "" {
		source = v
	}
	if v := c.String("target"); v != "" {
		target = v
	}

	req := engine.StartRequest{
		Mode:           mode,
		SourceRef:      source,
		TargetRef:      target,
		ConflictPolicy: models.ConflictPolicy(c.String("policy")),
		Tables:         c.StringSlice("table"),
		Owner:          c.String("owner"),
		Options: models.JobOptions{
			AutoMigration:    c.Bool("auto-migrate"),
			AllowDrift:       c.Bool("allow-drift"),
			FailFast:         c.Bool("fail-fast"),
			EnableRollback:   c.Bool("rollback"),
			RollbackOnCancel: c.Bool("rollback-on-cancel"),
			Restart:          c.Bool("restart"),
			SkipDeletes:      c.Bool("skip-deletes"),
			MaxRowErrors:     int(c.Int("max-row-errors")),
			NewerColumn:      c.String("newer-column"),
			NumericTolerance: c.Float("numeric-tolerance"),
			SanitizeSeed:     c.String("seed"),
			DataType:         c.String("data-type"),
			Filter:           c.String("filter"),
			BatchSize:        int(c.Int("batch-size")),
		},
	}

	for _, kv := range c.StringSlice("table-policy") {
		table, policy, ok := strings.Cut(kv, "=")
		if !ok || table == "" {
			return req, models.NewConfigError("--table-policy %q: expected table=policy", kv)
		}
		p, err := models.ParseConflictPolicy(policy)
		if err != nil {
			return req, err
		}
		if req.Options.TablePolicies == nil {
			req.Options.TablePolicies = make(map[string]models.ConflictPolicy)
		}
		req.Options.TablePolicies[table] = p
	}

	req.Parameters, err = parseParams(c.StringSlice("param"))
	if err != nil {
		return req, err
	}
	// lets jobs commands on this host signal the running process
	req.Parameters[paramPID] = strconv.Itoa(os.Getpid())
	if host, err := os.Hostname(); err == nil {
		req.Parameters[paramHost] = host
	}
	return req, nil
}

func parseParams(kvs []string) (map[string]string, error) {
	params := make(map[string]string, len(kvs)+2)
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, models.NewConfigError("--param %q: expected key=value", kv)
		}
		if k == paramPID || k == paramHost {
			return nil, models.NewConfigError("--param %q: %s is reserved", kv, k)
		}
		params[k] = v
	}
	return params, nil
}

// handleSignals maps process signals to job control. A second SIGINT or SIGTERM
// falls through to the default handler and kills the process.
func handleSignals(ctx context.Context, e *engine.Engine, id string) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				log.Infof("Received signal: %s", sig.String())
				var err error
				switch sig {
				case syscall.SIGUSR1:
					err = e.PauseJob(ctx, id)
				case syscall.SIGUSR2:
					err = e.ResumeJob(ctx, id)
				default:
					signal.Reset(syscall.SIGINT, syscall.SIGTERM)
					err = e.CancelJob(ctx, id)
				}
				if err != nil {
					log.Warnf("job %s: %v", id, err)
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func serveMetrics(addr string, m *metrics.Metrics) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, models.NewConfigError("failed to listen on %s: %v", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %v", err)
		}
	}()
	log.Infof("serving metrics on http://%s/metrics", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warnf("failed to stop metrics server: %v", err)
		}
	}, nil
}

var errNoRunner = errors.New("no live process owns this job")

// signalRunner delivers sig to the run process that owns job, when it lives on
// this host.
func signalRunner(job *models.SyncJob, sig syscall.Signal) error {
	pid, err := strconv.Atoi(job.Parameters[paramPID])
	if err != nil || pid <= 0 {
		return errNoRunner
	}
	if host, _ := os.Hostname(); host != job.Parameters[paramHost] {
		return fmt.Errorf("job %s runs on %s: %w", job.ID, job.Parameters[paramHost], errNoRunner)
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, errNoRunner)
	}
	return nil
}
