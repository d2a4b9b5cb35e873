package main

import (
	"errors"
	"fmt"

	"github.com/strahe/assessor-sync/models"
)

const (
	exitOK            = 0
	exitValidation    = 2
	exitConnectivity  = 3
	exitManualPending = 4
	exitRolledBack    = 5
	exitInternal      = 10
)

// exitError carries an explicit process exit code through cli.Command.Run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func withExit(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

// exitCode maps an error returned by a command to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return kindExit(models.RootKind(err))
}

func kindExit(kind models.ErrorKind) int {
	switch kind {
	case models.KindConfig, models.KindSchemaDrift:
		return exitValidation
	case models.KindConnectivity:
		return exitConnectivity
	}
	return exitInternal
}

// jobExit derives the outcome of a finished job.
func jobExit(job *models.SyncJob) error {
	switch job.Status {
	case models.JobCompleted:
		if job.Summary.ManualPending > 0 {
			return withExit(exitManualPending, "job %s completed with %d conflicts pending manual review", job.ID, job.Summary.ManualPending)
		}
		return nil
	case models.JobRolledBack:
		if job.Error == "" {
			return withExit(exitRolledBack, "job %s was rolled back", job.ID)
		}
		return withExit(exitRolledBack, "job %s was rolled back: %s", job.ID, job.Error)
	case models.JobFailed:
		return withExit(kindExit(job.ErrorKind), "job %s failed: %s", job.ID, job.Error)
	case models.JobCancelled:
		return withExit(exitInternal, "job %s was cancelled", job.ID)
	}
	return withExit(exitInternal, "job %s ended in unexpected status %s", job.ID, job.Status)
}
