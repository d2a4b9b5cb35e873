package connector

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/strahe/assessor-sync/models"
	"github.com/yugabyte/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Classify wraps a driver error into the engine taxonomy: connectivity problems become
// ConnectivityError (retried), bad values and constraint violations become DataError.
// Cancellation and already typed errors are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *models.Error
	if errors.As(err, &typed) || errors.Is(err, context.Canceled) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		pgconn.Timeout(err):
		return models.NewConnectivityError(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) < 2 {
			return err
		}
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			return models.NewConnectivityError(op, err)
		case "22", "23":
			return models.NewDataError(op, err)
		}
		return err
	}

	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR,
			sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_PROTOCOL:
			return models.NewConnectivityError(op, err)
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG,
			sqlite3.SQLITE_RANGE:
			return models.NewDataError(op, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return models.NewConnectivityError(op, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return models.NewConnectivityError(op, err)
	}
	return err
}
