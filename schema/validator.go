package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/pkg/log"
)

type Options struct {
	AutoMigration bool
	AllowDrift    bool
}

type Validator struct {
	logger zerolog.Logger
}

func NewValidator() *Validator {
	return &Validator{logger: log.Named("schema")}
}

// Result is the outcome of Check. Applied lists executed migration statements.
type Result struct {
	Report  *Report
	Applied []string
}

// Check compares m against both endpoints. Additive drift is migrated when
// opts.AutoMigration is set; any drift left over fails with SchemaDriftError unless
// opts.AllowDrift is set.
func (v *Validator) Check(ctx context.Context, m *models.TableMapping, src, dst connector.Connector, opts Options) (*Result, error) {
	srcSchema, err := describe(ctx, src, m.SourceTable)
	if err != nil {
		return nil, err
	}
	dstSchema, err := describe(ctx, dst, m.Target())
	if err != nil {
		return nil, err
	}

	res := &Result{Report: Compare(m, srcSchema, dstSchema)}
	r := res.Report
	if r.Empty() {
		return res, nil
	}
	v.logger.Info().Str("mapping", m.Name).Str("drift", r.String()).Msg("schema drift detected")

	if r.Additive() && !r.Blocking() && opts.AutoMigration {
		for _, stmt := range MigrationDDL(r, m, dst.Dialect()) {
			if err := dst.Exec(ctx, stmt); err != nil {
				return res, fmt.Errorf("failed to migrate %s: %w", m.Target(), err)
			}
			res.Applied = append(res.Applied, stmt)
			v.logger.Info().Str("mapping", m.Name).Str("ddl", stmt).Msg("applied additive migration")
		}
		return res, nil
	}

	if opts.AllowDrift {
		v.logger.Warn().Str("mapping", m.Name).Msg("continuing with schema drift")
		return res, nil
	}
	return res, models.NewSchemaDriftError(m.Name, errors.New(r.String()))
}

func describe(ctx context.Context, c connector.Connector, table string) (*connector.TableSchema, error) {
	ts, err := c.DescribeTable(ctx, table)
	if errors.Is(err, models.ErrTableNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s on %s: %w", table, c.Name(), err)
	}
	return ts, nil
}
