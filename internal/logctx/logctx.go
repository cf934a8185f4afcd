// Package logctx carries loggers through context.Context.
//
// A run starts with WithRunID, a batch adds WithBatch, and each work unit
// adds WithUnit; stages below pull the enriched logger with FromContext:
//
//	ctx = logctx.WithRunID(ctx, logging.WithPhase("sync"))
//	ctx = logctx.WithBatch(ctx, "green", 2019)
//	ctx = logctx.WithUnit(ctx, "green/2019-03")
//	log := logctx.FromContext(ctx)
//	log.Info().Msg("fetching")
package logctx

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eunmann/tlc-sync/pkg/logging"
)

type loggerKey struct{}

type runIDKey struct{}

// WithLogger returns a new context with the given logger attached.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext extracts the logger from the context, falling back to the
// process logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return logger
		}
	}
	return *logging.L()
}

// WithRunID assigns a fresh run id and attaches base enriched with it.
func WithRunID(ctx context.Context, base zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id := uuid.NewString()
	ctx = context.WithValue(ctx, runIDKey{}, id)
	return WithLogger(ctx, base.With().Str("run_id", id).Logger())
}

// RunID returns the run id set by WithRunID, or "".
func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// WithBatch adds service and year fields.
func WithBatch(ctx context.Context, service string, year int) context.Context {
	logger := FromContext(ctx).With().Str("service", service).Int("year", year).Logger()
	return WithLogger(ctx, logger)
}

// WithUnit adds the unit field.
func WithUnit(ctx context.Context, unit string) context.Context {
	return WithStr(ctx, "unit", unit)
}

// WithStr returns a new context with a logger that has the specified string field added.
func WithStr(ctx context.Context, key, value string) context.Context {
	logger := FromContext(ctx).With().Str(key, value).Logger()
	return WithLogger(ctx, logger)
}
