package logging

import (
	"time"

	"github.com/rs/zerolog"
)

// Timed runs fn as the named stage, logging its start at debug level and
// its completion (or failure) with the elapsed time. The result of fn is
// returned unchanged.
func Timed[T any](log zerolog.Logger, stage string, fn func() (T, error)) (T, error) {
	log.Debug().Str("event", "stage_started").Str("phase", stage).Msg("▶ " + stage)

	start := time.Now()
	result, err := fn()
	elapsed := time.Since(start)

	if err != nil {
		StageCompleted(log, stage, elapsed).Str("outcome", "failed").LogWarn("✗ " + stage)
		return result, err
	}
	StageCompleted(log, stage, elapsed).Str("outcome", "ok").Log("✓ " + stage)
	return result, nil
}

// TimedErr is Timed for stages that only return an error.
func TimedErr(log zerolog.Logger, stage string, fn func() error) error {
	_, err := Timed(log, stage, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
