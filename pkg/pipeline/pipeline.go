// Package pipeline moves monthly trip archives from the source host into an
// object store, one (service, year) batch at a time.
//
// Each month of a batch is a work unit that is fetched into local staging,
// optionally converted to Parquet, and published under its object key.
// Units already present in the store's catalog are skipped. A failing unit is
// logged and recorded in the batch report; it never stops the batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/tlc-sync/internal/logctx"
	"github.com/eunmann/tlc-sync/pkg/catalog"
	"github.com/eunmann/tlc-sync/pkg/columnar"
	"github.com/eunmann/tlc-sync/pkg/diskspace"
	"github.com/eunmann/tlc-sync/pkg/fileutil"
	"github.com/eunmann/tlc-sync/pkg/humanfmt"
	"github.com/eunmann/tlc-sync/pkg/logging"
	"github.com/eunmann/tlc-sync/pkg/tripdata"
)

// DefaultSourceRootURL hosts the monthly .csv.gz archives.
const DefaultSourceRootURL = "https://github.com/DataTalksClub/nyc-tlc-data/releases/download"

// Fetcher downloads url to dest.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) (int64, error)
}

// Transformer converts the CSV archive at src into a Parquet file at dst.
type Transformer interface {
	Transform(ctx context.Context, src, dst string) (columnar.Stats, error)
}

// Store lists published keys and publishes staged files.
type Store interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Put(ctx context.Context, key, localPath string) error
}

// Config holds the options of a sync run.
type Config struct {
	// SourceRootURL is the base URL of the archive host.
	SourceRootURL string

	// StagingDir holds files while a unit is in flight.
	StagingDir string

	// Format selects what is published.
	Format tripdata.Format

	// Overwrite republishes units even if their key already exists.
	// The catalog is not listed at all when set.
	Overwrite bool

	// Months to process; empty means all twelve.
	Months []int

	// MinFreeSpace triggers a warning when the staging filesystem has less
	// free space at batch start. Zero disables the probe.
	MinFreeSpace uint64
}

// Validate checks the configuration and normalizes Months.
func (c *Config) Validate() error {
	if c.SourceRootURL == "" {
		return errors.New("source root URL is required")
	}
	if c.StagingDir == "" {
		return errors.New("staging dir is required")
	}
	if c.Format == "" {
		c.Format = tripdata.FormatOriginal
	}
	format, err := tripdata.ParseFormat(string(c.Format))
	if err != nil {
		return err
	}
	c.Format = format

	if len(c.Months) == 0 {
		c.Months = tripdata.AllMonths()
		return nil
	}
	for _, m := range c.Months {
		if m < 1 || m > 12 {
			return fmt.Errorf("%w: %d", tripdata.ErrInvalidMonth, m)
		}
	}
	months := slices.Clone(c.Months)
	slices.Sort(months)
	c.Months = slices.Compact(months)
	return nil
}

// Batch is one (service, year) pair of a plan.
type Batch struct {
	Service tripdata.Service
	Year    int
}

func (b Batch) String() string {
	return fmt.Sprintf("%s/%d", b.Service, b.Year)
}

// Pipeline runs batches with a fixed configuration and set of stages.
type Pipeline struct {
	cfg         Config
	fetcher     Fetcher
	transformer Transformer
	store       Store
}

// New creates a pipeline. transformer may be nil when cfg.Format publishes
// the original archives.
func New(cfg Config, fetcher Fetcher, transformer Transformer, store Store) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if fetcher == nil || store == nil {
		return nil, errors.New("fetcher and store are required")
	}
	if cfg.Format.NeedsTransform() && transformer == nil {
		return nil, fmt.Errorf("format %s requires a transformer", cfg.Format)
	}
	return &Pipeline{cfg: cfg, fetcher: fetcher, transformer: transformer, store: store}, nil
}

// Config returns the normalized configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// RunBatch processes every configured month of batch in ascending order.
// It returns an error only when the batch cannot start; unit failures are
// reported in the Report.
func (p *Pipeline) RunBatch(ctx context.Context, batch Batch) (*Report, error) {
	if _, err := tripdata.NewWorkUnit(batch.Year, batch.Service, 1); err != nil {
		return nil, fmt.Errorf("invalid batch %s: %w", batch, err)
	}

	ctx = logctx.WithBatch(ctx, string(batch.Service), batch.Year)
	log := logctx.FromContext(ctx)

	if err := os.MkdirAll(p.cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if err := fileutil.CleanupTmpFiles(p.cfg.StagingDir); err != nil {
		log.Warn().Err(err).Str("dir", p.cfg.StagingDir).Msg("failed to clean stale tmp files")
	}
	p.checkDiskSpace(log)

	snap, err := p.snapshot(ctx, log, batch)
	if err != nil {
		return nil, err
	}

	log.Info().
		Ints("months", p.cfg.Months).
		Str("format", string(p.cfg.Format)).
		Bool("overwrite", p.cfg.Overwrite).
		Int("published_keys", snap.Len()).
		Msg("batch started")

	tracker := logging.NewProgressTracker(int64(len(p.cfg.Months)))
	report := &Report{Batch: batch, RunID: logctx.RunID(ctx)}

	for _, month := range p.cfg.Months {
		unit, err := tripdata.NewWorkUnit(batch.Year, batch.Service, month)
		if err != nil {
			// Months are validated by Config.Validate
			return nil, err
		}

		result := p.runUnit(ctx, unit, snap)
		switch result.State {
		case StateSkipped:
			tracker.RecordSkip()
		case StatePublished:
			tracker.RecordPublished(result.Duration)
		default:
			tracker.RecordFailure(result.Duration)
		}
		report.Results = append(report.Results, result)

		if result.State != StateSkipped {
			log.Debug().
				Int64("done", tracker.Done()).
				Int64("remaining", tracker.Remaining()).
				Str("eta", humanfmt.Duration(tracker.ETA())).
				Msg("batch progress")
		}
	}

	report.Duration = tracker.Elapsed()
	logging.BatchCompleted(log, report.Duration).
		ProgressFromTracker(tracker).
		Bytes("bytes_published", report.BytesPublished()).
		Throughput(report.BytesPublished()).
		Log("batch completed")

	return report, nil
}

// snapshot lists the published keys of the batch's service once. With
// Overwrite set nothing is listed.
func (p *Pipeline) snapshot(ctx context.Context, log zerolog.Logger, batch Batch) (*catalog.Snapshot, error) {
	if p.cfg.Overwrite {
		return catalog.Empty(), nil
	}
	snap, err := logging.Timed(log, "catalog", func() (*catalog.Snapshot, error) {
		return catalog.List(ctx, p.store, string(batch.Service)+"/")
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot catalog for %s: %w", batch, err)
	}
	return snap, nil
}

func (p *Pipeline) checkDiskSpace(log zerolog.Logger) {
	if p.cfg.MinFreeSpace == 0 {
		return
	}
	if r, low := diskspace.Below(p.cfg.StagingDir, p.cfg.MinFreeSpace); low {
		log.Warn().
			Str("dir", p.cfg.StagingDir).
			Str("available", humanfmt.Bytes(int64(r.AvailableBytes))).
			Str("minimum", humanfmt.Bytes(int64(p.cfg.MinFreeSpace))).
			Msg("staging filesystem is low on space")
	}
}

// runUnit drives one unit to a terminal state. Staged files are removed
// before it returns, whatever the outcome.
func (p *Pipeline) runUnit(ctx context.Context, unit tripdata.WorkUnit, snap *catalog.Snapshot) UnitResult {
	ctx = logctx.WithUnit(ctx, unit.String())
	log := logctx.FromContext(ctx)

	result := UnitResult{Unit: unit, Key: unit.ObjectKey(p.cfg.Format), State: StatePending}
	if snap.Contains(result.Key) {
		result.State = StateSkipped
		log.Info().Str("key", result.Key).Msg("already published, skipping")
		return result
	}

	start := time.Now()
	staging := &stagingArea{log: log}
	defer staging.release()

	err := p.process(ctx, log, staging, &result)
	result.Duration = time.Since(start)

	if err != nil {
		result.FailedStage = result.State.nextStage(p.cfg.Format)
		result.State = StateFailed
		result.Err = err
		log.Error().Err(err).
			Str("key", result.Key).
			Str("stage", result.FailedStage).
			Msg("unit failed")
		return result
	}

	logging.UnitCompleted(log, result.Duration).
		Str("key", result.Key).
		Bytes("bytes", result.Bytes).
		Throughput(result.Bytes).
		Log("✓ published")
	return result
}

// process runs the stages of one unit, advancing result.State as each
// one succeeds.
func (p *Pipeline) process(ctx context.Context, log zerolog.Logger, staging *stagingArea, result *UnitResult) error {
	unit := result.Unit
	dir := filepath.Join(p.cfg.StagingDir, string(unit.Service))

	archive := staging.track(filepath.Join(dir, unit.ArchiveName()))
	url := unit.SourceURL(p.cfg.SourceRootURL)
	fetched, err := logging.Timed(log.With().Str("url", url).Logger(), StageFetch, func() (int64, error) {
		return p.fetcher.Fetch(ctx, url, archive)
	})
	if err != nil {
		return err
	}
	result.State = StateFetched
	result.Bytes = fetched

	upload := archive
	if p.cfg.Format.NeedsTransform() {
		out := staging.track(filepath.Join(dir, unit.FileName(p.cfg.Format)))
		stats, err := logging.Timed(log, StageTransform, func() (columnar.Stats, error) {
			return p.transformer.Transform(ctx, archive, out)
		})
		if err != nil {
			return err
		}
		// The raw archive is not needed once the Parquet file exists
		staging.remove(archive)
		result.State = StateTransformed
		result.Bytes = stats.Bytes
		upload = out
	}

	if size, err := fileutil.Size(upload); err == nil {
		result.Bytes = size
	}

	err = logging.TimedErr(log.With().Str("key", result.Key).Logger(), StagePublish, func() error {
		return p.store.Put(ctx, result.Key, upload)
	})
	if err != nil {
		return err
	}
	result.State = StatePublished
	return nil
}
