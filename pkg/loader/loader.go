// Package loader downloads one month of trip records plus the taxi zone
// lookup and loads both into a relational database, replacing any previous
// copy of either table.
package loader

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/tlc-sync/internal/logctx"
	"github.com/eunmann/tlc-sync/pkg/columnar"
	"github.com/eunmann/tlc-sync/pkg/fileutil"
	"github.com/eunmann/tlc-sync/pkg/logging"
	"github.com/eunmann/tlc-sync/pkg/tripdata"
)

const (
	// DefaultTripsBaseURL serves the monthly Parquet trip files.
	DefaultTripsBaseURL = "https://d37ci6vzurychx.cloudfront.net/trip-data"
	// DefaultZonesURL serves the taxi zone lookup CSV.
	DefaultZonesURL = "https://github.com/DataTalksClub/nyc-tlc-data/releases/download/misc/taxi_zone_lookup.csv"
	// ZonesTable is the table the lookup is loaded into.
	ZonesTable = "taxi_zones"
)

// Fetcher downloads url to dest.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) (int64, error)
}

// Sink replaces a database table with the rows of a columnar table.
type Sink interface {
	ReplaceTable(ctx context.Context, name string, table columnar.Table) (int64, error)
}

// Config configures a Loader.
type Config struct {
	// TripsBaseURL is used when a Job has no TripsURL.
	TripsBaseURL string
	// ZonesURL is used when a Job has no ZonesURL.
	ZonesURL string
	// StagingDir holds the downloads until they are loaded.
	StagingDir string
	// CSV controls type inference for CSV inputs.
	CSV columnar.CSVOptions
}

// Job selects the month to load.
type Job struct {
	Service tripdata.Service
	Year    int
	Month   int

	// TripsURL overrides the trip file location. A .csv or .csv.gz URL is
	// read as CSV; anything else as Parquet.
	TripsURL string
	// ZonesURL overrides the lookup location.
	ZonesURL string
}

// TripsTable is the table name for the job's trip records,
// e.g. green_taxi_trips_2025_11.
func (j Job) TripsTable() string {
	return fmt.Sprintf("%s_taxi_trips_%d_%02d", j.Service, j.Year, j.Month)
}

// TableResult describes one loaded table.
type TableResult struct {
	Name     string
	Rows     int64
	Duration time.Duration
}

// Result summarizes a completed job.
type Result struct {
	Tables []TableResult
}

// Loader runs load jobs.
type Loader struct {
	cfg     Config
	fetcher Fetcher
	sink    Sink
}

// New creates a Loader. Empty URLs in cfg take the package defaults.
func New(cfg Config, fetcher Fetcher, sink Sink) *Loader {
	if cfg.TripsBaseURL == "" {
		cfg.TripsBaseURL = DefaultTripsBaseURL
	}
	if cfg.ZonesURL == "" {
		cfg.ZonesURL = DefaultZonesURL
	}
	return &Loader{cfg: cfg, fetcher: fetcher, sink: sink}
}

func (l *Loader) tripsURL(job Job) string {
	if job.TripsURL != "" {
		return job.TripsURL
	}
	return fmt.Sprintf("%s/%s_tripdata_%d-%02d.%s",
		strings.TrimRight(l.cfg.TripsBaseURL, "/"), job.Service, job.Year, job.Month, tripdata.ParquetExt)
}

func (l *Loader) zonesURL(job Job) string {
	if job.ZonesURL != "" {
		return job.ZonesURL
	}
	return l.cfg.ZonesURL
}

// Run downloads both inputs concurrently, then replaces the zone table and
// the trip table in that order. Staged downloads are removed on return.
func (l *Loader) Run(ctx context.Context, job Job) (*Result, error) {
	if _, err := tripdata.NewWorkUnit(job.Year, job.Service, job.Month); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}

	log := logctx.FromContext(ctx).With().Str("phase", "load").Logger()

	tripsURL, zonesURL := l.tripsURL(job), l.zonesURL(job)
	tripsPath := filepath.Join(l.cfg.StagingDir, stagedName(tripsURL, "trips"))
	zonesPath := filepath.Join(l.cfg.StagingDir, stagedName(zonesURL, "zones"))
	defer func() {
		for _, p := range []string{tripsPath, zonesPath} {
			if err := fileutil.Remove(p); err != nil {
				log.Warn().Err(err).Str("path", p).Msg("failed to remove staged file")
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, dl := range []struct{ url, dest string }{{tripsURL, tripsPath}, {zonesURL, zonesPath}} {
		g.Go(func() error {
			_, err := logging.Timed(log.With().Str("url", dl.url).Logger(), "fetch", func() (int64, error) {
				return l.fetcher.Fetch(gctx, dl.url, dl.dest)
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("wait for downloads: %w", err)
	}

	result := &Result{}
	for _, t := range []struct{ name, path string }{{ZonesTable, zonesPath}, {job.TripsTable(), tripsPath}} {
		tr, err := l.loadTable(ctx, t.name, t.path)
		if err != nil {
			return nil, err
		}
		logging.TableLoaded(log, tr.Duration).
			Str("table", tr.Name).
			Count("rows", tr.Rows).
			Log("✓ table loaded")
		result.Tables = append(result.Tables, tr)
	}
	return result, nil
}

func (l *Loader) loadTable(ctx context.Context, name, localPath string) (TableResult, error) {
	table, err := l.openTable(localPath)
	if err != nil {
		return TableResult{}, fmt.Errorf("open %s: %w", filepath.Base(localPath), err)
	}
	defer table.Close()

	start := time.Now()
	rows, err := l.sink.ReplaceTable(ctx, name, table)
	if err != nil {
		return TableResult{}, fmt.Errorf("load table %s: %w", name, err)
	}
	return TableResult{Name: name, Rows: rows, Duration: time.Since(start)}, nil
}

// openTable picks the reader by file extension.
func (l *Loader) openTable(localPath string) (columnar.Table, error) {
	lower := strings.ToLower(localPath)
	if strings.HasSuffix(lower, ".csv") || strings.HasSuffix(lower, ".csv.gz") {
		return columnar.OpenCSV(localPath, l.cfg.CSV)
	}
	return columnar.OpenParquet(localPath)
}

// stagedName derives a local file name from the last URL path segment.
func stagedName(rawURL, fallback string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return fallback
	}
	return name
}
