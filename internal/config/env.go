// Package config loads tlc-sync settings from the environment and plan files.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/eunmann/tlc-sync/pkg/humanfmt"
	"github.com/eunmann/tlc-sync/pkg/pipeline"
	"github.com/eunmann/tlc-sync/pkg/sqlsink"
	"github.com/eunmann/tlc-sync/pkg/tripdata"
)

var (
	ErrEnvVariablesNotValid = errors.New("environment variables not valid")
)

// Env holds every setting that can come from the environment. CLI flags
// override these values.
type Env struct {
	SourceRootURL string `env:"TLCSYNC_SOURCE_ROOT_URL" envDefault:"https://github.com/DataTalksClub/nyc-tlc-data/releases/download"`
	Destination   string `env:"TLCSYNC_DESTINATION"`
	// GCSBucket is the fallback destination when Destination is unset.
	GCSBucket       string `env:"GCP_GCS_BUCKET"`
	Service         string `env:"TLCSYNC_SERVICE"`
	Year            int    `env:"TLCSYNC_YEAR"`
	Months          string `env:"TLCSYNC_MONTHS"`
	OutputFormat    string `env:"TLCSYNC_OUTPUT_FORMAT" envDefault:"original"`
	Overwrite       bool   `env:"TLCSYNC_OVERWRITE"`
	StagingDir      string `env:"TLCSYNC_STAGING_DIR"`
	InferRows       int    `env:"TLCSYNC_INFER_ROWS" envDefault:"20000"`
	ParseTimestamps bool   `env:"TLCSYNC_PARSE_TIMESTAMPS"`
	MinFreeSpace    string `env:"TLCSYNC_MIN_FREE_SPACE" envDefault:"2GiB"`
	PlanFile        string `env:"TLCSYNC_PLAN_FILE"`
	Debug           bool   `env:"TLCSYNC_DEBUG"`
	HumanLogs       bool   `env:"TLCSYNC_HUMAN_LOGS"`
	// MemDebug logs heap usage periodically and after each batch.
	MemDebug bool `env:"TLCSYNC_MEM_DEBUG"`

	DBDriver   string `env:"TLCSYNC_DB_DRIVER" envDefault:"pgx"`
	DBDSN      string `env:"TLCSYNC_DB_DSN"`
	PGUser     string `env:"PG_USER" envDefault:"root"`
	PGPassword string `env:"PG_PASSWORD" envDefault:"root"`
	PGHost     string `env:"PG_HOST" envDefault:"localhost"`
	PGPort     int    `env:"PG_PORT" envDefault:"5432"`
	PGDatabase string `env:"PG_DB" envDefault:"ny_taxi"`
}

// Load parses the process environment.
func Load() (*Env, error) {
	return load(env.Options{})
}

// LoadFrom parses environ instead of the process environment.
func LoadFrom(environ map[string]string) (*Env, error) {
	return load(env.Options{Environment: environ})
}

func load(opts env.Options) (*Env, error) {
	var e Env
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEnvVariablesNotValid, err.Error())
	}
	if e.StagingDir == "" {
		e.StagingDir = filepath.Join(os.TempDir(), "tlc-sync")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks every field and reports all problems at once.
func (e *Env) Validate() error {
	envError := make([]string, 0)

	if e.SourceRootURL == "" {
		envError = append(envError, "TLCSYNC_SOURCE_ROOT_URL must not be empty")
	}
	if e.Service != "" {
		if _, err := tripdata.ParseService(e.Service); err != nil {
			envError = append(envError, "TLCSYNC_SERVICE: "+err.Error())
		}
	}
	if e.Year != 0 && (e.Year < 1000 || e.Year > 9999) {
		envError = append(envError, "TLCSYNC_YEAR must have four digits")
	}
	if _, err := tripdata.ParseMonths(e.Months); err != nil {
		envError = append(envError, "TLCSYNC_MONTHS: "+err.Error())
	}
	if _, err := tripdata.ParseFormat(e.OutputFormat); err != nil {
		envError = append(envError, "TLCSYNC_OUTPUT_FORMAT: "+err.Error())
	}
	if e.InferRows < 1 {
		envError = append(envError, "TLCSYNC_INFER_ROWS must be positive")
	}
	if _, err := humanfmt.ParseSize(e.MinFreeSpace); err != nil {
		envError = append(envError, "TLCSYNC_MIN_FREE_SPACE: "+err.Error())
	}
	if e.DBDriver != sqlsink.DriverPostgres && e.DBDriver != sqlsink.DriverSQLite {
		envError = append(envError, fmt.Sprintf("TLCSYNC_DB_DRIVER must be %s or %s", sqlsink.DriverPostgres, sqlsink.DriverSQLite))
	}
	if e.PGPort < 1 || e.PGPort > 65535 {
		envError = append(envError, "PG_PORT is out of valid range (1-65535)")
	}

	if len(envError) > 0 {
		return fmt.Errorf("%w: %s", ErrEnvVariablesNotValid, strings.Join(envError, ", "))
	}
	return nil
}

// DestinationURI returns the store URI, falling back to the GCS bucket.
func (e *Env) DestinationURI() string {
	if e.Destination != "" {
		return e.Destination
	}
	if e.GCSBucket != "" {
		return "gs://" + e.GCSBucket
	}
	return ""
}

// DSN returns the loader's database connection string. An explicit
// TLCSYNC_DB_DSN wins; otherwise a PostgreSQL URL is built from PG_*.
func (e *Env) DSN() string {
	if e.DBDSN != "" || e.DBDriver != sqlsink.DriverPostgres {
		return e.DBDSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(e.PGUser, e.PGPassword),
		Host:   net.JoinHostPort(e.PGHost, strconv.Itoa(e.PGPort)),
		Path:   "/" + e.PGDatabase,
	}
	return u.String()
}

// PipelineConfig builds the sync configuration from validated settings.
func (e *Env) PipelineConfig() (pipeline.Config, error) {
	format, err := tripdata.ParseFormat(e.OutputFormat)
	if err != nil {
		return pipeline.Config{}, err
	}
	months, err := tripdata.ParseMonths(e.Months)
	if err != nil {
		return pipeline.Config{}, err
	}
	minFree, err := humanfmt.ParseSize(e.MinFreeSpace)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("parse min free space: %w", err)
	}
	return pipeline.Config{
		SourceRootURL: e.SourceRootURL,
		StagingDir:    e.StagingDir,
		Format:        format,
		Overwrite:     e.Overwrite,
		Months:        months,
		MinFreeSpace:  minFree,
	}, nil
}
