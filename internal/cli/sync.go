package cli

import (
	"errors"
	"fmt"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"

	"github.com/eunmann/tlc-sync/internal/config"
	"github.com/eunmann/tlc-sync/internal/logctx"
	"github.com/eunmann/tlc-sync/pkg/columnar"
	"github.com/eunmann/tlc-sync/pkg/fetch"
	"github.com/eunmann/tlc-sync/pkg/logging"
	"github.com/eunmann/tlc-sync/pkg/memdiag"
	"github.com/eunmann/tlc-sync/pkg/pipeline"
	"github.com/eunmann/tlc-sync/pkg/tripdata"
)

const (
	syncCmdUsage = "sync"
	syncCmdShort = "publish monthly trip archives to an object store"
	syncCmdLong  = `Publish every month of one or more (service, year) batches to an object store.

	The batch comes from --service and --year when both are set, otherwise from
	--plan, otherwise from the default plan (green and yellow, 2019 and 2020).
	Months already present in the destination are skipped unless --overwrite is set.
	A month that fails is logged and does not stop the batch.

	Supported destinations:
	- s3://bucket[/prefix]
	- gs://bucket[/prefix] (GCP_GCS_BUCKET is used when no destination is given)
	- azblob://account/container[/prefix]
	- file:///dir or a plain path`

	syncCmdExample = `# Publish green 2019 as Parquet to Google Cloud Storage
	tlc-sync sync --service green --year 2019 --format parquet -d gs://ny-taxi-bucket

	# Re-publish the first quarter of yellow 2020 to S3
	tlc-sync sync --service yellow --year 2020 --months 1-3 --overwrite -d s3://lake/tlc

	# Run the batches listed in a plan file
	tlc-sync sync --plan plan.yaml -d file:///data/lake`
)

var errNoDestination = errors.New("no destination: set --destination, TLCSYNC_DESTINATION or GCP_GCS_BUCKET")

type syncFlags struct {
	sourceRoot      string
	destination     string
	service         string
	year            int
	months          string
	format          string
	overwrite       bool
	stagingDir      string
	inferRows       int
	parseTimestamps bool
	minFreeSpace    string
	planFile        string
}

func (f *syncFlags) addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.sourceRoot, "source-root", "", "base URL of the archive host")
	flags.StringVarP(&f.destination, "destination", "d", "", "store URI to publish to")
	flags.StringVar(&f.service, "service", "", "service to sync (yellow, green, fhv)")
	flags.IntVar(&f.year, "year", 0, "year to sync")
	flags.StringVar(&f.months, "months", "", `months to sync, e.g. "1-6" or "1,3,5" (default all)`)
	flags.StringVar(&f.format, "format", "", "output format: original or parquet")
	flags.BoolVar(&f.overwrite, "overwrite", false, "republish months that already exist")
	flags.StringVar(&f.stagingDir, "staging-dir", "", "local directory for in-flight files")
	flags.IntVar(&f.inferRows, "infer-rows", 0, "rows sampled for Parquet schema inference")
	flags.BoolVar(&f.parseTimestamps, "parse-timestamps", false, "infer timestamp columns when converting")
	flags.StringVar(&f.minFreeSpace, "min-free-space", "", "warn when staging has less free space, e.g. 2GiB")
	flags.StringVar(&f.planFile, "plan", "", "YAML file listing the batches to sync")
}

// apply overrides env with every flag set on the command line.
func (f *syncFlags) apply(cmd *cobra.Command, env *config.Env) error {
	changed := cmd.Flags().Changed
	if changed("source-root") {
		env.SourceRootURL = f.sourceRoot
	}
	if changed("destination") {
		env.Destination = f.destination
	}
	if changed("service") {
		env.Service = f.service
	}
	if changed("year") {
		env.Year = f.year
	}
	if changed("months") {
		env.Months = f.months
	}
	if changed("format") {
		env.OutputFormat = f.format
	}
	if changed("overwrite") {
		env.Overwrite = f.overwrite
	}
	if changed("staging-dir") {
		env.StagingDir = f.stagingDir
	}
	if changed("infer-rows") {
		env.InferRows = f.inferRows
	}
	if changed("parse-timestamps") {
		env.ParseTimestamps = f.parseTimestamps
	}
	if changed("min-free-space") {
		env.MinFreeSpace = f.minFreeSpace
	}
	if changed("plan") {
		env.PlanFile = f.planFile
	}
	return env.Validate()
}

func syncCmd(rf *rootFlags) *cobra.Command {
	flags := &syncFlags{}
	cmd := &cobra.Command{
		Use:     syncCmdUsage,
		Short:   heredoc.Doc(syncCmdShort),
		Long:    heredoc.Doc(syncCmdLong),
		Example: heredoc.Doc(syncCmdExample),
		Args:    cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadSettings(rf)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, env); err != nil {
				return err
			}
			return runSync(cmd, env)
		},
	}
	flags.addFlags(cmd)
	return cmd
}

// batches resolves what to run: explicit service/year, then plan file, then
// the default plan.
func batches(env *config.Env) ([]pipeline.Batch, error) {
	switch {
	case env.Service != "" && env.Year != 0:
		svc, err := tripdata.ParseService(env.Service)
		if err != nil {
			return nil, err
		}
		return []pipeline.Batch{{Service: svc, Year: env.Year}}, nil
	case env.Service != "" || env.Year != 0:
		return nil, errors.New("--service and --year must be set together")
	case env.PlanFile != "":
		plan, err := config.LoadPlan(env.PlanFile)
		if err != nil {
			return nil, err
		}
		return plan.Expand()
	default:
		return config.DefaultPlan().Expand()
	}
}

func runSync(cmd *cobra.Command, env *config.Env) error {
	ctx := logctx.WithRunID(cmd.Context(), logging.WithPhase("sync"))
	log := logctx.FromContext(ctx)

	plan, err := batches(env)
	if err != nil {
		return err
	}
	destination := env.DestinationURI()
	if destination == "" {
		return errNoDestination
	}

	cfg, err := env.PipelineConfig()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, destination)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer store.Close()

	var transformer pipeline.Transformer
	if cfg.Format.NeedsTransform() {
		transformer = columnar.NewTransformer(columnar.CSVOptions{
			InferRows:       env.InferRows,
			ParseTimestamps: env.ParseTimestamps,
		})
	}

	p, err := pipeline.New(cfg, fetch.New(fetch.Config{}), transformer, store)
	if err != nil {
		return err
	}

	log.Info().
		Str("destination", store.String()).
		Str("source", cfg.SourceRootURL).
		Int("batches", len(plan)).
		Msg("sync started")

	mem := memdiag.NewTracker(log, env.MemDebug, 0)
	mem.Start()
	defer mem.Stop()

	for _, batch := range plan {
		report, err := p.RunBatch(ctx, batch)
		if err != nil {
			return err
		}
		mem.Sample(batch.String())
		printReport(cmd, report)
	}
	return nil
}

func printReport(cmd *cobra.Command, r *pipeline.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d published, %d skipped, %d failed\n",
		r.Batch, r.Count(pipeline.StatePublished), r.Count(pipeline.StateSkipped), r.Count(pipeline.StateFailed))
	for _, f := range r.Failures() {
		fmt.Fprintf(out, "  %s failed at %s: %v\n", f.Unit, f.FailedStage, f.Err)
	}
}
