// Package cli implements the command-line interface for tlc-sync.
package cli

import (
	"context"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"

	"github.com/eunmann/tlc-sync/internal/config"
	"github.com/eunmann/tlc-sync/pkg/logging"
	"github.com/eunmann/tlc-sync/pkg/objstore"
)

const (
	appName  = "tlc-sync"
	appShort = "move NYC TLC trip records into object storage or a database"
	appLong  = `tlc-sync downloads the monthly NYC TLC trip record archives.

	sync publishes every month of a (service, year) batch to an object store,
	optionally converting it to Parquet, and skips months already published.
	load copies one month of trips plus the taxi zone lookup into a database.

	Settings are read from TLCSYNC_* environment variables; flags override them.`

	debugFlagName  = "debug"
	debugFlagUsage = "enable debug logging"
	humanFlagName  = "human"
	humanFlagUsage = "human-readable console logs instead of JSON"
)

var (
	// loadEnv reads settings; tests replace it to isolate from the process env.
	loadEnv = config.Load
	// openStore connects to a destination URI.
	openStore = objstore.Open
)

// rootFlags holds the persistent flags shared across the command tree.
type rootFlags struct {
	debug bool
	human bool
}

func (f *rootFlags) addFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.BoolVar(&f.debug, debugFlagName, false, debugFlagUsage)
	flags.BoolVar(&f.human, humanFlagName, false, humanFlagUsage)
}

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

// NewRootCmd constructs the command tree.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   appName,
		Short: heredoc.Doc(appShort),
		Long:  heredoc.Doc(appLong),

		SilenceErrors: true,
		SilenceUsage:  true,
	}
	flags.addFlags(cmd)

	cmd.AddCommand(
		syncCmd(flags),
		loadCmd(flags),
	)
	return cmd
}

// loadSettings reads the environment and applies the logging flags.
func loadSettings(rf *rootFlags) (*config.Env, error) {
	env, err := loadEnv()
	if err != nil {
		return nil, err
	}
	logging.Init(rf.debug || env.Debug, rf.human || env.HumanLogs)
	return env, nil
}
