// Command vaultctl runs the operational tasks of the vault: schema
// migrations, key generation and maintenance jobs.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"phoenixvault.io/internal/config"
	"phoenixvault.io/internal/envelope"
	"phoenixvault.io/internal/obs"
	"phoenixvault.io/internal/store/pg"
)

type globalFlags struct {
	configPath string
	dsn        string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Operational commands for Phoenix Vault",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "TOML config file (default $PHOENIX_CONFIG)")
	root.PersistentFlags().StringVar(&flags.dsn, "dsn", "", "PostgreSQL DSN (default $PHOENIX_PG_DSN)")

	root.AddCommand(
		newMigrateCmd(flags),
		newWaitForDBCmd(flags),
		newKeypairCmd(),
		newRotateCmd(flags),
		newCleanupCmd(flags),
		newCreateSuperuserCmd(flags),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("✗"), err)
		os.Exit(1)
	}
}

// resolveDSN prefers --dsn, then the environment. Commands that only touch
// the schema do not need the full config.
func (f *globalFlags) resolveDSN() (string, error) {
	if dsn := strings.TrimSpace(f.dsn); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(os.Getenv("PHOENIX_PG_DSN")); dsn != "" {
		return dsn, nil
	}
	return "", fmt.Errorf("missing DSN: provide --dsn or PHOENIX_PG_DSN")
}

// openStore loads the full config and connects the Postgres store with the
// configured envelope keys.
func (f *globalFlags) openStore() (*pg.Store, error) {
	cfg, err := config.Load(config.Options{Path: f.configPath})
	if err != nil {
		return nil, err
	}
	obs.ConfigureLogger(os.Stderr, cfg.LogLevel)
	if f.dsn != "" {
		cfg.Database.DSN = f.dsn
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("missing DSN: provide --dsn or PHOENIX_PG_DSN")
	}
	keys, err := envelope.LoadKeys(cfg.EnvelopeKeys())
	if err != nil {
		return nil, err
	}
	codec, err := envelope.New(keys)
	if err != nil {
		return nil, err
	}
	store, err := pg.Open(cfg.Database.DSN, codec)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func success(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("✓"), fmt.Sprintf(format, args...))
}

func warn(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("!"), fmt.Sprintf(format, args...))
}

func info(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintln(cmd.OutOrStdout(), fmt.Sprintf(format, args...))
}
