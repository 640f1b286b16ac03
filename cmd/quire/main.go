// Command quire inspects and maintains quire containers.
//
// Settings come from flags, then QUIRE_* environment variables, then an
// optional YAML file passed with --config. Logs go to stderr so that the
// output of ls and map can be piped.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/jpl-au/quire"
	"github.com/jpl-au/quire/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var version = "0.1.0"

// app carries the resolved settings shared by every subcommand.
type app struct {
	v   *viper.Viper
	log *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	var configFile string

	root := &cobra.Command{
		Use:           "quire",
		Short:         "Inspect and maintain quire containers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd, configFile)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "YAML configuration file")
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flags.String("log-encoding", "console", "Log encoding (console, json)")
	flags.Int("compression", 0, "Compression setting algorithm*100+level for new keys (0 = file default, -1 = none)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "quire v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
		},
	})
	root.AddCommand(
		newLsCmd(a),
		newMapCmd(a),
		newRecoverCmd(a),
		newCompactCmd(a),
		newMergeCmd(a),
	)
	return root
}

// setup binds flags and the environment into viper, reads the optional
// config file and builds the logger.
func (a *app) setup(cmd *cobra.Command, configFile string) error {
	a.v.SetEnvPrefix("QUIRE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	if configFile != "" {
		a.v.SetConfigFile(configFile)
		a.v.SetConfigType("yaml")
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := logger.Default()
	cfg.Level = a.v.GetString("log-level")
	cfg.Encoding = a.v.GetString("log-encoding")
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}
	a.log = log
	return nil
}

// open opens a container with the configured compression and logger.
func (a *app) open(path string, mode quire.Mode) (*quire.File, error) {
	return quire.Open(path, mode, quire.Config{
		Compression: a.v.GetInt("compression"),
		Logger:      a.log,
	})
}
