// cmd/root.go
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/aceteam-ai/meshdispatch/internal/config"
	"github.com/aceteam-ai/meshdispatch/internal/logging"
)

var cfgFile string
var debugMode bool
var logFormat string

// cfg is loaded once before any subcommand runs
var cfg config.Config

// restoreLogging undoes logging.Install when the command finishes
var restoreLogging = func() {}

// Debug logs a message at debug level through the global logger
func Debug(format string, args ...interface{}) {
	zap.S().Debugf(format, args...)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meshdispatch",
	Short: "meshdispatch routes meshing jobs from clients to worker processes",
	Long: `A broker, worker runtime and client for dispatching meshing jobs.

Clients submit jobs to the broker, the broker assigns them to registered
workers and launches worker processes on demand from descriptor files.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if debugMode {
			loaded.Log.Level = "debug"
		}
		if logFormat != "" {
			loaded.Log.Format = logFormat
		}
		logger, err := logging.New(loaded.Log)
		if err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		restoreLogging = logging.Install(logger)
		cfg = loaded

		if debugMode {
			// Log the full command that was run
			fullCmd := "meshdispatch"
			if cmd.Name() != "meshdispatch" {
				fullCmd += " " + cmd.Name()
			}
			cmd.Flags().Visit(func(f *pflag.Flag) {
				if f.Name == "debug" {
					return
				}
				if f.Value.Type() == "bool" {
					fullCmd += " --" + f.Name
				} else {
					fullCmd += " --" + f.Name + "=" + f.Value.String()
				}
			})
			if len(args) > 0 {
				fullCmd += " " + strings.Join(args, " ")
			}
			Debug("command: %s", fullCmd)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
		restoreLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		badColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (default: environment and built-in defaults)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json")
}
