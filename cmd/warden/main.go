package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	wardenlog "github.com/holon-run/warden/pkg/log"
	"github.com/holon-run/warden/pkg/supervisor"
)

var (
	configPath   string
	logDir       string
	nativeLogDir string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "warden supervises a long-running foreground process and captures its output",
}

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Run a command under supervision",
	Long: `Run a command under supervision.

The command is started in its own process group with its stdout and stderr
duplicated to the console and to per-stream capture files. A startup monitor
classifies early failures; on failure, diagnostics are collected from the
application's own logs and the captured streams. SIGINT/SIGTERM trigger
graceful-then-forced shutdown of the command.

Configuration comes from WARDEN_* environment variables, optionally layered
with a YAML config file (--config) and flags. The process exits with the
supervised command's exit code, 1 on an early startup exit, or 2 when the
command ended inside the monitoring window.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wardenlog.Init(wardenlog.Config{Level: wardenlog.Level(logLevel)})
		defer func() { _ = wardenlog.Sync() }()

		cfg := supervisor.FromEnv()
		if configPath != "" {
			if err := cfg.ApplyFile(configPath); err != nil {
				return err
			}
		}
		if logDir != "" {
			cfg.LogDir = logDir
		}
		if nativeLogDir != "" {
			cfg.NativeLogDir = nativeLogDir
		}

		s := supervisor.New(cfg)
		res := s.Run(context.Background(), supervisor.Command{
			Path: args[0],
			Args: args[1:],
		})
		if res.Err != nil {
			wardenlog.Error("run failed", "error", res.Err)
		}

		// Exit codes are the contract with the external launcher; bypass
		// cobra's error-to-exit-1 mapping.
		_ = wardenlog.Sync()
		os.Exit(res.ExitCode)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML supervisor config file")
	runCmd.Flags().StringVar(&logDir, "log-dir", "", "Directory for stdout/stderr capture files (overrides WARDEN_LOG_DIR)")
	runCmd.Flags().StringVar(&nativeLogDir, "native-log-dir", "", "Application's own log directory, read on failure (overrides WARDEN_NATIVE_LOG_DIR)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "progress", "Log level: debug, info, progress, warn, error")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
