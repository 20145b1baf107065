package main

import (
	"fmt"
	"os"

	"github.com/resquepool/poold/internal/config"
	"github.com/resquepool/poold/internal/logger"
	"github.com/resquepool/poold/internal/metrics"
	"github.com/resquepool/poold/internal/platform"
	"github.com/resquepool/poold/internal/pool"
	"github.com/resquepool/poold/internal/worker"
	"github.com/spf13/cobra"
)

var (
	envFlag         string
	intervalFlag    int
	configPathFlag  string
	verboseFlag     bool
	vverboseFlag    bool
	appNameFlag     string
	handleWinchFlag bool
	terminateFlag   string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the resque-poold supervisor",
	RunE:  daemonRun,
}

func init() {
	daemonCmd.Flags().StringVarP(&envFlag, "environment", "e", os.Getenv("RESQUE_ENV"), "environment overlay name (RESQUE_ENV)")
	daemonCmd.Flags().IntVarP(&intervalFlag, "interval", "i", 0, "worker polling interval in seconds (INTERVAL)")
	daemonCmd.Flags().StringVarP(&configPathFlag, "config", "c", os.Getenv("RESQUE_POOL_CONFIG"), "config file path (RESQUE_POOL_CONFIG)")
	daemonCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "raise log level to notice (LOGGING/VERBOSE)")
	daemonCmd.Flags().BoolVar(&vverboseFlag, "vverbose", false, "raise log level to debug (VVERBOSE)")
	daemonCmd.Flags().StringVarP(&appNameFlag, "app-name", "a", "", "app tag rendered in log lines and process titles")
	daemonCmd.Flags().BoolVar(&handleWinchFlag, "handle-winch", false, "treat window-change as a drain-all signal")
	daemonCmd.Flags().StringVarP(&terminateFlag, "term-behavior", "t", "", "terminate signal behavior: graceful_worker_shutdown_and_wait, graceful_worker_shutdown, or empty for immediate")
	rootCmd.AddCommand(daemonCmd)
}

func daemonRun(cmd *cobra.Command, args []string) error {
	cfg := config.NewFromEnv()
	if envFlag != "" {
		cfg.Env = envFlag
	}
	if intervalFlag > 0 {
		cfg.Interval = intervalFlag
	}
	if configPathFlag != "" {
		cfg.FilePath = configPathFlag
	}

	level := resolveLogLevel()

	log, cleanup, err := logger.DaemonLogger(level, appNameFlag, "")
	if err != nil {
		return err
	}
	defer cleanup()

	if banner := foregroundBanner(log); banner != "" {
		fmt.Fprint(os.Stderr, banner)
	}

	plat := platform.New()
	metricsCollector := metrics.New()

	p := pool.New(plat, cfg, log, worker.PollFactory{}, appNameFlag,
		pool.WithHandleWinch(handleWinchFlag),
		pool.WithTerminateMode(pool.TerminateMode(terminateFlag)),
		pool.WithMetrics(metricsCollector),
	)

	if err := p.Start(); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	p.Join()
	// Exit through the Platform so the quit-on-exit flag left by Join's
	// shutdown path decides the final exit code. os.Exit skips deferred
	// calls, so the log sink is closed first.
	cleanup()
	plat.Exit(0)
	return nil
}

// foregroundBanner returns a one-line hint for an operator running
// resque-poold by hand at an interactive terminal, telling them how to
// stop it; a log-file or pipe sink already gets the regular log lines on
// every lifecycle event and doesn't need a one-off banner mixed in, so it
// gets none.
func foregroundBanner(log *logger.Logger) string {
	if !log.IsTerminal() {
		return ""
	}
	return "resque-poold is running in the foreground; send SIGINT or SIGTERM to stop it\n"
}

func resolveLogLevel() logger.Level {
	switch {
	case vverboseFlag || os.Getenv("VVERBOSE") != "":
		return logger.LevelDebug
	case verboseFlag || os.Getenv("LOGGING") != "" || os.Getenv("VERBOSE") != "":
		return logger.LevelNotice
	default:
		return logger.LevelWarn
	}
}
