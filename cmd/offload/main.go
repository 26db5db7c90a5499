// Command offload runs JavaScript functions in isolated units, once from
// the command line or as an HTTP or queue-fed service.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cryguy/offload"
	"github.com/cryguy/offload/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "offload",
	Short:         "Offload JavaScript functions to isolated execution units",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, serveCmd, workerCmd, submitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "offload: %v\n", err)
		os.Exit(1)
	}
}

// runtime bundles what every subcommand builds from the environment.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger
	engine *offload.Engine
	store  *offload.Store
}

func setup() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	rt := &runtime{cfg: cfg, logger: logger}
	if cfg.DBPath != "" {
		rt.store, err = offload.OpenStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
	}
	rt.engine, err = offload.NewEngine(offload.EngineConfig{
		Logger:         logger,
		DefaultTimeout: cfg.Timeout,
		CacheSize:      cfg.CacheSize,
		MemoryLimitMB:  cfg.MemoryLimitMB,
		Deps: offload.DepsConfig{
			AllowedHosts: cfg.AllowedHosts,
			AllowPrivate: cfg.AllowPrivate,
			BaseDir:      cfg.BaseDir,
			Store:        rt.store,
		},
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.engine != nil {
		rt.engine.Shutdown()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("closing dependency store", "error", err)
		}
	}
}
