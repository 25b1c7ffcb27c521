// Command computercore runs emulated computers headlessly.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/dshills/computercore/internal/config"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

type globalConfig struct {
	configPath string
	debug      bool
}

// load reads the configuration file, or returns the defaults with the
// environment applied when there is none.
func (g *globalConfig) load() (*config.Config, error) {
	if g.configPath != "" {
		return config.Load(g.configPath)
	}
	cfg := config.Default()
	if err := cfg.ApplyEnv(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	rootCommand := &cobra.Command{
		Use:           "computercore",
		Short:         "emulated Lua computers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := new(globalConfig)
	rootCommand.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "`path` to a TOML or YAML configuration file")
	rootCommand.PersistentFlags().BoolVar(&g.debug, "debug", false, "show debugging output")

	rootCommand.AddCommand(
		newRunCommand(g),
		newUploadCommand(g),
		newVersionCommand(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(g.debug, "")
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

// initLogging installs the default logger. --debug wins over the
// configured level.
func initLogging(showDebug bool, level string) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		switch strings.ToLower(level) {
		case "debug":
			minLogLevel = log.Debug
		case "warn":
			minLogLevel = log.Warn
		case "error":
			minLogLevel = log.Error
		}
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "computercore: ", log.StdFlags, nil),
		})
	})
}
