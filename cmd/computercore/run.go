package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/computercore/internal/computer"
	"github.com/dshills/computercore/internal/config"
	"github.com/dshills/computercore/internal/filesystem"
	"github.com/dshills/computercore/internal/metrics"
	"github.com/dshills/computercore/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zombiezen.com/go/log"
)

const stateDatabase = "computercore.db"

type runOptions struct {
	saveDir string
	romDir  string
	ticks   int
	id      int
	program string
	plain   bool
}

func newRunCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "run [options] [PROGRAM]",
		Short:                 "boot a computer",
		Long:                  "Boot a computer and print its screen. If PROGRAM is given, the computer runs it and shuts down when it returns.",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MaximumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &runOptions{id: -1}
	c.Flags().StringVar(&opts.saveDir, "save", "", "`dir`ectory to keep computer data in (overrides save_dir)")
	c.Flags().StringVar(&opts.romDir, "rom", "", "`dir`ectory to load the ROM from (overrides rom_dir)")
	c.Flags().IntVar(&opts.ticks, "ticks", 0, "stop after `n` ticks (0 runs until interrupted)")
	c.Flags().IntVar(&opts.id, "id", -1, "reuse the computer with this ID instead of allocating one")
	c.Flags().BoolVar(&opts.plain, "plain", false, "print plain text even when stdout is a terminal")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			opts.program = args[0]
		}
		return runComputer(cmd.Context(), g, opts)
	}
	return c
}

func runComputer(ctx context.Context, g *globalConfig, opts *runOptions) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if opts.saveDir != "" {
		cfg.SaveDir = opts.saveDir
	}
	if opts.romDir != "" {
		cfg.ROMDir = opts.romDir
	}
	initLogging(g.debug, cfg.LogLevel)

	var st *store.Store
	if cfg.SaveDir != "" {
		if err := os.MkdirAll(cfg.SaveDir, 0o777); err != nil {
			return err
		}
		st, err = store.Open(filepath.Join(cfg.SaveDir, stateDatabase))
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				log.Errorf(ctx, "%v", closeErr)
			}
		}()
	}
	svc, err := computer.NewServices(cfg, st)
	if err != nil {
		return err
	}
	defer svc.Close()
	agg := metrics.NewAggregator()
	svc.Metrics.Add(agg)
	reg := computer.NewRegistry(svc)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if closeErr := reg.Close(closeCtx); closeErr != nil {
			log.Errorf(ctx, "Shutting down: %v", closeErr)
		}
		printSummary(os.Stderr, agg.Snapshot())
	}()

	var copts computer.Options
	var host filesystem.Mount
	if opts.program != "" {
		abs, err := filepath.Abs(opts.program)
		if err != nil {
			return err
		}
		if _, err := os.Stat(abs); err != nil {
			return err
		}
		host = filesystem.NewReadOnlyDirMount(filepath.Dir(abs))
		copts.Startup = "host/" + filepath.Base(abs)
	}
	var c *computer.Computer
	if opts.id >= 0 {
		c, err = reg.Open(ctx, opts.id, copts)
	} else {
		c, err = reg.Create(ctx, copts)
	}
	if err != nil {
		return err
	}
	if host != nil {
		c.AddMount("host", "host", host)
	}
	log.Infof(ctx, "Starting computer %d", c.ID())

	if g.configPath != "" {
		w, err := config.NewWatcher(g.configPath, cfg)
		if err != nil {
			return err
		}
		w.OnChange(func(cfg *config.Config) {
			if err := reg.Apply(ctx, cfg); err != nil {
				log.Warnf(ctx, "Applying %s: %v", g.configPath, err)
			}
		})
		watchCtx, stopWatching := context.WithCancel(ctx)
		defer stopWatching()
		go w.Run(watchCtx)
	}

	scr := &screen{
		w:    os.Stdout,
		ansi: !opts.plain && term.IsTerminal(int(os.Stdout.Fd())),
	}
	if scr.ansi {
		os.Stdout.WriteString("\x1b[2J")
		defer os.Stdout.WriteString("\x1b[0m\x1b[?25h\n")
	}
	dirty := false
	c.Terminal().SetOnChange(func() { dirty = true })

	if err := c.TurnOn(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(time.Second / computer.TicksPerSecond)
	defer ticker.Stop()
	for n := 0; opts.ticks <= 0 || n < opts.ticks; n++ {
		select {
		case <-ctx.Done():
			log.Debugf(ctx, "Interrupted after %d ticks", n)
			return nil
		case <-ticker.C:
		}
		reg.Tick(ctx)
		if dirty {
			dirty = false
			if err := scr.draw(c.Terminal()); err != nil {
				return err
			}
		}
		if opts.program == "" {
			continue
		}
		switch c.State() {
		case computer.StateOff:
			return nil
		case computer.StateBlinking:
			return fmt.Errorf("computer %d: %w", c.ID(), c.Err())
		}
	}
	return nil
}

// printSummary writes per-computer metric totals.
func printSummary(w io.Writer, snap metrics.Snapshot) {
	if len(snap.Stats) == 0 {
		return
	}
	fmt.Fprintf(w, "Metrics over %v:\n", snap.Uptime.Round(time.Millisecond))
	for _, s := range snap.Stats {
		fmt.Fprintf(w, "  #%-3d %-20s %s\n", s.Computer, s.Metric.Name, formatStat(s))
	}
}

func formatStat(s metrics.Stat) string {
	count := humanize.Comma(int64(s.Count))
	if s.Metric.Counter {
		return count
	}
	switch s.Metric.Unit {
	case metrics.Bytes:
		return fmt.Sprintf("%s events, %s total, %s max", count, humanize.IBytes(uint64(s.Total)), humanize.IBytes(uint64(s.Max)))
	case metrics.Nanoseconds:
		return fmt.Sprintf("%s events, %v avg, %v max", count, time.Duration(s.Avg()), time.Duration(s.Max))
	default:
		return fmt.Sprintf("%s events, %s total, %s max", count, humanize.Comma(s.Total), humanize.Comma(s.Max))
	}
}
