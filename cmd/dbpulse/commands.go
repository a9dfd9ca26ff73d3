package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dbpulse/internal/api"
	"dbpulse/internal/catalog"
	"dbpulse/internal/config"
	"dbpulse/internal/logging"
	"dbpulse/internal/server"
)

// app carries what every subcommand needs once the root has loaded it.
type app struct {
	configFile string
	cfg        *config.Config
	logCloser  io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "dbpulse",
		Short:         "PostgreSQL statistics sampler with a local time-series store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				a.logCloser.Close()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "configuration file (default: ./config.yaml or ~/.dbpulse/config.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Collect on schedule and serve the API until interrupted",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.run(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "collectors",
			Short: "List the collector schedule",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.collectors(cmd.Context(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "collect [collector...]",
			Short: "Run collectors once on every enabled server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.collect(cmd.Context(), cmd.OutOrStdout(), args)
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Delete samples older than each collector's retention",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.sweep(cmd.Context(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:               "version",
			Short:             "Print version information",
			PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "dbpulse %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
			},
		},
	)

	return root
}

// load reads the configuration and installs the logger.
func (a *app) load() error {
	cfg, err := config.LoadFile(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	a.cfg = cfg
	a.logCloser = closer
	return nil
}

// run starts the long-running server and blocks until SIGINT or SIGTERM.
func (a *app) run(parent context.Context) error {
	printBanner(os.Stdout)
	api.Version = Version

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", Version).
		Str("storage", a.cfg.Storage.Path).
		Str("schedule", a.cfg.Schedule.Path).
		Str("registry", a.cfg.Registry.Path).
		Msg("Starting dbpulse")

	return server.New(a.cfg).Start(ctx)
}

func (a *app) collectors(ctx context.Context, out io.Writer) error {
	rt, err := server.Open(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENABLED\tFREQUENCY\tRETENTION\tLAST RUN\tOPTIONAL")
	for _, def := range rt.Engine.Schedule().All() {
		freq := "on load"
		if !def.OnLoadOnly() {
			freq = fmt.Sprintf("%dm", def.FrequencyMinutes)
		}
		retention := "forever"
		if def.RetentionDays > 0 {
			retention = fmt.Sprintf("%dd", def.RetentionDays)
		}
		last := "-"
		if def.LastRunTime != nil {
			last = def.LastRunTime.Local().Format(time.DateTime)
		}
		optional := false
		if d, ok := rt.Engine.Catalog().Get(def.Name); ok {
			optional = d.Optional
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\t%t\n", def.Name, def.Enabled, freq, retention, last, optional)
	}
	return w.Flush()
}

func (a *app) collect(parent context.Context, out io.Writer, names []string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := server.Open(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, name := range names {
		if _, ok := rt.Engine.Catalog().Get(name); !ok {
			return fmt.Errorf("unknown collector %q (known: %s)", name, catalog.Names(rt.Engine.Catalog().All()))
		}
	}

	results, err := rt.Engine.Scheduler().CollectOnce(ctx, names...)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COLLECTOR\tSERVER\tSTATUS\tROWS\tATTEMPTS\tALERTS")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", r.Collector, r.Server, r.Status, r.Rows, r.Attempts, strings.Join(r.Alerts, "; "))
	}
	return w.Flush()
}

func (a *app) sweep(ctx context.Context, out io.Writer) error {
	rt, err := server.Open(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	report := rt.Engine.Sweeper().SweepOnce(ctx)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tRETENTION\tDELETED\tERROR")
	for _, t := range report.Tables {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", t.Table, t.RetentionDays, t.Deleted, t.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if n := report.Failed(); n > 0 {
		return fmt.Errorf("%d tables failed to sweep", n)
	}
	return nil
}

// printBanner writes the startup banner.
func printBanner(out io.Writer) {
	fig := figure.NewFigure("dbpulse", "", true)
	for _, line := range fig.Slicify() {
		fmt.Fprintln(out, line)
	}
}
