package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/Ship-Gate/ShipGate-sub013/internal/checks"
	"github.com/Ship-Gate/ShipGate-sub013/internal/config"
	"github.com/Ship-Gate/ShipGate-sub013/internal/db"
	"github.com/Ship-Gate/ShipGate-sub013/internal/fixes"
	"github.com/Ship-Gate/ShipGate-sub013/internal/gate"
	"github.com/Ship-Gate/ShipGate-sub013/internal/metrics"
	"github.com/Ship-Gate/ShipGate-sub013/internal/procedure"
	"github.com/Ship-Gate/ShipGate-sub013/internal/run"
	"github.com/Ship-Gate/ShipGate-sub013/internal/spec"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

type healOptions struct {
	target        string
	specPath      string
	maxIterations int
	write         bool
	commit        bool
	metricsFile   string
	output        string
	style         string
}

func healCmd() *cobra.Command {
	opts := healOptions{}
	cmd := &cobra.Command{
		Use:   "heal",
		Short: "Run a bounded healing session against a target",
		Long: "Gate the target, apply registered fix procedures until the gate ships or a bound is hit, " +
			"and write a proof bundle for the session.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHeal(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.target, "target", ".", "directory to heal")
	cmd.Flags().StringVar(&opts.specPath, "spec", "", "specification file (default: built-in http-handlers spec)")
	cmd.Flags().IntVar(&opts.maxIterations, "max-iterations", 0, "override healing.max_iterations")
	cmd.Flags().BoolVar(&opts.write, "write", false, "write healed files back to the target when the session ships")
	cmd.Flags().BoolVar(&opts.commit, "commit", false, "commit written files with git (implies --write)")
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "write prometheus metrics in text format to this file")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")
	cmd.Flags().StringVar(&opts.style, "style", "auto", "markdown style for the proof summary")
	return cmd
}

// targetRoot is the absolute directory a heal command works on.
type targetRoot string

func runHeal(ctx context.Context, opts healOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format %q", opts.output)
	}
	root, err := resolveTarget(opts.target)
	if err != nil {
		return err
	}
	specification, err := loadSpec(root, opts.specPath)
	if err != nil {
		return err
	}

	var (
		runner    *run.Runner
		collector *metrics.Collector
	)
	app := fx.New(
		fx.NopLogger,
		fx.Supply(targetRoot(root)),
		fx.Provide(
			provideConfig,
			provideDB,
			db.NewStore,
			provideRegistry,
			provideGate,
			provideChecks,
			provideMetrics,
			provideRunner,
		),
		fx.Populate(&runner, &collector),
	)
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := app.Stop(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("failed to stop heal dependencies")
		}
	}()

	res, err := runner.Heal(ctx, run.Request{
		Spec:          specification,
		MaxIterations: opts.maxIterations,
		Write:         opts.write,
		GitCommit:     opts.commit,
	})
	if err != nil {
		return err
	}

	if opts.metricsFile != "" {
		if err := collector.WriteTextfile(opts.metricsFile); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}

	switch opts.output {
	case "json":
		if res.Heal.Proof == nil {
			return fmt.Errorf("session %s produced no proof", res.SessionID)
		}
		data, err := res.Heal.Proof.JSON()
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(out, string(data)); err != nil {
			return err
		}
	default:
		if err := renderHeal(out, res, opts.style); err != nil {
			return err
		}
	}
	return res.Heal.Err()
}

func loadSpec(root, path string) (*spec.Specification, error) {
	if path == "" {
		return fixes.Spec(), nil
	}
	return spec.LoadFile(resolveConfigPath(root, path))
}

func provideConfig(root targetRoot) (config.Config, error) {
	return loadConfig(string(root))
}

func provideDB(lc fx.Lifecycle, root targetRoot) (*sql.DB, error) {
	database, err := openDB(string(root))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return database.Close() },
	})
	return database, nil
}

func provideRegistry() (*procedure.Registry, error) {
	return fixes.Registry()
}

// provideGate selects the configured external gate, or the built-in marker
// gate when no command is configured.
func provideGate(cfg config.Config) gate.Gate {
	if len(cfg.Gate.Cmd) == 0 {
		return fixes.Gate()
	}
	return gate.Command{Cmd: cfg.Gate.Cmd, Format: cfg.GateFormat()}
}

func provideChecks(cfg config.Config) checks.Runner {
	return cfg.CheckRunner()
}

func provideMetrics() *metrics.Collector {
	return metrics.New(nil)
}

func provideRunner(root targetRoot, cfg config.Config, store *db.Store, reg *procedure.Registry,
	g gate.Gate, c checks.Runner, m *metrics.Collector,
) (*run.Runner, error) {
	return run.NewRunner(string(root), cfg, store, run.Deps{
		Registry: reg,
		Gate:     g,
		Checks:   c,
		Observer: m,
	})
}
