package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thaitype/serverless-rate-limiter/internal/admin"
	"github.com/thaitype/serverless-rate-limiter/internal/config"
	"github.com/thaitype/serverless-rate-limiter/internal/engine"
	"github.com/thaitype/serverless-rate-limiter/internal/logging"
	"github.com/thaitype/serverless-rate-limiter/internal/output"
	"github.com/thaitype/serverless-rate-limiter/internal/policy"
	"github.com/thaitype/serverless-rate-limiter/internal/version"
	"github.com/thaitype/serverless-rate-limiter/internal/watcher"
)

// errBreached is returned by srl check --fail-on-breach when at least one
// target is over its threshold.
var errBreached = errors.New("threshold breached")

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	rulesPath  string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "srl",
		Short:         "Serverless rate limiter: stop cloud resources that overspend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "App config file (default: $SRL_CONFIG or srl.yaml)")
	root.PersistentFlags().StringVar(&flags.rulesPath, "rules", "", "Rules document (overrides rules_file in the app config)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")

	root.AddCommand(newRunCmd(&flags))
	root.AddCommand(newValidateCmd(&flags))
	root.AddCommand(newCheckCmd(&flags))
	root.AddCommand(newDoctorCmd(&flags))
	root.AddCommand(newVersionCmd())
	return root
}

// loadConfig reads the app config, applies the persistent flag overrides and
// configures logging to w.
func loadConfig(flags *globalFlags, w io.Writer) (*config.Config, error) {
	cfg, err := config.NewFileLoader(flags.configPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.rulesPath != "" {
		cfg.RulesFile = flags.rulesPath
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if err := logging.Setup(cfg.Log, w); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Schedule every rule and enforce thresholds until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			deps, closeDeps, err := buildDependencies(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeDeps()

			return runDaemon(ctx, cfg, deps)
		},
	}
}

// runDaemon starts the engine on the rules file and blocks until ctx is done
// or the admin server fails. In-flight firings are drained before returning.
func runDaemon(ctx context.Context, cfg *config.Config, deps engine.Dependencies) error {
	snap, err := policy.LoadSnapshot(cfg.RulesFile)
	if err != nil {
		return err
	}
	warnUncovered(snap, deps)

	opts := engine.OptionsFromConfig(cfg)
	eng := engine.NewDefaultEngine(deps, opts)

	// Firings outlive the signal so they can finish their stop calls; they
	// are cancelled only once the drain below gives up.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()
	if err := eng.Start(runCtx, snap); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	w := watcher.New(cfg.RulesFile, cfg.Watch.Interval, eng.Reload)
	if err := w.Prime(); err != nil {
		log.WithError(err).Warn("could not hash rules file; first poll will reload it")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if cfg.Watch.Enabled {
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
	}
	if cfg.Admin.Listen != "" {
		srv := admin.NewServer(eng, w.Reload)
		g.Go(func() error {
			if err := srv.ListenAndServe(gctx, cfg.Admin.Listen); err != nil {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	runErr := g.Wait()

	drain := cfg.Timeouts.Shutdown
	if drain <= 0 {
		drain = opts.DrainTimeout()
	}
	log.WithField("timeout", drain).Info("shutting down; draining in-flight rules")
	eng.Stop()
	drainCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := eng.Wait(drainCtx); err != nil {
		log.WithError(err).Warn("in-flight rules did not finish; cancelling")
	}
	return runErr
}

// ---------------------------------------------------------------------------
// validate
// ---------------------------------------------------------------------------

func newValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [rules-file]",
		Short: "Validate a rules document without contacting any provider",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			path := cfg.RulesFile
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(cmd.OutOrStdout(), path)
		},
	}
}

// runValidate prints every problem of the document at path. It returns an
// error when the document is invalid.
func runValidate(w io.Writer, path string) error {
	snap, err := policy.LoadSnapshot(path)
	if err != nil {
		var cfgErr *policy.ConfigError
		if !errors.As(err, &cfgErr) {
			return err
		}
		fmt.Fprintf(w, "%s: invalid\n", path)
		for _, e := range cfgErr.Errs {
			fmt.Fprintf(w, "  - %s\n", e)
		}
		return fmt.Errorf("%s: %d problem(s)", path, len(cfgErr.Errs))
	}

	fmt.Fprintf(w, "%s: valid\n", path)
	fmt.Fprintf(w, "  rules:   %d (%d enabled)\n", len(snap.Rules), len(snap.Enabled()))
	fmt.Fprintf(w, "  targets: %d\n", targetCount(snap))
	fmt.Fprintf(w, "  hash:    %s\n", snap.Hash)
	return nil
}

func targetCount(snap *policy.Snapshot) int {
	n := 0
	for _, r := range snap.Rules {
		n += len(r.TargetResources)
	}
	return n
}

// ---------------------------------------------------------------------------
// check
// ---------------------------------------------------------------------------

// checkOptions are the flags of srl check.
type checkOptions struct {
	enforce      bool
	format       string
	colored      bool
	failOnBreach bool
	timeout      time.Duration
}

func newCheckCmd(flags *globalFlags) *cobra.Command {
	var opts checkOptions

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate every enabled rule once (dry run unless --enforce)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != "table" && opts.format != "json" {
				return fmt.Errorf("--output: unsupported format %q (want table or json)", opts.format)
			}
			cfg, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			snap, err := policy.LoadSnapshot(cfg.RulesFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}

			deps, closeDeps, err := buildDependencies(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeDeps()

			engOpts := engine.OptionsFromConfig(cfg)
			eng := engine.NewDefaultEngine(deps, engOpts)
			return runCheck(ctx, eng, snap, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.enforce, "enforce", false, "Stop and notify on breach exactly as srl run would")
	cmd.Flags().StringVar(&opts.format, "output", "table", "Output format: table or json")
	cmd.Flags().BoolVar(&opts.colored, "color", false, "Color the STATUS column")
	cmd.Flags().BoolVar(&opts.failOnBreach, "fail-on-breach", false, "Exit non-zero when any target is over its threshold")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Abort the whole check after this duration (0 = no limit)")
	return cmd
}

// checker is the part of engine.Engine srl check needs.
type checker interface {
	Check(ctx context.Context, snap *policy.Snapshot, enforce bool) ([]engine.CheckResult, error)
}

// runCheck evaluates snap once and renders the results to w.
func runCheck(ctx context.Context, eng checker, snap *policy.Snapshot, w io.Writer, opts checkOptions) error {
	results, err := eng.Check(ctx, snap, opts.enforce)
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}

	switch opts.format {
	case "json":
		if err := output.RenderJSON(w, results); err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
	default:
		output.RenderTable(w, results, output.TableOptions{
			Colored:        opts.colored,
			IncludeActions: opts.enforce,
		})
	}

	if opts.failOnBreach {
		breached := 0
		for _, r := range results {
			if output.Status(r) == output.StatusBreached {
				breached++
			}
		}
		if breached > 0 {
			return fmt.Errorf("%d target(s): %w", breached, errBreached)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), version.Info())
		},
	}
}
