package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"pipeline-patcher/internal/artifacts"
	"pipeline-patcher/internal/controller"
	"pipeline-patcher/internal/lock"
	"pipeline-patcher/internal/models"
	"pipeline-patcher/internal/patch"
	"pipeline-patcher/internal/pipeline"
	"pipeline-patcher/internal/registry"
	"pipeline-patcher/internal/telemetry"
	"pipeline-patcher/internal/tracker"
)

var (
	levelFlag    string
	manifestFlag string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Patch every pending job once",
	Long: `Select jobs by level and patch them, one subject at a time.

Levels are cumulative:
  new      jobs that never finished an attempt
  error    adds jobs whose last verdict was error
  partial  adds jobs whose last verdict was partial-success
  all      every job, rebuilding even settled artifacts`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, level, cleanup, err := buildController(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()
		sum, err := ctrl.Run(cmd.Context(), level)
		if err != nil {
			return err
		}
		printSummary(cmd, sum)
		return nil
	},
}

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Patch pending jobs repeatedly and expose metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, level, cleanup, err := buildController(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		interval := watchInterval
		if interval <= 0 {
			interval = cfg.WatchInterval
		}
		metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(ctx)
		}()

		logger.Info("watching for pending jobs", "level", level.String(), "interval", interval, "metrics", cfg.MetricsAddr)
		err = ctrl.Watch(cmd.Context(), level, interval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, watchCmd} {
		c.Flags().StringVar(&levelFlag, "level", "", "selectivity level: new, error, partial or all (default from PATCH_LEVEL)")
		c.Flags().StringVar(&manifestFlag, "manifest", "", "pipeline manifest (default from PIPELINE_MANIFEST)")
	}
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "time between passes (default from WATCH_INTERVAL)")
	rootCmd.AddCommand(runCmd, watchCmd)
}

// loadRegistry reads the manifest, binds adapters and syncs the catalog.
func loadRegistry(ctx context.Context) (*registry.Registry, error) {
	path := manifestFlag
	if path == "" {
		path = cfg.ManifestPath
	}
	m, err := pipeline.Load(path)
	if err != nil {
		return nil, err
	}
	binder := &artifacts.Binder{Bucket: cfg.S3Bucket, Root: cfg.LocalRoot, Logger: logger}
	if cfg.S3Bucket != "" {
		client, err := artifacts.NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		binder.S3 = client
	}
	reg, err := m.Build(binder.Bind)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	if err := backend.SyncKinds(ctx, reg.Catalog()); err != nil {
		return nil, fmt.Errorf("sync kinds: %w", err)
	}
	return reg, nil
}

func buildController(ctx context.Context) (*controller.Controller, models.Level, func(), error) {
	spelling := levelFlag
	if spelling == "" {
		spelling = cfg.Level
	}
	level, err := models.ParseLevel(spelling)
	if err != nil {
		return nil, 0, nil, err
	}
	reg, err := loadRegistry(ctx)
	if err != nil {
		return nil, 0, nil, err
	}

	tr := tracker.New(backend, tracker.WithErrorLimits(cfg.ErrorListLimit, cfg.ErrorTextLimit))
	orch := patch.New(reg, tr, logger, patch.Options{Workers: cfg.Workers, ArtifactTimeout: cfg.ArtifactTimeout})

	cleanup := func() {}
	var locker lock.Locker = lock.Noop{}
	if cfg.RedisAddr != "" {
		rl := lock.NewRedisLocker(cfg)
		if err := rl.Ping(ctx); err != nil {
			_ = rl.Close()
			return nil, 0, nil, fmt.Errorf("connect redis: %w", err)
		}
		locker = rl
		cleanup = func() { _ = rl.Close() }
	}
	return controller.New(backend, orch, locker, logger, cfg.Partitions), level, cleanup, nil
}

func printSummary(cmd *cobra.Command, sum controller.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "selected %d job(s)\n", sum.Selected)
	for _, v := range []models.Verdict{models.VerdictSuccess, models.VerdictPartial, models.VerdictError} {
		if n := sum.Verdicts[v]; n > 0 {
			fmt.Fprintf(out, "  %-16s %d\n", v, n)
		}
	}
	if sum.Failed > 0 {
		fmt.Fprintf(out, "  %-16s %d\n", "aborted", sum.Failed)
	}
	for _, p := range sum.Skipped {
		fmt.Fprintf(out, "  skipped partition %s (locked)\n", p)
	}
}
