package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/permit-scheduler/internal/audit"
	"github.com/example/permit-scheduler/internal/auth"
	"github.com/example/permit-scheduler/internal/config"
	"github.com/example/permit-scheduler/internal/db"
	"github.com/example/permit-scheduler/internal/engine"
	"github.com/example/permit-scheduler/internal/hub"
	"github.com/example/permit-scheduler/internal/logging"
	"github.com/example/permit-scheduler/internal/migrate"
	"github.com/example/permit-scheduler/internal/recgov"
	"github.com/example/permit-scheduler/internal/registry"
	"github.com/example/permit-scheduler/internal/scheduler"
	"github.com/example/permit-scheduler/internal/snapshot"
	"github.com/example/permit-scheduler/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the acquisition engine + JSON API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			log, err := logging.New(cfg.Debug)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}
			if migrateUp {
				if err := migrate.Up(ctx, d); err != nil {
					return err
				}
			}

			authStore := auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey)

			h := hub.New()
			store := snapshot.NewFileStore(cfg.SnapshotPath)
			reg := registry.New(h, store, log)
			vault := registry.NewVault()

			recorder := audit.NewRecorder(d, log)
			unsubAudit := h.Subscribe(recorder.Record)
			defer func() {
				unsubAudit()
				recorder.Close()
			}()

			eng := &engine.Engine{
				Registry:         reg,
				Vault:            vault,
				Availability:     recgov.NewAvailabilityClient(cfg.RecGovBaseURL),
				Sessions:         recgov.NewDialer(cfg.RecGovBaseURL),
				Log:              log,
				PollInterval:     cfg.PollInterval,
				MaxWatchDuration: cfg.MaxWatchDuration,
			}

			sched := scheduler.New(reg, vault, eng, log, cfg.PreWarmLead, cfg.MaxWatchDuration)
			defer sched.Shutdown()

			if err := sched.Reconcile(ctx, store); err != nil {
				return fmt.Errorf("reconcile persisted jobs: %w", err)
			}

			ws := &web.Server{
				Auth:     authStore,
				Registry: reg,
				Vault:    vault,
				Sched:    sched,
				Hub:      h,
				Metadata: recgov.NewMetadataClient(cfg.RecGovBaseURL, time.Hour),
				Log:      log,
			}

			log.Infow("server starting",
				"listen_addr", cfg.ListenAddr,
				"poll_interval", cfg.PollInterval.String(),
				"pre_warm_lead", cfg.PreWarmLead.String(),
				"max_watch_duration", cfg.MaxWatchDuration.String(),
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return web.Start(gctx, cfg.ListenAddr, ws.Routes()) })
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
