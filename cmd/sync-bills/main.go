package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nvelasco/ledgersync/internal/alegra"
	"github.com/nvelasco/ledgersync/internal/config"
	"github.com/nvelasco/ledgersync/internal/logger"
	"github.com/nvelasco/ledgersync/internal/mirror"
	"github.com/nvelasco/ledgersync/internal/reconcile"
	"github.com/nvelasco/ledgersync/internal/scheduler"
	"github.com/nvelasco/ledgersync/internal/store"
	"github.com/nvelasco/ledgersync/internal/syncer"
)

func main() {
	// Initialize structured logger
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration failed")
	}

	// Create context with timeout so a stuck run doesn't hang forever
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	// Add logger to context
	ctx = logger.WithContext(ctx, log)

	st, err := store.Open(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Store connection failed")
	}
	defer st.Close()

	client := alegra.NewClient(cfg.API, log)
	sched := scheduler.New(client, cfg.Bills.Concurrency, log)
	planner := reconcile.NewDateReconciler(st, client, cfg.Bills.WindowStart, log)
	exp := mirror.NewExporter(cfg.BillMirror.Path, log)

	var upload syncer.Uploader
	if cfg.BillMirror.Bucket != "" {
		bucket, object := cfg.BillMirror.Bucket, cfg.BillMirror.Object
		upload = func(ctx context.Context, path string) error {
			return mirror.UploadSnapshot(ctx, bucket, object, path)
		}
	}

	run := syncer.NewBillSyncer(planner, sched, st, exp, upload)

	log.Info().Msg("Starting bill synchronization")

	sum, err := run.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Bill synchronization failed")
	}

	fmt.Printf("Bill sync complete: %d rows inserted across %d days (%d failed) in %s.\n",
		sum.RowsInserted, sum.Pages, sum.FailedPages, sum.Duration.Round(time.Millisecond))
}
