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
	sched := scheduler.New(client, cfg.Invoices.Concurrency, log)
	planner := reconcile.NewIDReconciler(st, client, cfg.Invoices.WindowStart, log)
	exp := mirror.NewExporter(cfg.InvoiceMirror.Path, log)

	var upload syncer.Uploader
	if cfg.InvoiceMirror.Bucket != "" {
		bucket, object := cfg.InvoiceMirror.Bucket, cfg.InvoiceMirror.Object
		upload = func(ctx context.Context, path string) error {
			return mirror.UploadSnapshot(ctx, bucket, object, path)
		}
	}

	run := syncer.NewInvoiceSyncer(planner, sched, st, exp, upload, cfg.API.PageSize)

	log.Info().Msg("Starting invoice synchronization")

	sum, err := run.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Invoice synchronization failed")
	}

	fmt.Printf("Invoice sync complete: %d rows inserted across %d pages (%d failed) in %s.\n",
		sum.RowsInserted, sum.Pages, sum.FailedPages, sum.Duration.Round(time.Millisecond))
}
