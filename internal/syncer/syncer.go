// Package syncer orchestrates one synchronization run per record type:
// reconcile the resume point, fan the fetch out, flatten, append to the
// store, then regenerate the durable mirror. Each run reports a
// structured Summary; logging is a side channel, not the result.
package syncer

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nvelasco/ledgersync/internal/alegra"
	"github.com/nvelasco/ledgersync/internal/logger"
	"github.com/nvelasco/ledgersync/internal/reconcile"
	"github.com/nvelasco/ledgersync/internal/scheduler"
	"github.com/nvelasco/ledgersync/internal/store"
)

// Summary is the structured outcome of one run.
type Summary struct {
	RunID          string
	Resource       string
	State          reconcile.State
	Checkpoint     string
	Pages          int
	FailedPages    int
	RecordsFetched int
	RowsInserted   int
	// Degraded marks a run that completed but under-counted the remote
	// source (pages exhausted their retries) or could not upload the
	// mirror snapshot. The process still exits zero; the next run's
	// boundary validation repairs whatever a failed page left behind.
	Degraded bool
	Duration time.Duration
}

// PageScheduler fans page fetches out under the concurrency ceiling.
type PageScheduler interface {
	Fetch(ctx context.Context, pages []alegra.Page) scheduler.Result
}

// Uploader pushes the regenerated mirror snapshot off-host. Optional.
type Uploader func(ctx context.Context, path string) error

// InvoicePlanner computes the identifier range for a run.
type InvoicePlanner interface {
	Plan(ctx context.Context, today civil.Date) (reconcile.IDPlan, error)
}

// InvoiceStore is the slice of the store the invoice syncer drives.
type InvoiceStore interface {
	EnsureInvoiceSchema(ctx context.Context) error
	InsertInvoiceRows(ctx context.Context, rows []store.InvoiceRow) error
	ReadAllInvoices(ctx context.Context) ([]store.InvoiceRow, error)
	RepairInvoiceSequence(ctx context.Context) error
}

// InvoiceMirror regenerates the invoice export mirror.
type InvoiceMirror interface {
	WriteInvoices(rows []store.InvoiceRow) error
	Path() string
}

// BillPlanner computes the date range for a run.
type BillPlanner interface {
	Plan(ctx context.Context, today civil.Date) (reconcile.DatePlan, error)
}

// BillStore is the slice of the store the bill syncer drives.
type BillStore interface {
	EnsureBillSchema(ctx context.Context) error
	InsertBillRows(ctx context.Context, rows []store.BillRow) error
	ReadAllBills(ctx context.Context) ([]store.BillRow, error)
	RepairBillSequence(ctx context.Context) error
}

// BillMirror regenerates the bill export mirror.
type BillMirror interface {
	WriteBills(rows []store.BillRow) error
	Path() string
}

// today returns the current calendar date; swapped out in tests.
func today() civil.Date {
	return civil.DateOf(time.Now())
}

// newRunLogger derives the run logger from the context, so entry
// points control the sink and every event carries the run identity.
func newRunLogger(ctx context.Context, runID, resource string) zerolog.Logger {
	return logger.FromContext(ctx).With().
		Str("run_id", runID).Str("resource", resource).Logger()
}

func newRunID() string {
	return uuid.NewString()
}
