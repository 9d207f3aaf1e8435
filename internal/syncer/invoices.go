package syncer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/nvelasco/ledgersync/internal/alegra"
	"github.com/nvelasco/ledgersync/internal/flatten"
)

// InvoiceSyncer runs one incremental invoice synchronization: plan the
// identifier range, fetch it page by page, flatten, append, repair the
// surrogate sequence and regenerate the mirror.
type InvoiceSyncer struct {
	planner  InvoicePlanner
	sched    PageScheduler
	store    InvoiceStore
	mirror   InvoiceMirror
	upload   Uploader
	pageSize int
	today    func() civil.Date
}

// NewInvoiceSyncer wires an invoice run. upload may be nil when no
// off-host snapshot is configured. Run logs through the logger carried
// in its context.
func NewInvoiceSyncer(planner InvoicePlanner, sched PageScheduler, st InvoiceStore, mirror InvoiceMirror, upload Uploader, pageSize int) *InvoiceSyncer {
	if pageSize < 1 {
		pageSize = 1
	}
	return &InvoiceSyncer{
		planner:  planner,
		sched:    sched,
		store:    st,
		mirror:   mirror,
		upload:   upload,
		pageSize: pageSize,
		today:    today,
	}
}

// Run executes one invoice synchronization pass.
func (s *InvoiceSyncer) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	sum := Summary{RunID: newRunID(), Resource: alegra.ResourceInvoices}
	log := newRunLogger(ctx, sum.RunID, sum.Resource)

	if err := s.store.EnsureInvoiceSchema(ctx); err != nil {
		return sum, fmt.Errorf("InvoiceSyncer.Run: ensure schema: %w", err)
	}

	plan, err := s.planner.Plan(ctx, s.today())
	if err != nil {
		return sum, fmt.Errorf("InvoiceSyncer.Run: plan: %w", err)
	}
	sum.State = plan.State
	sum.Checkpoint = strconv.FormatInt(plan.StartID, 10)

	if plan.Empty() {
		log.Info().Int64("start_id", plan.StartID).Msg("invoices already current")
		if err := s.finish(ctx, log, &sum); err != nil {
			return sum, err
		}
		sum.Duration = time.Since(start)
		return sum, nil
	}

	pages := offsetPages(plan.StartID, plan.EndID, s.pageSize)
	sum.Pages = len(pages)
	log.Info().
		Int64("start_id", plan.StartID).
		Int64("end_id", plan.EndID).
		Int("pages", len(pages)).
		Msg("fetching invoice range")

	res := s.sched.Fetch(ctx, pages)
	sum.FailedPages = len(res.Failed)
	if sum.FailedPages > 0 {
		sum.Degraded = true
	}

	records := inRange(res.Records(pages), plan.StartID, plan.EndID)
	sum.RecordsFetched = len(records)

	rows := flatten.Invoices(log, records)
	if len(rows) > 0 {
		if err := s.store.InsertInvoiceRows(ctx, rows); err != nil {
			return sum, fmt.Errorf("InvoiceSyncer.Run: insert rows: %w", err)
		}
	}
	sum.RowsInserted = len(rows)

	if err := s.finish(ctx, log, &sum); err != nil {
		return sum, err
	}

	sum.Duration = time.Since(start)
	log.Info().
		Int("pages", sum.Pages).
		Int("failed_pages", sum.FailedPages).
		Int("records", sum.RecordsFetched).
		Int("rows", sum.RowsInserted).
		Bool("degraded", sum.Degraded).
		Dur("duration", sum.Duration).
		Msg("invoice run complete")
	return sum, nil
}

// finish repairs the sequence and regenerates the mirror. It runs on
// every pass, including no-op ones, so the mirror always reflects the
// store.
func (s *InvoiceSyncer) finish(ctx context.Context, log zerolog.Logger, sum *Summary) error {
	if err := s.store.RepairInvoiceSequence(ctx); err != nil {
		return fmt.Errorf("InvoiceSyncer.finish: repair sequence: %w", err)
	}
	rows, err := s.store.ReadAllInvoices(ctx)
	if err != nil {
		return fmt.Errorf("InvoiceSyncer.finish: read store: %w", err)
	}
	if err := s.mirror.WriteInvoices(rows); err != nil {
		return fmt.Errorf("InvoiceSyncer.finish: write mirror: %w", err)
	}
	if s.upload != nil {
		if err := s.upload(ctx, s.mirror.Path()); err != nil {
			sum.Degraded = true
			log.Warn().Err(err).Msg("mirror snapshot upload failed")
		}
	}
	return nil
}

// offsetPages splits [startID, endID] into offset-paged requests. The
// remote orders by id ascending, so offsets line up with identifiers.
func offsetPages(startID, endID int64, pageSize int) []alegra.Page {
	var pages []alegra.Page
	for off := startID; off <= endID; off += int64(pageSize) {
		pages = append(pages, alegra.Page{
			Resource: alegra.ResourceInvoices,
			Offset:   int(off),
			Limit:    pageSize,
		})
	}
	return pages
}

// inRange drops records whose identifier falls outside the planned
// window. Offset pages can overshoot the probed end when new records
// land mid-run; those arrive again on the next pass.
func inRange(records []alegra.Record, startID, endID int64) []alegra.Record {
	kept := records[:0:0]
	for _, rec := range records {
		if rec.ID != nil && (*rec.ID < startID || *rec.ID > endID) {
			continue
		}
		kept = append(kept, rec)
	}
	return kept
}
