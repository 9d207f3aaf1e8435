package syncer

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/nvelasco/ledgersync/internal/alegra"
	"github.com/nvelasco/ledgersync/internal/flatten"
)

// BillSyncer runs one incremental bill synchronization: validate the
// boundary day, fetch one page per pending calendar date, flatten,
// append, repair the surrogate sequence and regenerate the mirror.
type BillSyncer struct {
	planner BillPlanner
	sched   PageScheduler
	store   BillStore
	mirror  BillMirror
	upload  Uploader
	today   func() civil.Date
}

// NewBillSyncer wires a bill run. upload may be nil when no off-host
// snapshot is configured. Run logs through the logger carried in its
// context.
func NewBillSyncer(planner BillPlanner, sched PageScheduler, st BillStore, mirror BillMirror, upload Uploader) *BillSyncer {
	return &BillSyncer{
		planner: planner,
		sched:   sched,
		store:   st,
		mirror:  mirror,
		upload:  upload,
		today:   today,
	}
}

// Run executes one bill synchronization pass.
func (s *BillSyncer) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	sum := Summary{RunID: newRunID(), Resource: alegra.ResourceBills}
	log := newRunLogger(ctx, sum.RunID, sum.Resource)

	if err := s.store.EnsureBillSchema(ctx); err != nil {
		return sum, fmt.Errorf("BillSyncer.Run: ensure schema: %w", err)
	}

	plan, err := s.planner.Plan(ctx, s.today())
	if err != nil {
		return sum, fmt.Errorf("BillSyncer.Run: plan: %w", err)
	}
	sum.State = plan.State
	sum.Checkpoint = plan.Resume.String()

	if len(plan.Dates) == 0 {
		log.Info().Str("resume", plan.Resume.String()).Msg("bills already current")
		if err := s.finish(ctx, log, &sum); err != nil {
			return sum, err
		}
		sum.Duration = time.Since(start)
		return sum, nil
	}

	pages := datePages(plan.Dates)
	sum.Pages = len(pages)
	log.Info().
		Str("state", string(plan.State)).
		Str("from", plan.Dates[0].String()).
		Str("to", plan.Dates[len(plan.Dates)-1].String()).
		Int("days", len(pages)).
		Msg("fetching bill range")

	res := s.sched.Fetch(ctx, pages)
	sum.FailedPages = len(res.Failed)
	if sum.FailedPages > 0 {
		sum.Degraded = true
	}

	records := res.Records(pages)
	sum.RecordsFetched = len(records)

	rows := flatten.Bills(log, records)
	if len(rows) > 0 {
		if err := s.store.InsertBillRows(ctx, rows); err != nil {
			return sum, fmt.Errorf("BillSyncer.Run: insert rows: %w", err)
		}
	}
	sum.RowsInserted = len(rows)

	if err := s.finish(ctx, log, &sum); err != nil {
		return sum, err
	}

	sum.Duration = time.Since(start)
	log.Info().
		Int("days", sum.Pages).
		Int("failed_days", sum.FailedPages).
		Int("records", sum.RecordsFetched).
		Int("rows", sum.RowsInserted).
		Bool("degraded", sum.Degraded).
		Dur("duration", sum.Duration).
		Msg("bill run complete")
	return sum, nil
}

func (s *BillSyncer) finish(ctx context.Context, log zerolog.Logger, sum *Summary) error {
	if err := s.store.RepairBillSequence(ctx); err != nil {
		return fmt.Errorf("BillSyncer.finish: repair sequence: %w", err)
	}
	rows, err := s.store.ReadAllBills(ctx)
	if err != nil {
		return fmt.Errorf("BillSyncer.finish: read store: %w", err)
	}
	if err := s.mirror.WriteBills(rows); err != nil {
		return fmt.Errorf("BillSyncer.finish: write mirror: %w", err)
	}
	if s.upload != nil {
		if err := s.upload(ctx, s.mirror.Path()); err != nil {
			sum.Degraded = true
			log.Warn().Err(err).Msg("mirror snapshot upload failed")
		}
	}
	return nil
}

// datePages builds one date-filtered request per pending day.
func datePages(dates []civil.Date) []alegra.Page {
	pages := make([]alegra.Page, 0, len(dates))
	for _, d := range dates {
		pages = append(pages, alegra.Page{
			Resource: alegra.ResourceBills,
			Date:     d,
		})
	}
	return pages
}
