// Package reconcile decides where a sync run resumes. It compares the
// store's boundary period against the remote source and repairs the
// boundary when the two disagree, so interrupted runs recover on the
// next pass instead of leaving partial days behind.
package reconcile

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/nvelasco/ledgersync/internal/alegra"
	"github.com/nvelasco/ledgersync/internal/flatten"
	"github.com/nvelasco/ledgersync/internal/store"
)

// State names the reconciliation outcome for one run.
type State string

const (
	// StateFresh means no local data existed; the store was bootstrapped.
	StateFresh State = "fresh"
	// StateConsistent means the boundary period matched the remote count.
	StateConsistent State = "consistent"
	// StateDivergent means the boundary period mismatched and was repaired.
	StateDivergent State = "divergent"
	// StateUnverified means validation could not run; the last known
	// checkpoint is trusted without repair so the run still progresses.
	StateUnverified State = "unverified"
)

// BillStore is the slice of the store the date reconciler needs.
type BillStore interface {
	MaxBillDate(ctx context.Context) (civil.Date, bool, error)
	CountBillsOnDate(ctx context.Context, d civil.Date) (int64, error)
	DeleteBillsOnDate(ctx context.Context, d civil.Date) (int64, error)
	InsertBillRows(ctx context.Context, rows []store.BillRow) error
}

// DayFetcher fetches every record of one exact calendar day.
type DayFetcher interface {
	FetchDate(ctx context.Context, resource string, d civil.Date) ([]alegra.Record, error)
}

// DatePlan is the outcome of date-variant reconciliation: the dates to
// fetch, oldest first. An empty Dates means nothing new to process.
type DatePlan struct {
	State  State
	Resume civil.Date
	Dates  []civil.Date
}

// DateReconciler reconciles the date-partitioned variant (vendor
// bills). The boundary key is the newest persisted calendar date.
type DateReconciler struct {
	store     BillStore
	fetcher   DayFetcher
	bootstrap civil.Date
	log       zerolog.Logger
}

// NewDateReconciler builds a DateReconciler. bootstrap is the nominal
// date of the seed dataset written on a first run.
func NewDateReconciler(st BillStore, fetcher DayFetcher, bootstrap civil.Date, log zerolog.Logger) *DateReconciler {
	return &DateReconciler{store: st, fetcher: fetcher, bootstrap: bootstrap, log: log}
}

// Plan computes the resume point, repairing the boundary day first when
// it diverged. The repair delete commits before Plan returns, so any
// subsequent fetch of that day starts from a clean slate.
func (r *DateReconciler) Plan(ctx context.Context, today civil.Date) (DatePlan, error) {
	last, ok, err := r.store.MaxBillDate(ctx)
	if err != nil {
		return DatePlan{}, fmt.Errorf("Plan: boundary date: %w", err)
	}

	if !ok {
		if err := r.seedBootstrap(ctx); err != nil {
			return DatePlan{}, fmt.Errorf("Plan: bootstrap: %w", err)
		}
		resume := r.bootstrap.AddDays(1)
		r.log.Info().Stringer("resume", resume).Msg("First run, store bootstrapped")
		return DatePlan{State: StateFresh, Resume: resume, Dates: datesUntil(resume, today)}, nil
	}

	state, resume := r.validateBoundary(ctx, last)
	return DatePlan{State: state, Resume: resume, Dates: datesUntil(resume, today)}, nil
}

// validateBoundary compares local and remote line counts at the
// boundary date. Validation failures fail open: the checkpoint is
// trusted and no repair runs, favoring forward progress.
func (r *DateReconciler) validateBoundary(ctx context.Context, last civil.Date) (State, civil.Date) {
	localCount, err := r.store.CountBillsOnDate(ctx, last)
	if err != nil {
		r.log.Warn().Stringer("boundary", last).Err(err).
			Msg("Cannot count boundary day locally, trusting checkpoint without repair")
		return StateUnverified, last.AddDays(1)
	}

	records, err := r.fetcher.FetchDate(ctx, alegra.ResourceBills, last)
	if err != nil {
		r.log.Warn().Stringer("boundary", last).Err(err).
			Msg("Cannot fetch boundary day remotely, trusting checkpoint without repair")
		return StateUnverified, last.AddDays(1)
	}
	remoteCount := int64(len(flatten.Bills(r.log, records)))

	r.log.Info().Stringer("boundary", last).Int64("local", localCount).
		Int64("remote", remoteCount).Msg("Boundary counts compared")

	if localCount == remoteCount {
		return StateConsistent, last.AddDays(1)
	}

	// The boundary day was captured incompletely (e.g. a prior run was
	// interrupted mid-page). Drop it wholesale and re-fetch it in full.
	deleted, err := r.store.DeleteBillsOnDate(ctx, last)
	if err != nil {
		r.log.Error().Stringer("boundary", last).Err(err).
			Msg("Boundary repair delete failed, trusting checkpoint without repair")
		return StateUnverified, last.AddDays(1)
	}

	r.log.Info().Stringer("boundary", last).Int64("deleted", deleted).
		Msg("Divergent boundary day deleted, re-fetching in full")
	return StateDivergent, last
}

// seedBootstrap writes the fixed first-run dataset so the table exists
// and the pipeline has a non-empty baseline.
func (r *DateReconciler) seedBootstrap(ctx context.Context) error {
	return r.store.InsertBillRows(ctx, BootstrapBillRows(r.bootstrap))
}

// datesUntil lists every day from resume through end inclusive, oldest
// first. Empty when resume is past end.
func datesUntil(resume, end civil.Date) []civil.Date {
	var dates []civil.Date
	for d := resume; !end.Before(d); d = d.AddDays(1) {
		dates = append(dates, d)
	}
	return dates
}
