package reconcile

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/nvelasco/ledgersync/internal/alegra"
)

// InvoiceStore is the slice of the store the ID reconciler needs.
type InvoiceStore interface {
	MaxInvoiceID(ctx context.Context) (int64, bool, error)
}

// IDProber answers the two metadata probes that bound an offset-paged
// fetch range.
type IDProber interface {
	LatestID(ctx context.Context, resource string, onOrBefore civil.Date) (int64, error)
	FirstID(ctx context.Context, resource string, onOrAfter civil.Date) (int64, error)
}

// IDPlan is the outcome of ID-variant reconciliation: the inclusive
// remote-identifier range to fetch. Empty reports nothing new.
type IDPlan struct {
	State   State
	StartID int64
	EndID   int64
}

// Empty reports whether there is no new range to process.
func (p IDPlan) Empty() bool {
	return p.StartID > p.EndID
}

// IDReconciler reconciles the identifier-partitioned variant (sales
// invoices). The checkpoint is one past the maximum persisted remote
// identifier; the remote end is probed through the date filter.
type IDReconciler struct {
	store       InvoiceStore
	probe       IDProber
	windowStart civil.Date
	log         zerolog.Logger
}

// NewIDReconciler builds an IDReconciler. windowStart is where a first
// run begins when the store is empty.
func NewIDReconciler(st InvoiceStore, probe IDProber, windowStart civil.Date, log zerolog.Logger) *IDReconciler {
	return &IDReconciler{store: st, probe: probe, windowStart: windowStart, log: log}
}

// Plan computes the identifier range [StartID, EndID] to fetch.
func (r *IDReconciler) Plan(ctx context.Context, today civil.Date) (IDPlan, error) {
	maxID, ok, err := r.store.MaxInvoiceID(ctx)
	if err != nil {
		return IDPlan{}, fmt.Errorf("Plan: checkpoint: %w", err)
	}

	var (
		state     State
		startID   int64
		probeDate civil.Date
	)
	if ok {
		state = StateConsistent
		startID = maxID + 1
		// Yesterday: the newest day may still be accumulating records
		// upstream, so it is not trusted as a range end yet.
		probeDate = today.AddDays(-1)
	} else {
		state = StateFresh
		startID, err = r.probe.FirstID(ctx, alegra.ResourceInvoices, r.windowStart)
		if err != nil {
			return IDPlan{}, fmt.Errorf("Plan: first remote id since %s: %w", r.windowStart, err)
		}
		probeDate = r.windowStart.AddDays(30)
		r.log.Info().Int64("start_id", startID).Stringer("window_start", r.windowStart).
			Msg("First run, seeding range from window start")
	}

	endID, err := r.probe.LatestID(ctx, alegra.ResourceInvoices, probeDate)
	if err != nil {
		if errors.Is(err, alegra.ErrNoRecords) {
			r.log.Info().Stringer("probe_date", probeDate).
				Msg("No remote records at or before probe date")
			return IDPlan{State: state, StartID: startID, EndID: startID - 1}, nil
		}
		return IDPlan{}, fmt.Errorf("Plan: latest remote id: %w", err)
	}

	r.log.Info().Int64("start_id", startID).Int64("end_id", endID).
		Msg("Identifier range planned")
	return IDPlan{State: state, StartID: startID, EndID: endID}, nil
}
