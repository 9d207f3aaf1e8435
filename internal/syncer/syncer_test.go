package syncer

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvelasco/ledgersync/internal/alegra"
	"github.com/nvelasco/ledgersync/internal/logger"
	"github.com/nvelasco/ledgersync/internal/reconcile"
	"github.com/nvelasco/ledgersync/internal/scheduler"
	"github.com/nvelasco/ledgersync/internal/store"
)

var fixedToday = civil.Date{Year: 2023, Month: 5, Day: 12}

// testCtx carries a silenced logger, the way the entry points carry
// the real one.
func testCtx() context.Context {
	return logger.WithContext(context.Background(), zerolog.Nop())
}

// fakeScheduler replays canned page results and records what was asked.
type fakeScheduler struct {
	results map[alegra.Page]alegra.PageResult
	fail    map[alegra.Page]bool
	pages   []alegra.Page
}

func (f *fakeScheduler) Fetch(ctx context.Context, pages []alegra.Page) scheduler.Result {
	f.pages = pages
	res := scheduler.Result{Pages: make(map[alegra.Page]alegra.PageResult, len(pages))}
	for _, p := range pages {
		if f.fail[p] {
			res.Failed = append(res.Failed, p)
			continue
		}
		if r, ok := f.results[p]; ok {
			res.Pages[p] = r
		} else {
			res.Pages[p] = alegra.PageResult{Page: p}
		}
	}
	return res
}

type fakeIDPlanner struct {
	plan reconcile.IDPlan
	err  error
}

func (f fakeIDPlanner) Plan(ctx context.Context, today civil.Date) (reconcile.IDPlan, error) {
	return f.plan, f.err
}

type fakeDatePlanner struct {
	plan reconcile.DatePlan
	err  error
}

func (f fakeDatePlanner) Plan(ctx context.Context, today civil.Date) (reconcile.DatePlan, error) {
	return f.plan, f.err
}

// fakeStore backs both syncer variants in memory.
type fakeStore struct {
	invoices []store.InvoiceRow
	bills    []store.BillRow

	schemaEnsured bool
	repairs       int
	insertErr     error
}

func (f *fakeStore) EnsureInvoiceSchema(ctx context.Context) error { f.schemaEnsured = true; return nil }
func (f *fakeStore) EnsureBillSchema(ctx context.Context) error    { f.schemaEnsured = true; return nil }

func (f *fakeStore) InsertInvoiceRows(ctx context.Context, rows []store.InvoiceRow) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.invoices = append(f.invoices, rows...)
	return nil
}

func (f *fakeStore) InsertBillRows(ctx context.Context, rows []store.BillRow) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.bills = append(f.bills, rows...)
	return nil
}

func (f *fakeStore) ReadAllInvoices(ctx context.Context) ([]store.InvoiceRow, error) {
	return f.invoices, nil
}

func (f *fakeStore) ReadAllBills(ctx context.Context) ([]store.BillRow, error) {
	return f.bills, nil
}

func (f *fakeStore) RepairInvoiceSequence(ctx context.Context) error { f.repairs++; return nil }
func (f *fakeStore) RepairBillSequence(ctx context.Context) error    { f.repairs++; return nil }

// fakeMirror captures the last snapshot it was handed.
type fakeMirror struct {
	invoices []store.InvoiceRow
	bills    []store.BillRow
	writes   int
}

func (f *fakeMirror) WriteInvoices(rows []store.InvoiceRow) error {
	f.invoices = rows
	f.writes++
	return nil
}

func (f *fakeMirror) WriteBills(rows []store.BillRow) error {
	f.bills = rows
	f.writes++
	return nil
}

func (f *fakeMirror) Path() string { return "/tmp/mirror.csv" }

func invoiceRecord(id int64, day civil.Date, items int) alegra.Record {
	rec := alegra.Record{ID: &id, Date: &day, Datetime: "2023-05-10 09:00:00"}
	for i := 0; i < items; i++ {
		itemID := int64(i + 1)
		rec.Items = append(rec.Items, alegra.LineItem{ID: &itemID, Name: "Item"})
	}
	return rec
}

func TestInvoiceSyncer_Run(t *testing.T) {
	day := civil.Date{Year: 2023, Month: 5, Day: 10}
	pageA := alegra.Page{Resource: alegra.ResourceInvoices, Offset: 513, Limit: 30}
	pageB := alegra.Page{Resource: alegra.ResourceInvoices, Offset: 543, Limit: 30}

	sched := &fakeScheduler{results: map[alegra.Page]alegra.PageResult{
		pageA: {Page: pageA, Records: []alegra.Record{
			invoiceRecord(513, day, 2),
			invoiceRecord(514, day, 1),
		}},
		pageB: {Page: pageB, Records: []alegra.Record{
			invoiceRecord(545, day, 1),
			invoiceRecord(999, day, 1), // past the probed end, arrives next run
		}},
	}}
	st := &fakeStore{}
	mir := &fakeMirror{}

	planner := fakeIDPlanner{plan: reconcile.IDPlan{State: reconcile.StateConsistent, StartID: 513, EndID: 545}}
	s := NewInvoiceSyncer(planner, sched, st, mir, nil, 30)
	s.today = func() civil.Date { return fixedToday }

	sum, err := s.Run(testCtx())
	require.NoError(t, err)

	assert.True(t, st.schemaEnsured)
	assert.Equal(t, []alegra.Page{pageA, pageB}, sched.pages)
	assert.Equal(t, 2, sum.Pages)
	assert.Equal(t, 0, sum.FailedPages)
	assert.Equal(t, 3, sum.RecordsFetched, "out-of-range record must be dropped")
	assert.Equal(t, 4, sum.RowsInserted)
	assert.False(t, sum.Degraded)
	assert.Equal(t, "513", sum.Checkpoint)

	require.Len(t, st.invoices, 4)
	assert.Equal(t, 1, st.repairs)
	assert.Equal(t, st.invoices, mir.invoices, "mirror must reflect the full store")
}

func TestInvoiceSyncer_Run_FailedPageDegradesButCompletes(t *testing.T) {
	day := civil.Date{Year: 2023, Month: 5, Day: 10}
	pageA := alegra.Page{Resource: alegra.ResourceInvoices, Offset: 1, Limit: 30}
	pageB := alegra.Page{Resource: alegra.ResourceInvoices, Offset: 31, Limit: 30}

	sched := &fakeScheduler{
		results: map[alegra.Page]alegra.PageResult{
			pageA: {Page: pageA, Records: []alegra.Record{invoiceRecord(5, day, 1)}},
		},
		fail: map[alegra.Page]bool{pageB: true},
	}
	st := &fakeStore{}
	mir := &fakeMirror{}

	planner := fakeIDPlanner{plan: reconcile.IDPlan{State: reconcile.StateConsistent, StartID: 1, EndID: 60}}
	s := NewInvoiceSyncer(planner, sched, st, mir, nil, 30)
	s.today = func() civil.Date { return fixedToday }

	sum, err := s.Run(testCtx())
	require.NoError(t, err, "a failed page degrades the run, it does not abort it")

	assert.True(t, sum.Degraded)
	assert.Equal(t, 1, sum.FailedPages)
	assert.Equal(t, 1, sum.RowsInserted, "surviving pages still land")
	assert.Equal(t, 1, mir.writes)
}

func TestInvoiceSyncer_Run_EmptyPlanStillRegeneratesMirror(t *testing.T) {
	st := &fakeStore{invoices: []store.InvoiceRow{{RemoteID: 1, ItemID: 1}}}
	mir := &fakeMirror{}
	sched := &fakeScheduler{}

	planner := fakeIDPlanner{plan: reconcile.IDPlan{State: reconcile.StateConsistent, StartID: 513, EndID: 512}}
	s := NewInvoiceSyncer(planner, sched, st, mir, nil, 30)
	s.today = func() civil.Date { return fixedToday }

	sum, err := s.Run(testCtx())
	require.NoError(t, err)

	assert.Zero(t, sum.Pages)
	assert.Zero(t, sum.RowsInserted)
	assert.Nil(t, sched.pages, "no fetch should run on an empty plan")
	assert.Equal(t, 1, mir.writes, "mirror regenerates even on a no-op run")
	assert.Equal(t, 1, st.repairs)
}

func TestInvoiceSyncer_Run_InsertErrorIsFatal(t *testing.T) {
	day := civil.Date{Year: 2023, Month: 5, Day: 10}
	page := alegra.Page{Resource: alegra.ResourceInvoices, Offset: 1, Limit: 30}
	sched := &fakeScheduler{results: map[alegra.Page]alegra.PageResult{
		page: {Page: page, Records: []alegra.Record{invoiceRecord(1, day, 1)}},
	}}
	st := &fakeStore{insertErr: errors.New("numeric overflow")}
	mir := &fakeMirror{}

	planner := fakeIDPlanner{plan: reconcile.IDPlan{StartID: 1, EndID: 1}}
	s := NewInvoiceSyncer(planner, sched, st, mir, nil, 30)
	s.today = func() civil.Date { return fixedToday }

	_, err := s.Run(testCtx())
	require.Error(t, err)
	assert.Zero(t, mir.writes, "mirror must not regenerate after a failed insert")
}

func TestInvoiceSyncer_Run_UploadFailureDegrades(t *testing.T) {
	st := &fakeStore{}
	mir := &fakeMirror{}
	planner := fakeIDPlanner{plan: reconcile.IDPlan{StartID: 2, EndID: 1}}
	upload := func(ctx context.Context, path string) error {
		return errors.New("bucket unavailable")
	}

	s := NewInvoiceSyncer(planner, &fakeScheduler{}, st, mir, upload, 30)
	s.today = func() civil.Date { return fixedToday }

	sum, err := s.Run(testCtx())
	require.NoError(t, err, "a snapshot upload failure never fails the run")
	assert.True(t, sum.Degraded)
}

func billRecord(id int64, day civil.Date, items int) alegra.Record {
	rec := alegra.Record{ID: &id, Date: &day, Provider: &alegra.Party{Name: "Proveedor"}}
	for i := 0; i < items; i++ {
		itemID := int64(i + 1)
		rec.Items = append(rec.Items, alegra.LineItem{ID: &itemID, Name: "Item"})
	}
	return rec
}

func TestBillSyncer_Run(t *testing.T) {
	d1 := civil.Date{Year: 2023, Month: 5, Day: 10}
	d2 := civil.Date{Year: 2023, Month: 5, Day: 11}
	p1 := alegra.Page{Resource: alegra.ResourceBills, Date: d1}
	p2 := alegra.Page{Resource: alegra.ResourceBills, Date: d2}

	sched := &fakeScheduler{results: map[alegra.Page]alegra.PageResult{
		p1: {Page: p1, Records: []alegra.Record{billRecord(77, d1, 2)}},
		p2: {Page: p2, Records: []alegra.Record{billRecord(78, d2, 1)}},
	}}
	st := &fakeStore{}
	mir := &fakeMirror{}

	planner := fakeDatePlanner{plan: reconcile.DatePlan{
		State:  reconcile.StateDivergent,
		Resume: d1,
		Dates:  []civil.Date{d1, d2},
	}}
	s := NewBillSyncer(planner, sched, st, mir, nil)
	s.today = func() civil.Date { return fixedToday }

	sum, err := s.Run(testCtx())
	require.NoError(t, err)

	assert.Equal(t, []alegra.Page{p1, p2}, sched.pages)
	assert.Equal(t, reconcile.StateDivergent, sum.State)
	assert.Equal(t, "2023-05-10", sum.Checkpoint)
	assert.Equal(t, 2, sum.RecordsFetched)
	assert.Equal(t, 3, sum.RowsInserted)
	require.Len(t, st.bills, 3)
	assert.Equal(t, st.bills, mir.bills)
}

func TestBillSyncer_Run_NothingPending(t *testing.T) {
	st := &fakeStore{bills: []store.BillRow{{RemoteID: 77, ItemID: 1}}}
	mir := &fakeMirror{}
	sched := &fakeScheduler{}

	planner := fakeDatePlanner{plan: reconcile.DatePlan{
		State:  reconcile.StateConsistent,
		Resume: fixedToday.AddDays(1),
	}}
	s := NewBillSyncer(planner, sched, st, mir, nil)
	s.today = func() civil.Date { return fixedToday }

	sum, err := s.Run(testCtx())
	require.NoError(t, err)

	assert.Zero(t, sum.Pages)
	assert.Nil(t, sched.pages)
	assert.Equal(t, 1, mir.writes)
	assert.Equal(t, reconcile.StateConsistent, sum.State)
}

func TestBillSyncer_Run_PlannerErrorIsFatal(t *testing.T) {
	planner := fakeDatePlanner{err: errors.New("boundary date: bad conn")}
	s := NewBillSyncer(planner, &fakeScheduler{}, &fakeStore{}, &fakeMirror{}, nil)
	s.today = func() civil.Date { return fixedToday }

	_, err := s.Run(testCtx())
	require.Error(t, err)
}

func TestInvoiceSyncer_Run_LogsThroughContextLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := logger.WithContext(context.Background(), logger.NewWithWriter(buf))

	planner := fakeIDPlanner{plan: reconcile.IDPlan{State: reconcile.StateConsistent, StartID: 2, EndID: 1}}
	s := NewInvoiceSyncer(planner, &fakeScheduler{}, &fakeStore{}, &fakeMirror{}, nil, 30)
	s.today = func() civil.Date { return fixedToday }

	sum, err := s.Run(ctx)
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, sum.RunID, "run events must carry the run id")
	assert.Contains(t, output, alegra.ResourceInvoices)
	assert.Contains(t, output, "already current")
}
