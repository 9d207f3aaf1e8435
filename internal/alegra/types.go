package alegra

import (
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Resource names the two record types the remote ledger exposes.
const (
	ResourceInvoices = "invoices"
	ResourceBills    = "bills"
)

// Party is an embedded client/seller/provider reference on a record.
type Party struct {
	Name string
}

// LineItem is one embedded line of a ledger record. Fields are pointers
// because the upstream payload omits or mistypes them freely; nil means
// "absent or unparseable" and downstream decides the default.
type LineItem struct {
	ID       *int64
	Name     string
	Price    *decimal.Decimal
	Quantity *decimal.Decimal
	Total    *decimal.Decimal
}

// Record is one invoice or bill as returned by the API, decoded once at
// the system boundary. It is transient; only flattened rows persist.
type Record struct {
	ID            *int64
	Date          *civil.Date
	Datetime      string // raw "2006-01-02 15:04:05", may be empty
	Client        *Party
	Seller        *Party
	Provider      *Party
	PaymentMethod string
	TotalPaid     *decimal.Decimal // invoices: amount actually paid
	Total         *decimal.Decimal // bills: bill total
	Items         []LineItem
}

// Page is one bounded unit of remote fetch work: either an offset/limit
// slice or a single calendar day. Pages are comparable and used as map
// keys by the scheduler.
type Page struct {
	Resource string
	Offset   int
	Limit    int
	Date     civil.Date // zero value means offset paging
}

// ByDate reports whether this page addresses a single calendar day.
func (p Page) ByDate() bool {
	return p.Date != civil.Date{}
}

func (p Page) String() string {
	if p.ByDate() {
		return fmt.Sprintf("%s date=%s", p.Resource, p.Date)
	}
	return fmt.Sprintf("%s start=%d limit=%d", p.Resource, p.Offset, p.Limit)
}

// PageResult is the structured outcome of fetching one page. Err is set
// when the page terminally failed (non-retryable status or exhausted
// retries); the caller treats that as "assume no data" and accounts the
// descriptor as degraded rather than aborting sibling pages.
type PageResult struct {
	Page     Page
	Records  []Record
	Attempts int
	Err      error
}

// Failed reports whether the page yielded no data because of an error.
func (r PageResult) Failed() bool {
	return r.Err != nil
}
