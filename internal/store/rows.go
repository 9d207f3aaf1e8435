package store

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// InvoiceRow is one flattened sales-invoice line item as persisted in
// the facturas table. Indx is the store-assigned surrogate key; it is
// zero on rows headed for insert and populated on read-back.
type InvoiceRow struct {
	Indx          int64
	RemoteID      int64
	ItemID        int64
	Date          civil.Date
	Datetime      time.Time
	Name          string
	Price         decimal.Decimal
	Quantity      int64
	Total         decimal.Decimal
	Client        string
	InvoiceTotal  decimal.Decimal
	PaymentMethod string
	Seller        string
}

// BillRow is one flattened vendor-bill line item as persisted in the
// facturas_proveedor table. RegistroID is the surrogate key.
type BillRow struct {
	RegistroID int64
	RemoteID   int64
	ItemID     int64
	Date       civil.Date
	Name       string
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Total      decimal.Decimal
	BillTotal  decimal.Decimal
	Provider   string
}
