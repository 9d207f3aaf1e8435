// Package flatten turns nested ledger records into one persistable row
// per line item, applying the field defaults the schema demands.
// Malformed upstream data is skipped at the smallest possible
// granularity; a bad record or line never aborts its batch.
package flatten

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nvelasco/ledgersync/internal/alegra"
	"github.com/nvelasco/ledgersync/internal/store"
)

// Sentinel values for absent fields. The persisted schema disallows
// nulls, so absence always becomes one of these, never nil.
const (
	NoClient   = "Sin especificar"
	NoSeller   = "No se ha registrado un vendedor"
	NoProvider = "Proveedor desconocido"
	NoMethod   = "Sin especificar"
	NoName     = "Sin nombre"
)

const datetimeLayout = "2006-01-02 15:04:05"

// Invoices flattens sales invoices into facturas rows. Input batch
// order and record-internal line order are preserved; nothing is
// sorted here.
func Invoices(log zerolog.Logger, records []alegra.Record) []store.InvoiceRow {
	var rows []store.InvoiceRow

	for _, rec := range records {
		if rec.ID == nil || rec.Date == nil {
			log.Warn().Str("resource", alegra.ResourceInvoices).
				Msg("Skipping record without parseable id or date")
			continue
		}

		hora, err := time.Parse(datetimeLayout, rec.Datetime)
		if err != nil {
			hora = rec.Date.In(time.UTC)
		}

		for _, item := range rec.Items {
			if item.ID == nil {
				log.Warn().Int64("record_id", *rec.ID).
					Msg("Skipping line item without parseable id")
				continue
			}

			rows = append(rows, store.InvoiceRow{
				RemoteID:      *rec.ID,
				ItemID:        *item.ID,
				Date:          *rec.Date,
				Datetime:      hora,
				Name:          stringOr(item.Name, NoName),
				Price:         decimalOrZero(item.Price),
				Quantity:      decimalOrZero(item.Quantity).IntPart(),
				Total:         decimalOrZero(item.Total),
				Client:        partyOr(rec.Client, NoClient),
				InvoiceTotal:  decimalOrZero(rec.TotalPaid),
				PaymentMethod: stringOr(rec.PaymentMethod, NoMethod),
				Seller:        partyOr(rec.Seller, NoSeller),
			})
		}
	}

	log.Info().Int("records", len(records)).Int("rows", len(rows)).
		Msg("Flattened invoice batch")
	return rows
}

// Bills flattens vendor bills into facturas_proveedor rows. When the
// API omits the bill total, it is computed from the line totals so the
// column is never null.
func Bills(log zerolog.Logger, records []alegra.Record) []store.BillRow {
	var rows []store.BillRow

	for _, rec := range records {
		if rec.ID == nil || rec.Date == nil {
			log.Warn().Str("resource", alegra.ResourceBills).
				Msg("Skipping record without parseable id or date")
			continue
		}

		billTotal := decimalOrZero(rec.Total)
		if rec.Total == nil {
			for _, item := range rec.Items {
				billTotal = billTotal.Add(decimalOrZero(item.Total))
			}
		}

		for _, item := range rec.Items {
			if item.ID == nil {
				log.Warn().Int64("record_id", *rec.ID).
					Msg("Skipping line item without parseable id")
				continue
			}

			rows = append(rows, store.BillRow{
				RemoteID:  *rec.ID,
				ItemID:    *item.ID,
				Date:      *rec.Date,
				Name:      stringOr(item.Name, NoName),
				Price:     decimalOrZero(item.Price),
				Quantity:  decimalOrZero(item.Quantity),
				Total:     decimalOrZero(item.Total),
				BillTotal: billTotal,
				Provider:  partyOr(rec.Provider, NoProvider),
			})
		}
	}

	log.Info().Int("records", len(records)).Int("rows", len(rows)).
		Msg("Flattened bill batch")
	return rows
}

// decimalOrZero is the numeric-noise policy: downstream aggregation
// treats zero as a neutral identity, so coercion failure becomes zero
// instead of rejecting the row.
func decimalOrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func stringOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func partyOr(p *alegra.Party, fallback string) string {
	if p == nil || p.Name == "" {
		return fallback
	}
	return p.Name
}
