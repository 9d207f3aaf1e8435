// Package mirror regenerates the durable export mirror from the store.
// The mirror is a derived, disposable projection: always rewritten
// wholesale from a full read-back, never patched incrementally, so it
// cannot drift from the store.
package mirror

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/nvelasco/ledgersync/internal/store"
)

const datetimeLayout = "2006-01-02 15:04:05"

// Exporter writes full CSV snapshots of one table. Column order follows
// the table schema minus the surrogate key and created_at.
type Exporter struct {
	path string
	log  zerolog.Logger
}

// NewExporter builds an Exporter targeting one mirror file.
func NewExporter(path string, log zerolog.Logger) *Exporter {
	return &Exporter{path: path, log: log}
}

// Path reports the mirror file location.
func (e *Exporter) Path() string {
	return e.path
}

// WriteInvoices overwrites the mirror with a full invoice snapshot.
func (e *Exporter) WriteInvoices(rows []store.InvoiceRow) error {
	header := []string{"id", "item_id", "fecha", "hora", "nombre", "precio",
		"cantidad", "total", "cliente", "totalfact", "metodo", "vendedor"}

	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			strconv.FormatInt(r.RemoteID, 10),
			strconv.FormatInt(r.ItemID, 10),
			r.Date.String(),
			r.Datetime.Format(datetimeLayout),
			r.Name,
			r.Price.String(),
			strconv.FormatInt(r.Quantity, 10),
			r.Total.String(),
			r.Client,
			r.InvoiceTotal.String(),
			r.PaymentMethod,
			r.Seller,
		})
	}

	return e.write(header, records)
}

// WriteBills overwrites the mirror with a full bill snapshot.
func (e *Exporter) WriteBills(rows []store.BillRow) error {
	header := []string{"id", "item_id", "fecha", "nombre", "precio",
		"cantidad", "total", "total_fact", "proveedor"}

	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			strconv.FormatInt(r.RemoteID, 10),
			strconv.FormatInt(r.ItemID, 10),
			r.Date.String(),
			r.Name,
			r.Price.String(),
			r.Quantity.String(),
			r.Total.String(),
			r.BillTotal.String(),
			r.Provider,
		})
	}

	return e.write(header, records)
}

// write replaces the mirror atomically: the snapshot lands in a temp
// file first and is renamed over the old mirror, so readers never see a
// half-written file.
func (e *Exporter) write(header []string, records [][]string) error {
	dir := filepath.Dir(e.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(e.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write mirror: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write mirror header: %w", err)
	}
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("write mirror rows: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush mirror: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close mirror temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), e.path); err != nil {
		return fmt.Errorf("replace mirror: %w", err)
	}

	e.log.Info().Str("path", e.path).Int("rows", len(records)).
		Msg("Mirror regenerated")
	return nil
}
