package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

var invoiceSpec = tableSpec{
	name:      "facturas",
	surrogate: "indx",
	sequence:  "facturas_indx_seq",
	columns: []string{
		"id", "item_id", "fecha", "hora", "nombre", "precio", "cantidad",
		"total", "cliente", "totalfact", "metodo", "vendedor",
	},
}

const createInvoiceTable = `
CREATE TABLE IF NOT EXISTS facturas (
	indx SERIAL PRIMARY KEY,
	id INTEGER NOT NULL,
	item_id INTEGER NOT NULL,
	fecha DATE NOT NULL,
	hora TIMESTAMP NOT NULL,
	nombre VARCHAR(200) NOT NULL,
	precio NUMERIC(12,2) NOT NULL,
	cantidad INTEGER NOT NULL,
	total NUMERIC(12,2) NOT NULL,
	cliente VARCHAR(200) NOT NULL,
	totalfact NUMERIC(12,2) NOT NULL,
	metodo VARCHAR(50) NOT NULL,
	vendedor VARCHAR(100) NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// EnsureInvoiceSchema creates the facturas table and its indexes when
// missing. IF NOT EXISTS keeps it safe when stages race to initialize.
func (s *Store) EnsureInvoiceSchema(ctx context.Context) error {
	statements := []string{
		createInvoiceTable,
		"CREATE INDEX IF NOT EXISTS idx_facturas_id ON facturas(id)",
		"CREATE INDEX IF NOT EXISTS idx_facturas_fecha ON facturas(fecha)",
		"CREATE INDEX IF NOT EXISTS idx_facturas_item_id ON facturas(item_id)",
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("EnsureInvoiceSchema: %w", err)
		}
	}
	return nil
}

// InsertInvoiceRows appends flattened invoice lines in one transaction.
// The surrogate key is assigned by the database, never by the caller.
func (s *Store) InsertInvoiceRows(ctx context.Context, rows []InvoiceRow) error {
	values := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		values = append(values, []interface{}{
			r.RemoteID, r.ItemID, r.Date.In(time.UTC), r.Datetime, r.Name,
			r.Price, r.Quantity, r.Total, r.Client, r.InvoiceTotal,
			r.PaymentMethod, r.Seller,
		})
	}
	return s.insertBatch(ctx, invoiceSpec, values)
}

// MaxInvoiceID returns the highest persisted remote invoice ID. ok is
// false when the table is empty or absent.
func (s *Store) MaxInvoiceID(ctx context.Context) (int64, bool, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(id) FROM facturas").Scan(&max)
	if err != nil {
		return 0, false, fmt.Errorf("MaxInvoiceID: %w", err)
	}
	return max.Int64, max.Valid, nil
}

// ReadAllInvoices returns the whole table ordered by surrogate key, for
// mirror regeneration.
func (s *Store) ReadAllInvoices(ctx context.Context) ([]InvoiceRow, error) {
	query := `
		SELECT indx, id, item_id, fecha, hora, nombre, precio, cantidad,
		       total, cliente, totalfact, metodo, vendedor
		FROM facturas
		ORDER BY indx`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ReadAllInvoices: %w", err)
	}
	defer rows.Close()

	var out []InvoiceRow
	for rows.Next() {
		var r InvoiceRow
		var fecha time.Time
		if err := rows.Scan(&r.Indx, &r.RemoteID, &r.ItemID, &fecha, &r.Datetime,
			&r.Name, &r.Price, &r.Quantity, &r.Total, &r.Client,
			&r.InvoiceTotal, &r.PaymentMethod, &r.Seller); err != nil {
			return nil, fmt.Errorf("ReadAllInvoices: scan: %w", err)
		}
		r.Date = civil.DateOf(fecha)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ReadAllInvoices: rows: %w", err)
	}
	return out, nil
}

// RepairInvoiceSequence enforces the gap-free surrogate-key invariant
// on the facturas table.
func (s *Store) RepairInvoiceSequence(ctx context.Context) error {
	return s.repairSequence(ctx, invoiceSpec)
}
