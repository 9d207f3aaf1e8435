package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

var billSpec = tableSpec{
	name:      "facturas_proveedor",
	surrogate: "registro_id",
	sequence:  "facturas_proveedor_registro_id_seq",
	columns: []string{
		"id", "item_id", "fecha", "nombre", "precio", "cantidad",
		"total", "total_fact", "proveedor",
	},
}

const createBillTable = `
CREATE TABLE IF NOT EXISTS facturas_proveedor (
	registro_id SERIAL PRIMARY KEY,
	id INTEGER NOT NULL,
	item_id INTEGER NOT NULL,
	fecha DATE NOT NULL,
	nombre VARCHAR(200) NOT NULL,
	precio NUMERIC(12,2) NOT NULL,
	cantidad NUMERIC(12,2) NOT NULL,
	total NUMERIC(12,2) NOT NULL,
	total_fact NUMERIC(12,2) NOT NULL,
	proveedor VARCHAR(200) NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// EnsureBillSchema creates the facturas_proveedor table and its indexes
// when missing.
func (s *Store) EnsureBillSchema(ctx context.Context) error {
	statements := []string{
		createBillTable,
		"CREATE INDEX IF NOT EXISTS idx_facturas_proveedor_id ON facturas_proveedor(id)",
		"CREATE INDEX IF NOT EXISTS idx_facturas_proveedor_fecha ON facturas_proveedor(fecha)",
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("EnsureBillSchema: %w", err)
		}
	}
	return nil
}

// InsertBillRows appends flattened bill lines in one transaction.
func (s *Store) InsertBillRows(ctx context.Context, rows []BillRow) error {
	values := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		values = append(values, []interface{}{
			r.RemoteID, r.ItemID, r.Date.In(time.UTC), r.Name, r.Price,
			r.Quantity, r.Total, r.BillTotal, r.Provider,
		})
	}
	return s.insertBatch(ctx, billSpec, values)
}

// MaxBillDate returns the newest persisted bill date, the boundary key
// for reconciliation. ok is false when the table is empty.
func (s *Store) MaxBillDate(ctx context.Context) (civil.Date, bool, error) {
	var max sql.NullTime
	err := s.db.QueryRowContext(ctx, "SELECT MAX(fecha) FROM facturas_proveedor").Scan(&max)
	if err != nil {
		return civil.Date{}, false, fmt.Errorf("MaxBillDate: %w", err)
	}
	if !max.Valid {
		return civil.Date{}, false, nil
	}
	return civil.DateOf(max.Time), true, nil
}

// CountBillsOnDate returns how many line rows are persisted for one
// boundary date.
func (s *Store) CountBillsOnDate(ctx context.Context, d civil.Date) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM facturas_proveedor WHERE fecha = $1", d.In(time.UTC)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountBillsOnDate %s: %w", d, err)
	}
	return n, nil
}

// DeleteBillsOnDate removes every row of one boundary date and restarts
// the surrogate-key sequence at the remaining maximum plus one, in the
// same transaction. The commit happens before any re-fetch of that date
// begins, so repairs never race new rows.
func (s *Store) DeleteBillsOnDate(ctx context.Context, d civil.Date) (int64, error) {
	var deleted int64
	err := s.withWriteRetry(ctx, "delete facturas_proveedor day", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			"DELETE FROM facturas_proveedor WHERE fecha = $1", d.In(time.UTC))
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()

		var max int64
		err = tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(registro_id), 0) FROM facturas_proveedor").Scan(&max)
		if err != nil {
			return err
		}
		if err := restartSequence(ctx, tx, billSpec.sequence, max+1); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// ReadAllBills returns the whole table ordered by surrogate key, for
// mirror regeneration.
func (s *Store) ReadAllBills(ctx context.Context) ([]BillRow, error) {
	query := `
		SELECT registro_id, id, item_id, fecha, nombre, precio, cantidad,
		       total, total_fact, proveedor
		FROM facturas_proveedor
		ORDER BY registro_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ReadAllBills: %w", err)
	}
	defer rows.Close()

	var out []BillRow
	for rows.Next() {
		var r BillRow
		var fecha time.Time
		if err := rows.Scan(&r.RegistroID, &r.RemoteID, &r.ItemID, &fecha,
			&r.Name, &r.Price, &r.Quantity, &r.Total, &r.BillTotal,
			&r.Provider); err != nil {
			return nil, fmt.Errorf("ReadAllBills: scan: %w", err)
		}
		r.Date = civil.DateOf(fecha)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ReadAllBills: rows: %w", err)
	}
	return out, nil
}

// RepairBillSequence enforces the gap-free surrogate-key invariant on
// the facturas_proveedor table.
func (s *Store) RepairBillSequence(ctx context.Context) error {
	return s.repairSequence(ctx, billSpec)
}
