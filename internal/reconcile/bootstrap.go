package reconcile

import (
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/nvelasco/ledgersync/internal/store"
)

// BootstrapBillRows is the fixed seed dataset a first run writes so the
// schema exists and every later stage sees a non-empty baseline.
func BootstrapBillRows(date civil.Date) []store.BillRow {
	total := decimal.NewFromInt(600)
	rows := make([]store.BillRow, 0, 3)
	for i := int64(1); i <= 3; i++ {
		price := decimal.NewFromInt(100 * i)
		rows = append(rows, store.BillRow{
			RemoteID:  i,
			ItemID:    i,
			Date:      date,
			Name:      fmt.Sprintf("Producto inicial %d", i),
			Price:     price,
			Quantity:  decimal.NewFromInt(1),
			Total:     price,
			BillTotal: total,
			Provider:  "Proveedor inicial",
		})
	}
	return rows
}
