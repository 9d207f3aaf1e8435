package alegra

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// DecodeRecords parses one API response body into typed records. The
// payload is a JSON array of loosely-typed objects; every optional or
// mistyped field becomes a typed absence here so nothing downstream
// touches raw maps.
func DecodeRecords(body []byte) ([]Record, error) {
	var raw []map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("DecodeRecords: unmarshal: %w", err)
	}

	records := make([]Record, 0, len(raw))
	for _, obj := range raw {
		records = append(records, decodeRecord(obj))
	}
	return records, nil
}

func decodeRecord(obj map[string]interface{}) Record {
	r := Record{
		ID:            intField(obj, "id"),
		Date:          dateField(obj, "date"),
		Datetime:      stringField(obj, "datetime"),
		Client:        partyField(obj, "client"),
		Seller:        partyField(obj, "seller"),
		Provider:      partyField(obj, "provider"),
		PaymentMethod: stringField(obj, "paymentMethod"),
		TotalPaid:     decimalField(obj, "totalPaid"),
		Total:         decimalField(obj, "total"),
	}

	// Invoices embed line items directly; bills nest them one level
	// deeper under "purchases".
	items, ok := obj["items"].([]interface{})
	if !ok {
		if purchases, pok := obj["purchases"].(map[string]interface{}); pok {
			items, _ = purchases["items"].([]interface{})
		}
	}

	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		r.Items = append(r.Items, LineItem{
			ID:       intField(m, "id"),
			Name:     stringField(m, "name"),
			Price:    decimalField(m, "price"),
			Quantity: decimalField(m, "quantity"),
			Total:    decimalField(m, "total"),
		})
	}

	return r
}

// intField reads an integer that the API serializes either as a JSON
// number or as a quoted string. Returns nil when missing or garbage.
func intField(m map[string]interface{}, key string) *int64 {
	switch v := m[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return nil
		}
		n := int64(v)
		return &n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil
		}
		return &n
	default:
		return nil
	}
}

func stringField(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func decimalField(m map[string]interface{}, key string) *decimal.Decimal {
	switch v := m[key].(type) {
	case float64:
		d := decimal.NewFromFloat(v)
		return &d
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil
		}
		return &d
	default:
		return nil
	}
}

func dateField(m map[string]interface{}, key string) *civil.Date {
	s := stringField(m, key)
	if s == "" {
		return nil
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return nil
	}
	return &d
}

func partyField(m map[string]interface{}, key string) *Party {
	obj, ok := m[key].(map[string]interface{})
	if !ok {
		return nil
	}
	name := stringField(obj, "name")
	if name == "" {
		return nil
	}
	return &Party{Name: name}
}
