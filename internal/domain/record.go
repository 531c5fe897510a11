package domain

import (
	"bytes"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
)

// Table names published by the exchange stream.
const (
	TableInstrument  = "instrument"
	TableTrade       = "trade"
	TableQuote       = "quote"
	TableOrderBook10 = "orderBook10"
	TableOrderBookL2 = "orderBookL2"
	TableOrder       = "order"
	TableExecution   = "execution"
	TableMargin      = "margin"
	TablePosition    = "position"
)

// Record is one row of a mirrored table. Numbers are kept as json.Number so
// that merging never changes their textual form.
type Record map[string]any

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge copies every field of src into r.
func (r Record) Merge(src Record) {
	for k, v := range src {
		r[k] = v
	}
}

// Str returns a field as a string, or "" when it is missing or null.
func (r Record) Str(field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Float returns a numeric field. ok is false when the field is missing, null
// or not a number.
func (r Record) Float(field string) (float64, bool) {
	switch v := r[field].(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Decode converts the record into one of the typed views below.
func (r Record) Decode(v any) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// DecodeRecords parses a JSON array of objects into records, preserving numbers.
func DecodeRecords(raw []byte) ([]Record, error) {
	var rows []Record
	if err := unmarshalUseNumber(raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// DecodeRecord parses a single JSON object into a record.
func DecodeRecord(raw []byte) (Record, error) {
	var row Record
	if err := unmarshalUseNumber(raw, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func unmarshalUseNumber(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// ValidateRow checks that a row of a known table decodes into its typed shape.
// Unknown tables are accepted as-is.
func ValidateRow(table string, row Record) error {
	var target any
	switch table {
	case TableInstrument:
		target = &Instrument{}
	case TableOrder:
		target = &Order{}
	case TablePosition:
		target = &Position{}
	case TableMargin:
		target = &Margin{}
	case TableTrade:
		target = &Trade{}
	case TableQuote:
		target = &Quote{}
	case TableOrderBook10:
		target = &OrderBook{}
	default:
		return nil
	}
	if err := row.Decode(target); err != nil {
		return fmt.Errorf("%s row: %w", table, err)
	}
	return nil
}
