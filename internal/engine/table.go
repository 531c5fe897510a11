package engine

import (
	"fmt"
	"strconv"
	"strings"

	"vpin_mm/internal/domain"

	json "github.com/goccy/go-json"
)

// table holds the rows of one stream table plus an index from the composite
// key to the row position. Tables without keys are append-only.
type table struct {
	name  string
	keys  []string
	rows  []domain.Record
	index map[string]int
}

func newTable(name string) *table {
	return &table{name: name, index: make(map[string]int)}
}

// keyOf builds the composite key of row. ok is false when the table has no
// keys yet or row lacks one of them.
func (t *table) keyOf(row domain.Record) (string, bool) {
	if len(t.keys) == 0 {
		return "", false
	}
	var sb strings.Builder
	for i, k := range t.keys {
		v, ok := row[k]
		if !ok {
			return "", false
		}
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		sb.WriteString(keyPart(v))
	}
	return sb.String(), true
}

// keyPart renders one key value. Numbers use their shortest float form so
// that 1, 1.0 and 1e0 name the same row.
func keyPart(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return n.String()
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case int:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case int64:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (t *table) setKeys(keys []string) {
	t.keys = append([]string(nil), keys...)
	t.reindex()
}

// upsert appends row, or merges it into the existing row with the same key.
func (t *table) upsert(row domain.Record) {
	if key, ok := t.keyOf(row); ok {
		if pos, found := t.index[key]; found {
			t.rows[pos].Merge(row)
			return
		}
		t.index[key] = len(t.rows)
	}
	t.rows = append(t.rows, row)
}

// find returns the row matching the key fields of probe.
func (t *table) find(probe domain.Record) (domain.Record, int, bool) {
	key, ok := t.keyOf(probe)
	if !ok {
		return nil, -1, false
	}
	pos, found := t.index[key]
	if !found {
		return nil, -1, false
	}
	return t.rows[pos], pos, true
}

func (t *table) removeAt(pos int) {
	t.rows = append(t.rows[:pos], t.rows[pos+1:]...)
	t.reindex()
}

// truncate keeps the newest keep rows.
func (t *table) truncate(keep int) {
	if len(t.rows) <= keep {
		return
	}
	drop := len(t.rows) - keep
	kept := make([]domain.Record, keep)
	copy(kept, t.rows[drop:])
	t.rows = kept
	t.reindex()
}

func (t *table) reindex() {
	clear(t.index)
	if len(t.keys) == 0 {
		return
	}
	for i, row := range t.rows {
		if key, ok := t.keyOf(row); ok {
			t.index[key] = i
		}
	}
}

// snapshot returns copies of every row.
func (t *table) snapshot() []domain.Record {
	out := make([]domain.Record, len(t.rows))
	for i, row := range t.rows {
		out[i] = row.Clone()
	}
	return out
}
