package substrate

import (
	"database/sql"
	"encoding/json"

	"beaverdb/internal/errs"
)

// RowMap is a single result row addressable by column name, the SQL analogue
// of a PutJSON/GetJSON-style helper pair that addresses values by key.
type RowMap map[string]any

// ScanRows drains rows into a slice of RowMap, closing rows before returning.
func ScanRows(rows *sql.Rows) ([]RowMap, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, errs.Storage("columns", err)
	}
	var out []RowMap
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errs.Storage("scan", err)
		}
		m := make(RowMap, len(cols))
		for i, c := range cols {
			m[c] = raw[i]
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("rows", err)
	}
	return out, nil
}

// MarshalJSON marshals v for storage in a TEXT column.
func MarshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errs.Storage("marshal json", err)
	}
	return string(b), nil
}

// UnmarshalJSON unmarshals a TEXT column into v.
func UnmarshalJSON(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return errs.Storage("unmarshal json", err)
	}
	return nil
}
