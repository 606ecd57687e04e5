package nodes

// Context is the key-value map threaded through every node of one run.
// Payload fields and node outputs (csvData, enrichedData, ...) share it.
type Context = map[string]any

// Well-known context keys written by nodes.
const (
	KeyCSVData      = "csvData"
	KeyEnrichedData = "enrichedData"
)

// with returns a shallow copy of c with key set to v.
func with(c Context, key string, v any) Context {
	out := make(Context, len(c)+1)
	for k, val := range c {
		out[k] = val
	}
	out[key] = v
	return out
}

// rowsFrom converts a context value into rows. Values decoded from JSON
// arrive as []any; values produced in-process are []map[string]any.
func rowsFrom(v any) []map[string]any {
	switch rows := v.(type) {
	case []map[string]any:
		return rows
	case []any:
		out := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			if m, ok := r.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
