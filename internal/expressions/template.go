package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render replaces every {{key}} in tpl with the stringified value of data[key].
// Absent and nil values render as "". Placeholders are not nested and the
// output is not escaped. Render never fails.
func Render(tpl string, data map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		key := m[2 : len(m)-2]
		return Stringify(data[key])
	})
}

// Stringify formats a context value for insertion into text.
// Maps and slices are JSON encoded; everything else uses fmt's default form.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case map[string]any, []any, []map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// Placeholders lists the distinct keys referenced by tpl, in order of first use.
func Placeholders(tpl string) []string {
	var keys []string
	seen := make(map[string]struct{})
	for _, m := range placeholderRe.FindAllStringSubmatch(tpl, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		keys = append(keys, m[1])
	}
	return keys
}
