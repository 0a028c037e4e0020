package query

import (
	"fmt"
	"strconv"
	"strings"
)

// encodeRow renders one result row as a single newline-terminated JSON
// object mapping column labels to values, in column order.
func encodeRow(columns []string, values []interface{}) string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, col := range columns {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('"')
		sb.WriteString(escapeJSON(col))
		sb.WriteString(`":`)
		sb.WriteString(encodeValue(values[i]))
	}
	sb.WriteString("}\n")
	return sb.String()
}

// encodeValue dispatches over a small closed set of categories: null and
// numeric/boolean values are emitted unquoted in their natural textual
// form, everything else becomes a quoted string.
func encodeValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case []byte:
		return `"` + escapeJSON(string(x)) + `"`
	case string:
		return `"` + escapeJSON(x) + `"`
	default:
		return `"` + escapeJSON(fmt.Sprintf("%v", x)) + `"`
	}
}

// escapeJSON escapes backslash and double-quote only. Control characters
// and non-ASCII text pass through untouched; output is valid UTF-8 but not
// necessarily strict JSON.
func escapeJSON(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
