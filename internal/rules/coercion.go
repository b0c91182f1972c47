// internal/rules/coercion.go
package rules

import (
	"encoding/json"
	"strconv"
)

// text renders a scalar attribute value as the string selectors compare.
// nil and composite values have no text form.
func text(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	}
	return "", false
}
