package privacy

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/raaihank/result-sentinel/internal/rules"
)

// MatchColumn reports whether a column-name rule matches column. Matching is
// case-insensitive containment, so "password" matches "user_password".
func MatchColumn(column string, rule *CompiledRule) bool {
	if rule == nil || rule.PatternType != rules.PatternColumnName {
		return false
	}
	pattern := rules.NormalizePattern(rule.PatternValue)
	if pattern == "" {
		return false
	}
	return strings.Contains(strings.ToLower(column), pattern)
}

// MatchValue reports whether a value-pattern rule matches value. nil never
// matches.
func MatchValue(value interface{}, rule *CompiledRule) bool {
	if rule == nil || rule.PatternType != rules.PatternValue || value == nil {
		return false
	}
	text, _ := Canonical(value)
	return matchText(text, rule)
}

func matchText(text string, rule *CompiledRule) bool {
	if rule.regex != nil {
		if rule.regex.MatchString(text) {
			return true
		}
		// Anchored expressions are also tried per token so that a card number
		// inside free text is found.
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return false
		}
		for _, f := range fields {
			if rule.regex.MatchString(f) {
				return true
			}
		}
		return false
	}

	pattern := rules.NormalizePattern(rule.PatternValue)
	if pattern == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), pattern)
}

// Canonical returns the string form used for matching and masking. The bool is
// false for values that are not scalars and were serialized instead.
func Canonical(value interface{}) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", true
	case string:
		return v, true
	case []byte:
		return string(v), true
	case bool:
		return strconv.FormatBool(v), true
	case int:
		return strconv.FormatInt(int64(v), 10), true
	case int8:
		return strconv.FormatInt(int64(v), 10), true
	case int16:
		return strconv.FormatInt(int64(v), 10), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint:
		return strconv.FormatUint(uint64(v), 10), true
	case uint8:
		return strconv.FormatUint(uint64(v), 10), true
	case uint16:
		return strconv.FormatUint(uint64(v), 10), true
	case uint32:
		return strconv.FormatUint(uint64(v), 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	case time.Time:
		return v.Format(time.RFC3339Nano), true
	case fmt.Stringer:
		// A nil pointer with a pointer-receiver String method is still a nil cell
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr && rv.IsNil() {
			return "", true
		}
		return v.String(), true
	default:
		return serialize(v), false
	}
}

func serialize(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
