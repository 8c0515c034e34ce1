package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// fieldReader looks up the first present key of a candidate list. After each lookup
// found reports presence and lastRaw holds the raw value for error messages.
type fieldReader struct {
	fields  map[string]any
	found   bool
	lastRaw string
}

func (r *fieldReader) lookup(keys []string) any {
	r.found, r.lastRaw = false, ""
	for _, k := range keys {
		v, ok := r.fields[k]
		if !ok && strings.Contains(k, ".") {
			v, ok = walk(r.fields, strings.Split(k, "."))
		}
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		r.found = true
		r.lastRaw = fmt.Sprint(v)
		return v
	}
	return nil
}

func walk(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func (r *fieldReader) str(keys []string) string {
	switch v := r.lookup(keys).(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (r *fieldReader) join(keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if s := r.str([]string{k}); s != "" {
			parts = append(parts, s)
		}
	}
	r.found = len(parts) > 0
	return strings.Join(parts, " ")
}

func cleanNumber(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	return strings.ReplaceAll(s, ",", "")
}

// float returns 0 and ok when no key is present.
func (r *fieldReader) float(keys []string) (float64, bool) {
	switch v := r.lookup(keys).(type) {
	case nil:
		return 0, true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case decimal.Decimal:
		return v.InexactFloat64(), true
	case []byte:
		f, err := strconv.ParseFloat(cleanNumber(string(v)), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(cleanNumber(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (r *fieldReader) decimal(keys []string) (decimal.Decimal, bool) {
	switch v := r.lookup(keys).(type) {
	case nil:
		return decimal.Zero, true
	case decimal.Decimal:
		return v, true
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case []byte:
		d, err := decimal.NewFromString(cleanNumber(string(v)))
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(cleanNumber(v))
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// time accepts time values, the layouts above and unix timestamps in seconds or
// milliseconds. Results are UTC.
func (r *fieldReader) time(keys []string) (time.Time, bool) {
	v := r.lookup(keys)
	switch t := v.(type) {
	case nil:
		return time.Time{}, true
	case time.Time:
		return t.UTC(), true
	case []byte:
		v = string(t)
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return unix(float64(n)), true
	}
	if n, ok := r.numeric(v); ok {
		return unix(n), true
	}
	return time.Time{}, false
}

func (r *fieldReader) numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func unix(n float64) time.Time {
	if n > 1e11 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}
