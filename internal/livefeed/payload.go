package livefeed

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ParseValue extracts a pollutant value from a raw payload. Accepted forms are
// a bare number ("45.2", optionally quoted) or a JSON object carrying the
// number under "value", "val" or "reading". Null, empty, non-numeric,
// non-finite and negative payloads are rejected.
func ParseValue(payload []byte) (float64, bool) {
	trim := bytes.TrimSpace(payload)
	if len(trim) == 0 {
		return 0, false
	}
	if trim[0] == '{' {
		var obj map[string]any
		if err := json.Unmarshal(trim, &obj); err != nil {
			return 0, false
		}
		for _, key := range []string{"value", "val", "reading"} {
			if raw, ok := obj[key]; ok {
				return numeric(raw)
			}
		}
		return 0, false
	}
	var raw any
	if err := json.Unmarshal(trim, &raw); err == nil {
		return numeric(raw)
	}
	return parseNumber(string(trim))
}

func numeric(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return accept(v)
	case string:
		return parseNumber(v)
	}
	return 0, false
}

func parseNumber(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return accept(v)
}

func accept(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}
