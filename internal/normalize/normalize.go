// Package normalize maps arbitrary client payloads onto the canonical
// event schema. It is deliberately lenient: malformed input never panics
// and never returns a Go error, it lands in the result's error list.
package normalize

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the canonical UTC ISO 8601 output format.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// standardLayouts are tried first, in order, before the explicit
// slash-separated fallbacks.
var standardLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// slashLayouts are attempted after the standard parsers fail. Both are
// interpreted as UTC midnight.
var slashLayouts = []string{
	"2006/01/02", // YYYY/MM/DD
	"02/01/2006", // DD/MM/YYYY
}

// CanonicalEvent is the normalized, validated representation of an event.
type CanonicalEvent struct {
	Client    string  `json:"client_id"`
	Metric    string  `json:"metric"`
	Amount    float64 `json:"amount"`
	Timestamp string  `json:"timestamp"` // UTC ISO 8601, TimeLayout
}

// FieldError names the offending field and why it was rejected.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) String() string { return e.Field + ": " + e.Reason }

// Result is the outcome of one normalization attempt. OK is true only
// when zero errors were produced; warnings may be present either way.
type Result struct {
	OK        bool
	Canonical *CanonicalEvent
	Errors    []FieldError
	Warnings  []string
}

// Normalizer resolves aliased fields and coerces values. The alias table
// is injected at construction and never mutated.
type Normalizer struct {
	aliases AliasConfig
	now     func() time.Time
}

func New(aliases AliasConfig) *Normalizer {
	return &Normalizer{aliases: aliases, now: time.Now}
}

// Normalize maps a decoded payload to a CanonicalEvent. The client
// identifier is resolved against the top-level object; metric, amount and
// timestamp are resolved against a nested "payload" sub-object when one
// exists, otherwise against the top level.
func (n *Normalizer) Normalize(payload map[string]interface{}) Result {
	var res Result

	body := payload
	if sub, ok := payload["payload"].(map[string]interface{}); ok {
		body = sub
	}

	client, ok := n.resolve(payload, FieldClient)
	if !ok {
		res.Errors = append(res.Errors, FieldError{FieldClient, "missing required field"})
	}

	metric, ok := n.resolve(body, FieldMetric)
	if !ok {
		res.Errors = append(res.Errors, FieldError{FieldMetric, "missing required field"})
	}

	amount := n.normalizeAmount(body, &res)
	ts := n.normalizeTimestamp(body, &res)

	n.warnUnknownFields(payload, body, &res)

	if len(res.Errors) > 0 {
		return res
	}

	res.OK = true
	res.Canonical = &CanonicalEvent{
		Client:    coerceString(client),
		Metric:    coerceString(metric),
		Amount:    amount,
		Timestamp: ts,
	}
	return res
}

// resolve returns the first present, non-null, non-empty value among the
// field's aliases.
func (n *Normalizer) resolve(obj map[string]interface{}, field string) (interface{}, bool) {
	for _, alias := range n.aliases.Aliases(field) {
		v, ok := obj[alias]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

func (n *Normalizer) normalizeAmount(body map[string]interface{}, res *Result) float64 {
	raw, ok := n.resolve(body, FieldAmount)
	if !ok {
		res.Errors = append(res.Errors, FieldError{FieldAmount, "missing required field"})
		return 0
	}

	switch v := raw.(type) {
	case float64:
		if math.IsNaN(v) {
			res.Errors = append(res.Errors, FieldError{FieldAmount, "not a number"})
			return 0
		}
		if v < 0 {
			res.Errors = append(res.Errors, FieldError{FieldAmount, "must be non-negative"})
			return 0
		}
		return v
	case int:
		return n.normalizeAmountNumber(float64(v), res)
	case int64:
		return n.normalizeAmountNumber(float64(v), res)
	case string:
		// Strip thousands separators and a leading currency symbol, e.g.
		// "$1,200.50" -> 1200.5.
		cleaned := strings.TrimSpace(v)
		cleaned = strings.TrimPrefix(cleaned, "$")
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		parsed, err := strconv.ParseFloat(cleaned, 64)
		if err != nil || math.IsNaN(parsed) {
			res.Errors = append(res.Errors, FieldError{FieldAmount, fmt.Sprintf("unparseable amount %q", v)})
			return 0
		}
		if parsed < 0 {
			res.Errors = append(res.Errors, FieldError{FieldAmount, "must be non-negative"})
			return 0
		}
		res.Warnings = append(res.Warnings, fmt.Sprintf("amount: coerced string %q to %v", v, parsed))
		return parsed
	default:
		res.Errors = append(res.Errors, FieldError{FieldAmount, fmt.Sprintf("unsupported type %T", raw)})
		return 0
	}
}

func (n *Normalizer) normalizeAmountNumber(v float64, res *Result) float64 {
	if v < 0 {
		res.Errors = append(res.Errors, FieldError{FieldAmount, "must be non-negative"})
		return 0
	}
	return v
}

func (n *Normalizer) normalizeTimestamp(body map[string]interface{}, res *Result) string {
	raw, ok := n.resolve(body, FieldTimestamp)
	if !ok {
		res.Warnings = append(res.Warnings, "timestamp: missing, substituted current time")
		return n.now().UTC().Format(TimeLayout)
	}

	switch v := raw.(type) {
	case string:
		input := strings.TrimSpace(v)
		if t, ok := parseTimestamp(input); ok {
			out := t.UTC().Format(TimeLayout)
			if out != input {
				res.Warnings = append(res.Warnings, fmt.Sprintf("timestamp: normalized %q to %q", input, out))
			}
			return out
		}
		// Unparseable: record the error AND fall back, so the failure
		// report still carries a usable receipt-time approximation.
		res.Errors = append(res.Errors, FieldError{FieldTimestamp, fmt.Sprintf("unparseable timestamp %q", v)})
		res.Warnings = append(res.Warnings, "timestamp: unparseable, substituted current time")
		return n.now().UTC().Format(TimeLayout)
	case float64:
		// Epoch seconds, possibly fractional.
		sec := int64(v)
		nsec := int64((v - float64(sec)) * 1e9)
		out := time.Unix(sec, nsec).UTC().Format(TimeLayout)
		res.Warnings = append(res.Warnings, fmt.Sprintf("timestamp: normalized %v to %q", v, out))
		return out
	default:
		res.Errors = append(res.Errors, FieldError{FieldTimestamp, fmt.Sprintf("unsupported type %T", raw)})
		res.Warnings = append(res.Warnings, "timestamp: unparseable, substituted current time")
		return n.now().UTC().Format(TimeLayout)
	}
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range standardLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range slashLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// warnUnknownFields flags keys that match no alias of any canonical
// field. Receipt metadata and the payload wrapper itself are expected, so
// they never warn.
func (n *Normalizer) warnUnknownFields(root, body map[string]interface{}, res *Result) {
	skip := map[string]bool{"payload": true, "received_at": true, "created_at": true, "id": true}

	seen := map[string]bool{}
	for key := range root {
		seen[key] = true
	}
	for key := range body {
		seen[key] = true
	}

	var unknown []string
	for key := range seen {
		if skip[key] || n.aliases.Recognizes(key) {
			continue
		}
		unknown = append(unknown, key)
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		res.Warnings = append(res.Warnings, fmt.Sprintf("unknown field %q ignored", key))
	}
}

func coerceString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}
