// Package extract derives scalar run columns from loosely shaped JSON
// payloads. Producers have changed key casing and nesting over time, so
// every extractor walks an ordered list of candidate paths and degrades to
// a zero value instead of failing.
package extract

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"
)

var (
	logMu sync.RWMutex
	log   logrus.FieldLogger = logrus.StandardLogger().WithField("component", "extract")
)

// SetLogger replaces the logger used to report malformed payloads.
func SetLogger(l logrus.FieldLogger) {
	logMu.Lock()
	defer logMu.Unlock()

	log = l.WithField("component", "extract")
}

func logger() logrus.FieldLogger {
	logMu.RLock()
	defer logMu.RUnlock()

	return log
}

// Path is a sequence of object keys (string) and array indexes (int).
type Path []any

// modelNamePaths are the model name locations relative to
// generations[0][0], in priority order.
var modelNamePaths = []Path{
	{"generation_info", "model_name"},
	{"generationInfo", "model_name"},
	{"message", "response_metadata", "model_name"},
	{"message", "responseMetadata", "model_name"},
	{"message", "kwargs", "response_metadata", "model_name"},
	{"message", "kwargs", "responseMetadata", "model_name"},
}

// usagePaths locate a candidate's token total, relative to one generation.
var usagePaths = []Path{
	{"message", "usage_metadata", "total_tokens"},
	{"message", "kwargs", "usage_metadata", "total_tokens"},
}

// Parse decodes v into a generic JSON value. Strings, byte slices and raw
// messages are parsed as JSON text; maps and slices are returned as is.
// Anything else is round-tripped through the encoder.
func Parse(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		return parseText(t)
	case []byte:
		return parseText(string(t))
	case json.RawMessage:
		return parseText(string(t))
	case map[string]any, []any:
		return t, true
	default:
		b, err := sonic.Marshal(t)
		if err != nil {
			logger().WithError(err).Debug("Failed to encode payload for extraction")

			return nil, false
		}

		return parseText(string(b))
	}
}

func parseText(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}

	var out any
	if err := sonic.UnmarshalString(s, &out); err != nil {
		logger().WithError(err).Debug("Failed to parse payload for extraction")

		return nil, false
	}

	return out, out != nil
}

// Lookup walks path through a decoded JSON value.
func Lookup(doc any, path Path) (any, bool) {
	cur := doc

	for _, step := range path {
		switch key := step.(type) {
		case string:
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}

			cur, ok = obj[key]
			if !ok {
				return nil, false
			}
		case int:
			arr, ok := cur.([]any)
			if !ok || key < 0 || key >= len(arr) {
				return nil, false
			}

			cur = arr[key]
		default:
			return nil, false
		}
	}

	return cur, cur != nil
}

// TotalTokens returns llmOutput.tokenUsage.totalTokens when present and
// positive, otherwise the sum of the per-candidate usage totals across all
// generations. The result is never negative.
func TotalTokens(outputs any) int64 {
	doc, ok := Parse(outputs)
	if !ok {
		return 0
	}

	if v, ok := Lookup(doc, Path{"llmOutput", "tokenUsage", "totalTokens"}); ok {
		if n, ok := toInt64(v); ok && n > 0 {
			return n
		}
	}

	generations, ok := Lookup(doc, Path{"generations"})
	if !ok {
		return 0
	}

	outer, ok := generations.([]any)
	if !ok {
		return 0
	}

	var total int64

	for _, batch := range outer {
		candidates, ok := batch.([]any)
		if !ok {
			continue
		}

		for _, candidate := range candidates {
			for _, p := range usagePaths {
				v, ok := Lookup(candidate, p)
				if !ok {
					continue
				}

				if n, ok := toInt64(v); ok && n > 0 {
					if n > math.MaxInt64-total {
						return math.MaxInt64
					}

					total += n
				}

				break
			}
		}
	}

	return total
}

// ModelName returns the model name reported on the first candidate of the
// first generation, or "" when none of the known locations carries one.
func ModelName(outputs any) string {
	doc, ok := Parse(outputs)
	if !ok {
		return ""
	}

	first, ok := Lookup(doc, Path{"generations", 0, 0})
	if !ok {
		return ""
	}

	for _, p := range modelNamePaths {
		v, ok := Lookup(first, p)
		if !ok {
			continue
		}

		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}

	return ""
}

// TimeToFirstToken returns the millisecond delta between the first two
// entries of an events array. Fewer than two events, unparseable times or
// a negative delta yield 0.
func TimeToFirstToken(events any) int64 {
	doc, ok := Parse(events)
	if !ok {
		return 0
	}

	arr, ok := doc.([]any)
	if !ok || len(arr) < 2 {
		return 0
	}

	first, ok := eventTime(arr[0])
	if !ok {
		return 0
	}

	second, ok := eventTime(arr[1])
	if !ok {
		return 0
	}

	delta := second - first
	if delta < 0 {
		return 0
	}

	return delta
}

func eventTime(event any) (int64, bool) {
	v, ok := Lookup(event, Path{"time"})
	if !ok {
		return 0, false
	}

	return EpochMillis(v)
}

// ThreadID returns extra.metadata.thread_id.
func ThreadID(extra any) string {
	return metadataString(extra, "thread_id")
}

// UserID returns extra.metadata.user_id.
func UserID(extra any) string {
	return metadataString(extra, "user_id")
}

func metadataString(extra any, key string) string {
	doc, ok := Parse(extra)
	if !ok {
		return ""
	}

	v, ok := Lookup(doc, Path{"metadata", key})
	if !ok {
		return ""
	}

	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// EpochMillis converts a timestamp given as epoch milliseconds (number or
// numeric string) or as an RFC 3339 string into epoch milliseconds.
func EpochMillis(v any) (int64, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}

		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(n), true
		}

		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", time.DateTime} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UnixMilli(), true
			}
		}

		return 0, false
	case time.Time:
		return t.UnixMilli(), true
	default:
		return toInt64(v)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return floatToInt64(n)
	case float32:
		return floatToInt64(float64(n))
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return math.MaxInt64, true
		}

		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}

		f, err := n.Float64()
		if err != nil {
			return 0, false
		}

		return floatToInt64(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}

		return floatToInt64(f)
	default:
		return 0, false
	}
}

// floatToInt64 truncates f, saturating at the int64 bounds.
func floatToInt64(f float64) (int64, bool) {
	switch {
	case math.IsNaN(f):
		return 0, false
	case f >= math.MaxInt64:
		return math.MaxInt64, true
	case f <= math.MinInt64:
		return math.MinInt64, true
	default:
		return int64(f), true
	}
}
