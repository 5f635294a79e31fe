package matching

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
)

// millisecondThreshold separates epoch seconds from epoch milliseconds.
// Values above it are read as milliseconds. Millisecond values before
// September 2001 fall below it and are misread as seconds.
const millisecondThreshold int64 = 10_000_000_000

const defaultMaxTimestampDiff = 24 * time.Hour

var (
	zonedLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
	}
	naiveLayouts = []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02",
	}
)

// NormalizeUnixTimestamp converts millisecond timestamps to seconds.
func NormalizeUnixTimestamp(timestamp int64) int64 {
	if timestamp > millisecondThreshold {
		return timestamp / 1000
	}
	return timestamp
}

// UnixInstant converts a stored timestamp to an absolute UTC instant,
// keeping millisecond precision when the value is in milliseconds.
func UnixInstant(timestamp int64) time.Time {
	if timestamp > millisecondThreshold {
		return time.UnixMilli(timestamp).UTC()
	}
	return time.Unix(timestamp, 0).UTC()
}

// ObjectAtTime is a fingerprint observed at a point in time.
type ObjectAtTime struct {
	Fingerprint string `json:"fingerprint"`
	Timestamp   int64  `json:"timestamp"`
}

// Criteria describes a snapshot to match against committed collections.
// A nil AsOf means no cutoff.
type Criteria struct {
	Objects []ObjectAtTime
	AsOf    *time.Time
}

// NewCriteria builds Criteria, normalizing asOf to an absolute UTC instant.
// asOf may be nil, a time.Time, a *time.Time, integer epoch seconds, or a
// string carrying an explicit zone.
func NewCriteria(objects []ObjectAtTime, asOf any) (Criteria, error) {
	cutoff, err := normalizeAsOf(asOf)
	if err != nil {
		return Criteria{}, err
	}
	return Criteria{Objects: objects, AsOf: cutoff}, nil
}

func normalizeAsOf(asOf any) (*time.Time, error) {
	switch value := asOf.(type) {
	case nil:
		return nil, nil
	case *time.Time:
		if value == nil {
			return nil, nil
		}
		return normalizeAsOf(*value)
	case time.Time:
		if value.IsZero() {
			return nil, newConfigurationError("as_of", "zero time", nil)
		}
		utc := value.UTC()
		return &utc, nil
	case int:
		utc := time.Unix(int64(value), 0).UTC()
		return &utc, nil
	case int64:
		utc := time.Unix(value, 0).UTC()
		return &utc, nil
	case string:
		return parseAsOf(value)
	default:
		return nil, newConfigurationError("as_of", fmt.Sprintf("unsupported type %T", asOf), nil)
	}
}

func parseAsOf(raw string) (*time.Time, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, nil
	}
	for _, layout := range zonedLayouts {
		parsed, err := time.Parse(layout, text)
		if err == nil {
			utc := parsed.UTC()
			return &utc, nil
		}
	}
	for _, layout := range naiveLayouts {
		if _, err := time.Parse(layout, text); err == nil {
			return nil, newConfigurationError("as_of", "must be timezone-aware", nil)
		}
	}
	return nil, newConfigurationError("as_of", fmt.Sprintf("unparseable value %q", text), nil)
}

// Config controls matching tolerance.
type Config struct {
	MaxTimestampDiff time.Duration
}

// DefaultConfig returns a one-day timestamp tolerance.
func DefaultConfig() Config {
	return Config{MaxTimestampDiff: defaultMaxTimestampDiff}
}

func (c Config) validate() error {
	if c.MaxTimestampDiff < 0 {
		return newConfigurationError("max_timestamp_diff", "must not be negative", nil)
	}
	return nil
}

func (c Config) maxDiffSeconds() int64 {
	return int64(c.MaxTimestampDiff / time.Second)
}

// Normalize returns the deduplicated query objects sorted by timestamp, and
// the as-of cutoff in epoch seconds (nil when unbounded). Objects with a blank
// fingerprint are dropped and do not count toward the score denominator.
func Normalize(criteria Criteria) ([]ObjectAtTime, *int64, error) {
	var asOfSeconds *int64
	if criteria.AsOf != nil {
		if criteria.AsOf.IsZero() {
			return nil, nil, newConfigurationError("as_of", "zero time", nil)
		}
		seconds := criteria.AsOf.Unix()
		asOfSeconds = &seconds
	}

	seen := make(map[ObjectAtTime]struct{}, len(criteria.Objects))
	objects := make([]ObjectAtTime, 0, len(criteria.Objects))
	for _, object := range criteria.Objects {
		if strings.TrimSpace(object.Fingerprint) == "" {
			continue
		}
		normalized := ObjectAtTime{
			Fingerprint: object.Fingerprint,
			Timestamp:   NormalizeUnixTimestamp(object.Timestamp),
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		objects = append(objects, normalized)
	}

	slices.SortFunc(objects, func(left, right ObjectAtTime) int {
		if byTime := cmp.Compare(left.Timestamp, right.Timestamp); byTime != 0 {
			return byTime
		}
		return cmp.Compare(left.Fingerprint, right.Fingerprint)
	})
	return objects, asOfSeconds, nil
}

// millisecondCutoff is the largest millisecond timestamp that falls within
// the second asOf.
func millisecondCutoff(asOf int64) int64 {
	return asOf*1000 + 999
}

func distinctFingerprints(objects []ObjectAtTime) []string {
	seen := make(map[string]struct{}, len(objects))
	fingerprints := make([]string, 0, len(objects))
	for _, object := range objects {
		if _, ok := seen[object.Fingerprint]; ok {
			continue
		}
		seen[object.Fingerprint] = struct{}{}
		fingerprints = append(fingerprints, object.Fingerprint)
	}
	slices.Sort(fingerprints)
	return fingerprints
}
