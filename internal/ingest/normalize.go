package ingest

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrMalformed marks a raw record that cannot become a Reading (missing
// entity id or timestamp). Malformed records are counted and skipped; they
// never abort a cycle.
var ErrMalformed = errors.New("malformed record")

// pointRx matches the WKT form "POINT(lon lat)" used by the v2 endpoint.
var pointRx = regexp.MustCompile(`^POINT\s*\(\s*(-?[\d.]+)\s+(-?[\d.]+)\s*\)$`)

// Normalizer turns raw Explore API rows into canonical Readings for one
// dataset's field mapping. It is a pure transformation and safe for
// concurrent use.
type Normalizer struct {
	mapping FieldMapping
}

func NewNormalizer(mapping FieldMapping) *Normalizer {
	return &Normalizer{mapping: mapping}
}

// Normalize maps a raw record into a Reading. It returns ErrMalformed when
// the record has no usable entity id or timestamp.
func (n *Normalizer) Normalize(raw RawRecord) (Reading, error) {
	entityID := stringField(raw, n.mapping.EntityField)
	if entityID == "" {
		// Fall back to a synthetic id from the object id, as some stations
		// publish without a fiware id.
		if obj := stringField(raw, n.mapping.ObjectIDField); obj != "" {
			entityID = "obj" + obj
		}
	}
	if entityID == "" {
		return Reading{}, fmt.Errorf("%w: missing entity id", ErrMalformed)
	}

	tsRaw := stringField(raw, n.mapping.TimestampField)
	if tsRaw == "" {
		return Reading{}, fmt.Errorf("%w: missing timestamp field %q", ErrMalformed, n.mapping.TimestampField)
	}
	ts, err := NormalizeTimestamp(tsRaw)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	measurements := make(map[string]*float64, len(n.mapping.Measurements))
	for rawName, canonical := range n.mapping.Measurements {
		measurements[canonical] = numericField(raw, rawName)
	}

	lat, lon := extractLatLon(raw[n.mapping.GeoField])

	return Reading{
		EntityID:     entityID,
		Timestamp:    ts,
		Measurements: measurements,
		Lat:          lat,
		Lon:          lon,
	}, nil
}

// NormalizeTimestamp rewrites the source's timestamp variants
// ("...+00:00", "...Z", with or without sub-second digits) into a UTC instant
// at second precision.
func NormalizeTimestamp(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// extractLatLon flattens the combined coordinate field. The v2.1 endpoint
// returns {"lat": ..., "lon": ...}; the v2 endpoint returns WKT
// "POINT(lon lat)".
func extractLatLon(v interface{}) (*float64, *float64) {
	switch geo := v.(type) {
	case map[string]interface{}:
		lat, okLat := toFloat(geo["lat"])
		lon, okLon := toFloat(geo["lon"])
		if okLat && okLon {
			return &lat, &lon
		}
	case string:
		if m := pointRx.FindStringSubmatch(geo); m != nil {
			lon, err1 := strconv.ParseFloat(m[1], 64)
			lat, err2 := strconv.ParseFloat(m[2], 64)
			if err1 == nil && err2 == nil {
				return &lat, &lon
			}
		}
	}
	return nil, nil
}

func stringField(raw RawRecord, key string) string {
	if key == "" {
		return ""
	}
	switch v := raw[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// numericField returns a pointer to the numeric value, or nil when the field
// is absent or not a number. Missing means unobserved, never zero.
func numericField(raw RawRecord, key string) *float64 {
	if f, ok := toFloat(raw[key]); ok {
		return &f
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
