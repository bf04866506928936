package ingest

import (
	"time"
)

// TimeLayout is the single textual timestamp form used on the wire and in the
// state file: UTC, second precision, trailing Z.
const TimeLayout = "2006-01-02T15:04:05Z"

// RawRecord is one untyped row as returned by the Explore API.
type RawRecord map[string]interface{}

// Reading is the canonical, normalized form of one sensor observation.
// A missing measurement value is represented as a nil pointer, not zero.
type Reading struct {
	EntityID     string
	Timestamp    time.Time // always UTC, truncated to seconds
	Measurements map[string]*float64
	Lat          *float64
	Lon          *float64
}

// Key returns the stable downstream key for this reading. The sink upserts on
// (entity, ts), so duplicate emissions with the same key collapse harmlessly.
func (r Reading) Key() string {
	return r.EntityID + "|" + r.Timestamp.UTC().Format(TimeLayout)
}

// Payload returns the flat JSON object published to the output stream.
func (r Reading) Payload() map[string]interface{} {
	out := map[string]interface{}{
		"fiwareid": r.EntityID,
		"ts":       r.Timestamp.UTC().Format(TimeLayout),
		"lat":      r.Lat,
		"lon":      r.Lon,
	}
	for name, v := range r.Measurements {
		out[name] = v
	}
	return out
}

// FieldMapping describes how raw source fields translate into a Reading for
// one dataset. Measurements maps raw field names to canonical ones.
type FieldMapping struct {
	EntityField    string
	ObjectIDField  string
	TimestampField string
	GeoField       string
	Measurements   map[string]string
}
