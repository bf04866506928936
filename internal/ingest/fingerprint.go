package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint is a compact digest of a reading's values, used to decide
// whether a re-observed (entity, ts) pair actually changed.
type Fingerprint = string

// ComputeFingerprint hashes the measurement values and position of a reading.
// encoding/json sorts map keys, so two readings that differ only in field
// order produce identical digests.
func ComputeFingerprint(r Reading) Fingerprint {
	payload := make(map[string]*float64, len(r.Measurements)+2)
	for name, v := range r.Measurements {
		payload[name] = v
	}
	payload["lat"] = r.Lat
	payload["lon"] = r.Lon

	// Marshal of a map[string]*float64 cannot fail.
	b, _ := json.Marshal(payload)
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}
