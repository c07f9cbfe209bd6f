package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"conveyor/internal/provider"
)

// CacheKey derives a stable cache key from the phase id and everything that
// influences the provider call. Map keys are sorted by the JSON encoder, so
// equal inputs always hash identically. The record id is deliberately
// excluded: two records asking for the same work share the cached answer.
func CacheKey(phaseID string, input provider.Input) string {
	payload := struct {
		PhaseID  string                     `json:"phase_id"`
		Fields   map[string]any             `json:"fields,omitempty"`
		Upstream map[string]json.RawMessage `json:"upstream,omitempty"`
		Options  map[string]any             `json:"options,omitempty"`
	}{
		PhaseID:  phaseID,
		Fields:   input.Fields,
		Upstream: input.Upstream,
		Options:  input.Options,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		// Field values come from JSON in the first place; a marshal failure
		// means an unencodable test fixture. Fall back to an uncacheable key.
		return phaseID + ":unencodable"
	}
	sum := sha256.Sum256(encoded)
	return phaseID + ":" + hex.EncodeToString(sum[:])
}
