package model

import (
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes v deterministically: the value is marshaled,
// decoded into generic maps, and re-marshaled so that all object keys are
// emitted in sorted order with no insignificant whitespace. Every peer
// computes byte-identical output for the same value, which is what makes
// signatures and proof-of-work challenges portable.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling value: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("normalizing value: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("re-marshaling value: %w", err)
	}
	return out, nil
}
