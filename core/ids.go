package core

import "github.com/google/uuid"

// NewID returns a new random identifier used for operation IDs, proposal
// IDs, and agent IDs wherever a component needs one without depending on
// caller-supplied uniqueness.
func NewID() string {
	return uuid.NewString()
}

// NewIDWithPrefix returns NewID() prefixed with prefix and a hyphen, e.g.
// NewIDWithPrefix("op") -> "op-3a1b2c3d-...".
func NewIDWithPrefix(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
