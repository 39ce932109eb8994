package testutil

import (
	"fmt"
	"sync/atomic"
)

// SequentialSessionIDs issues predictable session IDs so protocol traces
// compare equal across runs.
//
// Thread-safety: safe for concurrent use.
type SequentialSessionIDs struct {
	prefix string
	n      atomic.Uint64
}

// NewSequentialSessionIDs returns a generator producing prefix-000001,
// prefix-000002, and so on. An empty prefix becomes "session".
func NewSequentialSessionIDs(prefix string) *SequentialSessionIDs {
	if prefix == "" {
		prefix = "session"
	}
	return &SequentialSessionIDs{prefix: prefix}
}

// Generate returns the next session ID.
func (g *SequentialSessionIDs) Generate() string {
	return fmt.Sprintf("%s-%06d", g.prefix, g.n.Add(1))
}
