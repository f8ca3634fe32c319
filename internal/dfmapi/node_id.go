package dfmapi

import (
	"strings"

	"github.com/google/uuid"
)

// dfmNamespace is the fixed namespace UUID well-known node ids are derived
// against, so two independently built graphs that reference the same
// well-known name (e.g. "all_done", "image") converge on the same node_id
// without coordination.
var dfmNamespace = uuid.MustParse("5a1d3b2e-7c4f-4e9a-9f1b-0a6c2d8e4f10")

// NewNodeID allocates a fresh, unique node_id.
func NewNodeID() uuid.UUID {
	return uuid.New()
}

// WellKnownNodeID derives a stable node_id from a well-known name, letting
// clients identify terminal nodes (e.g. "all_done") without generating or
// tracking an id themselves.
func WellKnownNodeID(name string) uuid.UUID {
	return uuid.NewSHA1(dfmNamespace, []byte(strings.ToLower(name)))
}
