package directory

import "github.com/roach88/dsm/internal/state"

// Request and response wrappers for RPCs whose Service signatures do not map
// onto a single message.

// Empty is the response of RPCs that return nothing but an error.
type Empty struct{}

// QueryRequest asks for an entity's pending publications.
type QueryRequest struct {
	Entity state.EntityID `cramberry:"1"`
}

// QueryResponse carries pending publications.
type QueryResponse struct {
	Publications []Publication `cramberry:"1"`
}

// AcknowledgeRequest wraps the parameters of Service.Acknowledge.
type AcknowledgeRequest struct {
	Entity state.EntityID `cramberry:"1"`
	Sender state.EntityID `cramberry:"2"`
	UpTo   uint64         `cramberry:"3"`
}

// LookupAnchorRequest asks for an entity's anchor.
type LookupAnchorRequest struct {
	Entity state.EntityID `cramberry:"1"`
}

// LookupAnchorResponse wraps the result of Service.LookupAnchor.
type LookupAnchorResponse struct {
	Anchor Anchor `cramberry:"1"`
	Found  bool   `cramberry:"2"`
}
