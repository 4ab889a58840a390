// Package term declares the narrow contract the core needs from a query
// expression builder: something that can produce a JSON-serializable term
// tree on demand. Real term construction — the fluent expression tree,
// operator overloads, and the like — lives elsewhere; this package only
// fixes the interface Connection.Start depends on and a minimal Raw
// implementation for tests and callers that already have a term tree in
// hand (e.g. deserialized from storage, or built by a generated query
// layer).
package term

// Term produces a JSON-serializable term tree. Connection.Start calls
// Build once per query, at the point the START frame is encoded.
type Term interface {
	Build() (any, error)
}

// Raw wraps an already-built JSON-serializable value as a Term. It is the
// minimal adapter a caller without a real term builder needs: most tests
// in this module construct queries this way.
type Raw struct {
	Value any
}

// Build returns the wrapped value unchanged.
func (r Raw) Build() (any, error) { return r.Value, nil }
