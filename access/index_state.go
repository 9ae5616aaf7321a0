package access

import (
	"mit.edu/dsg/hypostats/backend"
)

// IndexState is an open index batch of a Relation. It must be closed before the relation.
type IndexState struct {
	rel *Relation
	// nil when the relation has no indexes
	batch  *backend.IndexBatch
	closed bool
}

// Relation returns the relation the state was opened for.
func (s *IndexState) Relation() *Relation {
	return s.rel
}

// HasBatch returns false for relations without indexes, where no engine batch was opened.
func (s *IndexState) HasBatch() bool {
	return s.batch != nil
}

// Close closes the engine batch, if there is one, and lets the relation close. Later calls do nothing.
func (s *IndexState) Close() {
	if s == nil || s.closed {
		return
	}
	s.closed = true
	if s.batch != nil {
		s.rel.eng.CatalogCloseIndexes(s.batch)
	}
	s.rel.state = nil
}
