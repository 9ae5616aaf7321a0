package transaction

import (
	"mit.edu/dsg/hypostats/common"
)

// CleanupCallback is implemented by in-memory structures (heaps, indexes, caches) that must roll back their
// changes when a transaction aborts.
type CleanupCallback interface {
	Invoke(opType CleanupType, key []byte, rid common.RecordID)
}

type CleanupType int

const (
	CleanupTypeUndoInsert CleanupType = iota
	CleanupTypeUndoDelete
	// CleanupTypeInvalidate drops cached state derived from rows the transaction changed.
	CleanupTypeInvalidate
)

func (t CleanupType) String() string {
	switch t {
	case CleanupTypeUndoInsert:
		return "UndoInsert"
	case CleanupTypeUndoDelete:
		return "UndoDelete"
	case CleanupTypeInvalidate:
		return "Invalidate"
	}
	return "Unknown"
}

// CleanupTask represents a single undo action, such as removing a row that was inserted by the current
// transaction. It is a value struct (not a pointer) to avoid heap allocation per op.
type CleanupTask struct {
	Target CleanupCallback
	Type   CleanupType
	Key    []byte
	RID    common.RecordID
}
