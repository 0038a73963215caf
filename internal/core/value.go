package core

// SharedReference is an immutable, reference-counted (via Go's own
// garbage collector, no explicit refcount is needed) content
// snapshot tagged with the Go value type it carries.
//
// A cell snapshot is immutable once exposed; replacement installs a
// new snapshot rather than mutating this one.
// Callers must not mutate Payload after publishing a SharedReference.
type SharedReference struct {
	Type    ValueTypeId
	Payload any
}

// CellContent is the value stored in one cell slot. A nil Ref (zero
// CellContent) means the cell has never been written.
type CellContent struct {
	Ref *SharedReference
}

// IsEmpty reports whether the cell has never been written.
func (c CellContent) IsEmpty() bool { return c.Ref == nil }
