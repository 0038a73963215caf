package core

// CellKey is a typed, hashable key a task body chooses to address a
// specific cell by identity rather than by allocation order.
type CellKey struct {
	ValueType ValueTypeId
	Key       any // must be comparable; used as a map key
}

// CellMappings is the per-task table that makes cell allocation
// deterministic across re-executions: a task producing cells in the
// same logical order hits the same slot on every run, preserving the
// identity of downstream RawVc references.
type CellMappings struct {
	// ByKey maps an explicit (ValueTypeId, key) pair to the cell index
	// it was first assigned.
	ByKey map[CellKey]int

	// ByType maps a value type to the ordered list of cell indices
	// allocated for it, plus a cursor into that list for the current
	// execution (reset to 0 at the start of every execution, advanced
	// by each FindCellByType call).
	ByType map[ValueTypeId]*TypeCursor
}

// TypeCursor is the by-type allocation state for one ValueTypeId.
type TypeCursor struct {
	Cursor  int
	Indices []int
}

// NewCellMappings returns an empty mapping table, as installed for a
// task's first-ever execution.
func NewCellMappings() *CellMappings {
	return &CellMappings{
		ByKey:  make(map[CellKey]int),
		ByType: make(map[ValueTypeId]*TypeCursor),
	}
}

// ResetCursors rewinds every by-type cursor to 0 at the start of a new
// execution, without discarding the index lists; a re-execution that
// calls FindCellByType the same number of times in the same order
// reuses the same indices.
func (m *CellMappings) ResetCursors() {
	for _, c := range m.ByType {
		c.Cursor = 0
	}
}

// Clone returns a deep-enough copy suitable for handing to a
// concurrently-running re-execution attempt while the original is
// still being read by a previous iteration's cleanup.
func (m *CellMappings) Clone() *CellMappings {
	out := NewCellMappings()
	for k, v := range m.ByKey {
		out.ByKey[k] = v
	}
	for t, c := range m.ByType {
		indices := make([]int, len(c.Indices))
		copy(indices, c.Indices)
		out.ByType[t] = &TypeCursor{Cursor: c.Cursor, Indices: indices}
	}
	return out
}
