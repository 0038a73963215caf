package core

import "fmt"

// TaskId identifies a single task, persistent or transient.
//
// Opaque dense integers minted by the id factory, with an explicit
// recycling primitive. Ids are never reused while any reference to
// them is reachable.
type TaskId uint32

func (id TaskId) String() string { return fmt.Sprintf("task#%d", uint32(id)) }

// FunctionId identifies a registered native function usable in a
// PersistentTaskType.
type FunctionId uint32

func (id FunctionId) String() string { return fmt.Sprintf("fn#%d", uint32(id)) }

// TraitTypeId identifies a registered trait (interface) usable in a
// ResolveTrait PersistentTaskType.
type TraitTypeId uint32

func (id TraitTypeId) String() string { return fmt.Sprintf("trait#%d", uint32(id)) }

// ValueTypeId identifies the Go type tag carried by a SharedReference.
type ValueTypeId uint32

func (id ValueTypeId) String() string { return fmt.Sprintf("value-type#%d", uint32(id)) }

// BackendJobId identifies a unit of pluggable backend work (eviction,
// GC, persistence) scheduled on the engine's foreground or background
// pool.
type BackendJobId uint32

func (id BackendJobId) String() string { return fmt.Sprintf("job#%d", uint32(id)) }
