package backend

import (
	"sync"
	"time"

	"taskweave/internal/core"
)

type taskKind uint8

const (
	kindPersistent taskKind = iota
	kindRoot
	kindOnce
)

// taskRecord is one entry in Memory's task table, unifying the
// bookkeeping persistent and transient tasks both need: dirty/running
// state, the output value, the cell array, and the cell-mapping table
// that keeps cell indices stable across re-executions.
type taskRecord struct {
	mu sync.Mutex

	id   core.TaskId
	kind taskKind

	// Persistent only: the interning key and its content hash.
	tt   core.PersistentTaskType
	hash uint64

	// Root only.
	rootFactory func() core.TaskBody
	// Once only.
	onceBody core.TaskBody
	onceRan  bool

	dirty          bool // needs a scheduled execution
	running        bool // an execution is in flight right now
	scheduledAgain bool // invalidated mid-run; rerun immediately after this one completes

	hasResult bool
	output    core.RawVc
	err       error // nil when the most recent execution succeeded

	cells    []core.CellContent
	mappings *core.CellMappings

	lastDuration time.Duration
}

func (r *taskRecord) description() string {
	switch r.kind {
	case kindRoot:
		return "root(" + r.id.String() + ")"
	case kindOnce:
		return "once(" + r.id.String() + ")"
	default:
		return r.tt.String()
	}
}
