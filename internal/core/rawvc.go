package core

import (
	"encoding/json"
	"fmt"
)

// RawVcKind discriminates the two addressing modes of a RawVc.
type RawVcKind uint8

const (
	// RawVcTaskOutput addresses "the single terminal value of a task".
	RawVcTaskOutput RawVcKind = iota
	// RawVcTaskCell addresses "slot Index of TaskId".
	RawVcTaskCell
)

// RawVc is a typeless reference to either a task's output or one of
// its cells. It is copyable and serializes as a compact pair of
// integers so it round-trips unchanged through JSON.
type RawVc struct {
	Kind  RawVcKind
	Task  TaskId
	Index int // meaningful only when Kind == RawVcTaskCell
}

// TaskOutput builds a RawVc addressing the terminal output of task.
func TaskOutput(task TaskId) RawVc { return RawVc{Kind: RawVcTaskOutput, Task: task} }

// TaskCell builds a RawVc addressing cell index of task.
func TaskCell(task TaskId, index int) RawVc {
	return RawVc{Kind: RawVcTaskCell, Task: task, Index: index}
}

func (v RawVc) String() string {
	switch v.Kind {
	case RawVcTaskOutput:
		return fmt.Sprintf("%s.output", v.Task)
	case RawVcTaskCell:
		return fmt.Sprintf("%s.cell[%d]", v.Task, v.Index)
	default:
		return fmt.Sprintf("%s.invalid", v.Task)
	}
}

// wireRawVc is the compact on-the-wire form of a RawVc.
type wireRawVc struct {
	Kind  uint8  `json:"k"`
	Task  uint32 `json:"t"`
	Index int    `json:"i,omitempty"`
}

func (v RawVc) toWire() wireRawVc {
	return wireRawVc{Kind: uint8(v.Kind), Task: uint32(v.Task), Index: v.Index}
}

func (w wireRawVc) toRawVc() RawVc {
	return RawVc{Kind: RawVcKind(w.Kind), Task: TaskId(w.Task), Index: w.Index}
}

// MarshalJSON encodes the RawVc in its compact wire form.
func (v RawVc) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.toWire())
}

// UnmarshalJSON decodes the compact wire form back into an equivalent
// RawVc.
func (v *RawVc) UnmarshalJSON(data []byte) error {
	var w wireRawVc
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*v = w.toRawVc()
	return nil
}
