// Package proc decodes the process lifecycle events of the capture object,
// emitted from the sched_process_exec and sched_process_exit tracepoints.
package proc

import (
	"unsafe"
)

const (
	BPF_EVENT_PROC_EXEC = iota + 1
	BPF_EVENT_PROC_EXIT
)

const (
	EVENT_PROC_EXEC = "EVENT_PROC_EXEC"
	EVENT_PROC_EXIT = "EVENT_PROC_EXIT"
)

// Custom type for the enumeration
type ProcEventConversion uint32

// String representation of the enumeration values
func (e ProcEventConversion) String() string {
	switch e {
	case BPF_EVENT_PROC_EXEC:
		return EVENT_PROC_EXEC
	case BPF_EVENT_PROC_EXIT:
		return EVENT_PROC_EXIT
	default:
		return "Unknown"
	}
}

// PEvent is the kernel layout of a proc_events record.
type PEvent struct {
	Pid   uint32
	Type_ uint8
	_     [3]byte
}

var PEventSize = int(unsafe.Sizeof(PEvent{}))

type ProcEvent struct {
	Pid   uint32
	Type_ ProcEventConversion
}

func (e ProcEvent) Exit() bool { return e.Type_ == BPF_EVENT_PROC_EXIT }

func (e ProcEvent) Exec() bool { return e.Type_ == BPF_EVENT_PROC_EXEC }

// Decode reads one raw sample; false when it is too short.
func Decode(raw []byte) (ProcEvent, bool) {
	if len(raw) < PEventSize {
		return ProcEvent{}, false
	}
	e := (*PEvent)(unsafe.Pointer(&raw[0]))
	return ProcEvent{Pid: e.Pid, Type_: ProcEventConversion(e.Type_)}, true
}

// Encode is the inverse of Decode.
func Encode(e ProcEvent) []byte {
	raw := make([]byte, PEventSize)
	*(*PEvent)(unsafe.Pointer(&raw[0])) = PEvent{Pid: e.Pid, Type_: uint8(e.Type_)}
	return raw
}
