// internal/flash/types.go
package flash

import (
	"github.com/tamzrod/dataflash/internal/bus"
	"github.com/tamzrod/dataflash/internal/sched"
)

// state is the per-channel transfer state machine position.
type state uint8

const (
	stateInitialize state = iota
	stateIdle
	stateSendReadHeader
	stateWaitSendReadHeader
	stateRead
	stateSendWriteHeader
	stateWaitSendWriteHeader
	stateWrite

	// Status-register polling states. Reachable by value only: no
	// transition enters them (pre-transfer verification was never wired).
	stateSendReadStatusBeforeRead
	stateReadStatusBeforeRead
	stateSendReadStatusBeforeWrite
	stateReadStatusBeforeWrite

	stateInvalid
)

func (s state) String() string {
	switch s {
	case stateInitialize:
		return "initialize"
	case stateIdle:
		return "idle"
	case stateSendReadHeader:
		return "send-read-header"
	case stateWaitSendReadHeader:
		return "wait-send-read-header"
	case stateRead:
		return "read"
	case stateSendWriteHeader:
		return "send-write-header"
	case stateWaitSendWriteHeader:
		return "wait-send-write-header"
	case stateWrite:
		return "write"
	case stateSendReadStatusBeforeRead, stateReadStatusBeforeRead,
		stateSendReadStatusBeforeWrite, stateReadStatusBeforeWrite:
		return "read-status"
	default:
		return "invalid"
	}
}

// process is the sub-state distinguishing "bus ack pending" from "bus ack
// received" within a given state.
type process uint8

const (
	processNone process = iota
	processWaitWrite
	processWrite // write ack received
	processWaitRead
	processRead // read ack received
)

// Process kinds reported in completion event values. A completed transfer
// carries ProcessWrite or ProcessRead; a timed-out transfer carries the
// wait kind it was stuck in.
const (
	ProcessNone      = uint8(processNone)
	ProcessWaitWrite = uint8(processWaitWrite)
	ProcessWrite     = uint8(processWrite)
	ProcessWaitRead  = uint8(processWaitRead)
	ProcessRead      = uint8(processRead)
)

// PinConfig describes one control pin of a channel. ActiveLevel is the
// electrical level at which the pin function is asserted.
type PinConfig struct {
	Pin         uint8
	ActiveLevel bool
}

// Channel is one static channel map entry: a client's binding to a bus
// provider and a region of a physical chip.
type Channel struct {
	ClientID     uint8
	Bus          bus.Kind
	BoundID      uint8
	MemoryOffset uint32

	WriteProtect *PinConfig
	Reset        *PinConfig
}

// instance is the runtime state of one logical channel. Mutated only by
// the owning driver with its lock held.
type instance struct {
	busChannel uint8
	bound      bool

	state   state
	process process

	target   uint32 // absolute byte address of the active transfer
	buf      []byte
	size     uint16
	progress uint16

	mirror       []byte // caller-owned RAM shadow, write-only from here
	memoryOffset uint32

	timeout sched.TimeoutHandle
}
