// internal/bus/sim/sim.go

// Package sim is an in-memory DataFlash device behind the bus.Provider
// contract. It decodes the same opcode/address framing the real part
// expects and models the page-local write pointer, so driver behavior can
// be exercised without hardware.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tamzrod/dataflash/internal/bus"
)

const (
	opWrite  = 0x58
	opRead   = 0xd2
	opStatus = 0xd7

	pageSize  = 256
	pageCount = 1024
	capacity  = pageSize * pageCount

	maxChannels = 8
)

// statusReady is the raw status word of an idle, unprotected device.
var statusReady = [2]byte{0x80, 0x80}

type session struct {
	started bool
	pending byte   // opcode whose data phase is next; 0 = expecting a header
	addr    uint32 // device address pointer
	page    uint32 // base address of the page being programmed
}

// Device is the simulated chip. All channels address the same memory,
// matching a physical chip mapped by multiple logical channels.
type Device struct {
	mu       sync.Mutex
	memory   [capacity]byte
	sessions [maxChannels]session
	handlers map[uint8][]bus.Handler
}

func New() *Device {
	return &Device{handlers: make(map[uint8][]bus.Handler)}
}

// ---- bus.Provider ----

func (d *Device) GetAllocation(boundID uint8) (uint8, error) {
	if boundID >= maxChannels {
		return 0, fmt.Errorf("sim: bound id %d out of range", boundID)
	}
	return boundID, nil
}

func (d *Device) RegisterEventHandler(h bus.Handler, channel uint8, filter uint16) {
	if h == nil || channel >= maxChannels {
		return
	}
	d.mu.Lock()
	d.handlers[channel] = append(d.handlers[channel], h)
	d.mu.Unlock()
}

// StartTransaction is idempotent: the driver opens a fresh transaction per
// data chunk without always stopping the previous one first.
func (d *Device) StartTransaction(channel uint8) error {
	if channel >= maxChannels {
		return errors.New("sim: channel out of range")
	}
	d.mu.Lock()
	d.sessions[channel].started = true
	d.mu.Unlock()
	return nil
}

func (d *Device) StopTransaction(channel uint8) {
	if channel >= maxChannels {
		return
	}
	d.mu.Lock()
	d.sessions[channel].started = false
	d.sessions[channel].pending = 0
	d.mu.Unlock()
}

// Write accepts either a command header or a data phase, depending on what
// the session expects. The completion event is delivered before Write
// returns, on the caller's goroutine.
func (d *Device) Write(channel uint8, data []byte, _ bus.AddressMode) error {
	if channel >= maxChannels {
		return errors.New("sim: channel out of range")
	}
	if len(data) == 0 {
		return errors.New("sim: empty write")
	}

	d.mu.Lock()
	s := &d.sessions[channel]
	if !s.started {
		d.mu.Unlock()
		return errors.New("sim: write outside transaction")
	}

	var err error
	if s.pending == opWrite {
		d.program(s, data)
	} else {
		err = d.header(s, data)
	}
	d.mu.Unlock()

	if err != nil {
		return err
	}
	d.complete(channel, uint16(len(data)))
	return nil
}

// Read serves the data phase of a read or status command.
func (d *Device) Read(channel uint8, buf []byte, _ bus.AddressMode) error {
	if channel >= maxChannels {
		return errors.New("sim: channel out of range")
	}

	d.mu.Lock()
	s := &d.sessions[channel]
	if !s.started {
		d.mu.Unlock()
		return errors.New("sim: read outside transaction")
	}

	switch s.pending {
	case opRead:
		for i := range buf {
			buf[i] = d.memory[(s.addr+uint32(i))%capacity]
		}
	case opStatus:
		for i := range buf {
			buf[i] = statusReady[i%len(statusReady)]
		}
	default:
		d.mu.Unlock()
		return errors.New("sim: read with no pending read command")
	}
	d.mu.Unlock()

	d.complete(channel, uint16(len(buf)))
	return nil
}

// ---- device model ----

func (d *Device) header(s *session, data []byte) error {
	switch data[0] {
	case opWrite:
		if len(data) < 4 {
			return errors.New("sim: short write header")
		}
		page := uint32(data[1]) | uint32(data[2])<<8
		s.page = (page % pageCount) * pageSize
		s.addr = s.page + uint32(data[3])%pageSize
		s.pending = opWrite
		return nil

	case opRead:
		if len(data) < 5 {
			return errors.New("sim: short read header")
		}
		page := uint32(data[1]) | uint32(data[2])<<8
		s.addr = (page%pageCount)*pageSize + uint32(data[3])%pageSize
		s.pending = opRead
		return nil

	case opStatus:
		s.pending = opStatus
		return nil

	default:
		return fmt.Errorf("sim: unsupported opcode 0x%02x", data[0])
	}
}

// program stores bytes at the write pointer. The pointer wraps within the
// current page, as the device's does.
func (d *Device) program(s *session, data []byte) {
	for _, b := range data {
		d.memory[s.addr] = b
		s.addr++
		if s.addr == s.page+pageSize {
			s.addr = s.page
		}
	}
}

func (d *Device) complete(channel uint8, length uint16) {
	d.mu.Lock()
	hs := append([]bus.Handler(nil), d.handlers[channel]...)
	d.mu.Unlock()

	ev := bus.Event{Provider: bus.KindSim, Channel: channel, Length: length}
	for _, h := range hs {
		h(ev)
	}
}

// ---- test and demo accessors ----

// Bytes returns a copy of n bytes starting at addr.
func (d *Device) Bytes(addr uint32, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]byte, n)
	for i := range out {
		out[i] = d.memory[(addr+uint32(i))%capacity]
	}
	return out
}

// Preload seeds memory with data at addr.
func (d *Device) Preload(addr uint32, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, b := range data {
		d.memory[(addr+uint32(i))%capacity] = b
	}
}
