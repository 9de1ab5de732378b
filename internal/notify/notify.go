// internal/notify/notify.go
package notify

import (
	"errors"
	"sync"
)

// Event is one module-level notification.
// Value packs the producing process kind in the high byte and the
// truncated transfer size in the low byte.
type Event struct {
	SourceInstance uint8
	Value          uint16
}

// Pack builds an Event value from a process kind and a transfer size.
// The size is truncated to its low byte; the layout is protocol-locked.
func Pack(kind uint8, size uint16) uint16 {
	return uint16(kind)<<8 | size&0xff
}

// Kind extracts the process kind from a packed event value.
func Kind(value uint16) uint8 { return uint8(value >> 8) }

// Size extracts the truncated transfer size from a packed event value.
func Size(value uint16) uint8 { return uint8(value) }

// Handler receives notifications. Handlers run on the notifier's caller;
// they must not block.
type Handler func(Event)

// ---- FILTERS ----

// FilterIDNone delivers every event regardless of filter value.
const FilterIDNone uint16 = 0xffff

// FilterIDSource delivers only events whose source instance matches the
// registered filter value.
const FilterIDSource uint16 = 1

type registration struct {
	id          int
	h           Handler
	filterID    uint16
	filterValue uint16
}

// Control is a fixed-capacity registration table.
type Control struct {
	mu       sync.Mutex
	next     int
	regs     []registration
	capacity int
}

// NewControl creates a table holding at most capacity registrations.
func NewControl(capacity int) *Control {
	if capacity <= 0 {
		capacity = 8
	}
	return &Control{capacity: capacity}
}

// Register subscribes h and returns a token for Unregister.
func (c *Control) Register(h Handler, filterID, filterValue uint16) (int, error) {
	if h == nil {
		return 0, errors.New("notify: handler required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.regs) >= c.capacity {
		return 0, errors.New("notify: registration table full")
	}

	c.next++
	c.regs = append(c.regs, registration{
		id:          c.next,
		h:           h,
		filterID:    filterID,
		filterValue: filterValue,
	})
	return c.next, nil
}

// Unregister removes the registration identified by token. Unknown tokens
// are ignored.
func (c *Control) Unregister(token int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.regs {
		if c.regs[i].id == token {
			c.regs = append(c.regs[:i], c.regs[i+1:]...)
			return
		}
	}
}

// Notify delivers ev to every matching registration.
func (c *Control) Notify(ev Event) {
	c.mu.Lock()
	matched := make([]Handler, 0, len(c.regs))
	for _, r := range c.regs {
		if r.filterID == FilterIDNone {
			matched = append(matched, r.h)
			continue
		}
		if r.filterID == FilterIDSource && r.filterValue == uint16(ev.SourceInstance) {
			matched = append(matched, r.h)
		}
	}
	c.mu.Unlock()

	for _, h := range matched {
		h(ev)
	}
}
