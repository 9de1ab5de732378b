// internal/flash/driver.go
package flash

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tamzrod/dataflash/internal/bus"
	"github.com/tamzrod/dataflash/internal/notify"
	"github.com/tamzrod/dataflash/internal/pin"
	"github.com/tamzrod/dataflash/internal/sched"
)

// Precondition failures. Rejected synchronously, no state change, no retry.
var (
	ErrInvalidInstance = errors.New("flash: invalid instance")
	ErrNotBound        = errors.New("flash: channel not bound to a bus")
	ErrBusy            = errors.New("flash: transfer in progress")
	ErrBufferSize      = errors.New("flash: buffer size out of range")
)

const (
	// DefaultHandlerPeriod is the periodic poll interval.
	DefaultHandlerPeriod = 10 * time.Millisecond

	// DefaultWaitTimeout bounds every bus wait. An expired wait fails the
	// transfer instead of leaving the channel in-flight forever.
	DefaultWaitTimeout = 50 * time.Millisecond

	// callbackRegisters is the completion handler table capacity.
	callbackRegisters = 8

	// eventQueueDepth bounds unconsumed bus completions between polls.
	eventQueueDepth = 32
)

// Config is the driver's static configuration.
type Config struct {
	Channels []Channel

	// HandlerPeriod and WaitTimeout default when zero.
	HandlerPeriod time.Duration
	WaitTimeout   time.Duration
}

// busEvent is the typed handoff between the provider callback context and
// the poll context. Completion callbacks and timeout expiries enqueue;
// Poll drains before evaluating transitions.
type busEvent struct {
	provider bus.Kind
	channel  uint8
	length   uint16

	timeout  bool
	instance int // valid when timeout
}

// Driver owns the per-channel transfer state machines. One Driver per
// process; channels are created at Initialize and live for its lifetime.
type Driver struct {
	channels    []Channel
	providers   map[bus.Kind]bus.Provider
	pins        pin.Writer
	scheduler   sched.Scheduler
	control     *notify.Control
	period      time.Duration
	waitTimeout time.Duration

	events chan busEvent

	mu            sync.Mutex
	instances     []instance
	task          sched.TaskHandle
	statusScratch [2]byte
}

// New validates the configuration and builds an uninitialized driver.
func New(cfg Config, providers map[bus.Kind]bus.Provider, pins pin.Writer, scheduler sched.Scheduler) (*Driver, error) {
	if len(cfg.Channels) == 0 {
		return nil, errors.New("flash: at least one channel required")
	}
	if scheduler == nil {
		return nil, errors.New("flash: scheduler required")
	}
	if pins == nil {
		pins = pin.Noop{}
	}
	for _, ch := range cfg.Channels {
		if providers[ch.Bus] == nil {
			return nil, fmt.Errorf("flash: no provider for bus %q (client %d)", ch.Bus, ch.ClientID)
		}
	}

	if cfg.HandlerPeriod <= 0 {
		cfg.HandlerPeriod = DefaultHandlerPeriod
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}

	return &Driver{
		channels:    cfg.Channels,
		providers:   providers,
		pins:        pins,
		scheduler:   scheduler,
		control:     notify.NewControl(callbackRegisters),
		period:      cfg.HandlerPeriod,
		waitTimeout: cfg.WaitTimeout,
		events:      make(chan busEvent, eventQueueDepth),
		instances:   make([]instance, len(cfg.Channels)),
	}, nil
}

// Initialize binds every channel to its bus allocation, parks the control
// pins, registers completion handlers and starts the periodic handler
// task. A channel whose allocation fails stays unbound; transfers on it
// are rejected with ErrNotBound.
func (d *Driver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.scheduler.CreateTask("flash-handler", d.Poll, d.period, false)
	if err != nil {
		return fmt.Errorf("flash: create handler task: %w", err)
	}
	d.task = task

	for i := range d.channels {
		ch := d.channels[i]
		inst := &d.instances[i]
		p := d.providers[ch.Bus]

		inst.state = stateInitialize
		inst.process = processNone

		busCh, err := p.GetAllocation(ch.BoundID)
		if err != nil {
			log.Printf("flash: bus allocation failed client=%d bus=%s: %v", ch.ClientID, ch.Bus, err)
			continue
		}
		inst.busChannel = busCh
		inst.bound = true

		// Park write protect asserted and reset deasserted.
		if ch.WriteProtect != nil {
			if err := d.pins.Write(ch.WriteProtect.Pin, ch.WriteProtect.ActiveLevel); err != nil {
				return fmt.Errorf("flash: assert write protect client=%d: %w", ch.ClientID, err)
			}
		}
		if ch.Reset != nil {
			if err := d.pins.Write(ch.Reset.Pin, !ch.Reset.ActiveLevel); err != nil {
				return fmt.Errorf("flash: release reset client=%d: %w", ch.ClientID, err)
			}
		}

		p.RegisterEventHandler(d.busHandler(ch.Bus), busCh, bus.FilterNone)

		to, err := d.scheduler.AllocateTimeout(d.timeoutFunc(i))
		if err != nil {
			return fmt.Errorf("flash: allocate timeout client=%d: %w", ch.ClientID, err)
		}
		inst.timeout = to

		inst.state = stateIdle
	}

	return nil
}

// GetAllocation resolves a client id to its instance and records the
// caller's mirror buffer and base memory offset. The mirror, when given,
// must cover every region the client writes; Write rejects submissions
// that extend past it.
func (d *Driver) GetAllocation(clientID uint8, mirror []byte, memoryOffset uint32) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.channels {
		if d.channels[i].ClientID == clientID {
			d.instances[i].mirror = mirror
			d.instances[i].memoryOffset = memoryOffset
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("flash: no channel for client %d", clientID)
}

// RegisterEventHandler subscribes h to completion events. The returned
// token identifies the registration for UnregisterEventHandler.
func (d *Driver) RegisterEventHandler(h notify.Handler, filterID, filterValue uint16) (int, error) {
	return d.control.Register(h, filterID, filterValue)
}

// UnregisterEventHandler removes a registration.
func (d *Driver) UnregisterEventHandler(token int) {
	d.control.Unregister(token)
}

// Busy reports whether the instance has a transfer in flight.
func (d *Driver) Busy(id uint8) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(id) >= len(d.instances) {
		return false, ErrInvalidInstance
	}
	inst := &d.instances[id]
	return inst.state != stateIdle || inst.process != processNone, nil
}

// Read starts an asynchronous read of len(buf) bytes at the instance's
// base offset plus offset. It returns before the transfer completes;
// completion is signaled through the registered event handlers.
func (d *Driver) Read(id uint8, buf []byte, offset uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, err := d.submittable(id, buf)
	if err != nil {
		return err
	}
	p := d.providers[d.channels[id].Bus]

	if err := p.StartTransaction(inst.busChannel); err != nil {
		return fmt.Errorf("flash: start transaction: %w", err)
	}

	inst.buf = buf
	inst.target = inst.memoryOffset + offset
	inst.size = uint16(len(buf))
	inst.progress = 0
	inst.process = processWaitWrite
	inst.state = stateSendReadHeader

	if err := d.sendReadHeader(int(id)); err != nil {
		d.abortLocked(int(id))
		return err
	}
	return nil
}

// Write starts an asynchronous write of buf at the instance's base offset
// plus offset. If a mirror buffer is configured the full payload is copied
// into it before the physical write completes; a write extending past the
// mirror is rejected with ErrBufferSize. Returns nil only if the bus
// accepted the transaction start and the first header.
func (d *Driver) Write(id uint8, buf []byte, offset uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, err := d.submittable(id, buf)
	if err != nil {
		return err
	}
	if inst.mirror != nil && uint64(offset)+uint64(len(buf)) > uint64(len(inst.mirror)) {
		return ErrBufferSize
	}
	ch := d.channels[id]
	p := d.providers[ch.Bus]

	if err := p.StartTransaction(inst.busChannel); err != nil {
		return fmt.Errorf("flash: start transaction: %w", err)
	}

	if ch.WriteProtect != nil {
		if err := d.pins.Write(ch.WriteProtect.Pin, !ch.WriteProtect.ActiveLevel); err != nil {
			p.StopTransaction(inst.busChannel)
			return fmt.Errorf("flash: deassert write protect: %w", err)
		}
	}

	inst.buf = buf
	inst.target = inst.memoryOffset + offset
	inst.size = uint16(len(buf))
	inst.progress = 0
	inst.process = processWaitWrite
	inst.state = stateSendWriteHeader

	if err := d.sendWriteHeader(int(id)); err != nil {
		d.abortLocked(int(id))
		return err
	}

	// Optimistic mirror update, before the physical write completes.
	if inst.mirror != nil {
		copy(inst.mirror[offset:], buf)
	}

	d.scheduler.ResumeTask(d.task)
	return nil
}

// submittable checks the submission preconditions and returns the instance.
func (d *Driver) submittable(id uint8, buf []byte) (*instance, error) {
	if int(id) >= len(d.instances) {
		return nil, ErrInvalidInstance
	}
	if len(buf) == 0 || len(buf) > 0xffff {
		return nil, ErrBufferSize
	}
	inst := &d.instances[id]
	if !inst.bound {
		return nil, ErrNotBound
	}
	if inst.process != processNone || inst.state != stateIdle {
		return nil, ErrBusy
	}
	return inst, nil
}

// abortLocked undoes a failed submission: the transaction is stopped,
// write protect re-asserted and the channel returned to idle.
func (d *Driver) abortLocked(i int) {
	ch := d.channels[i]
	inst := &d.instances[i]

	d.scheduler.DisarmTimeout(inst.timeout)
	d.providers[ch.Bus].StopTransaction(inst.busChannel)
	if ch.WriteProtect != nil {
		_ = d.pins.Write(ch.WriteProtect.Pin, ch.WriteProtect.ActiveLevel)
	}

	inst.buf = nil
	inst.size = 0
	inst.progress = 0
	inst.process = processNone
	inst.state = stateIdle
}

// ---- BUS EVENT BRIDGE ----

// busHandler adapts provider completion callbacks into queued events.
// It runs on the provider's goroutine and must not block.
func (d *Driver) busHandler(kind bus.Kind) bus.Handler {
	return func(ev bus.Event) {
		d.enqueue(busEvent{provider: kind, channel: ev.Channel, length: ev.Length})
	}
}

// timeoutFunc builds the expiry callback for one instance's bus wait.
func (d *Driver) timeoutFunc(i int) func() {
	return func() {
		d.enqueue(busEvent{timeout: true, instance: i})
	}
}

func (d *Driver) enqueue(ev busEvent) {
	select {
	case d.events <- ev:
	default:
		log.Printf("flash: event queue full, dropping event provider=%s channel=%d", ev.provider, ev.channel)
	}
	d.scheduler.SetTaskNextCallImmediate(d.task)
}

// drainLocked applies every queued event before transitions are evaluated.
// Timeout expiries may complete a transfer; their notifications are
// returned for delivery outside the lock.
func (d *Driver) drainLocked() []notify.Event {
	var out []notify.Event
	for {
		select {
		case ev := <-d.events:
			if ev.timeout {
				if n, ok := d.expireLocked(ev.instance); ok {
					out = append(out, n)
				}
				continue
			}
			d.bridgeLocked(ev)
		default:
			return out
		}
	}
}

// bridgeLocked locates the logical channel awaiting this bus completion
// and promotes its process kind. First match only.
func (d *Driver) bridgeLocked(ev busEvent) {
	for i := range d.instances {
		if d.channels[i].Bus != ev.provider {
			continue
		}
		inst := &d.instances[i]
		if !inst.bound || inst.busChannel != ev.channel {
			continue
		}

		switch inst.process {
		case processWaitRead:
			inst.process = processRead
		case processWaitWrite:
			inst.process = processWrite
		default:
			// Not waiting; the event belongs to another instance.
			continue
		}

		// Only data phases advance the transfer; header acks carry a
		// length too but move no payload.
		if inst.state == stateWrite || inst.state == stateRead {
			inst.progress += ev.length
		}
		d.scheduler.DisarmTimeout(inst.timeout)
		return
	}
}

// expireLocked fails a transfer whose bus wait timed out. The completion
// event carries the waiting process kind and the progress reached.
func (d *Driver) expireLocked(i int) (notify.Event, bool) {
	if i < 0 || i >= len(d.instances) {
		return notify.Event{}, false
	}
	inst := &d.instances[i]
	if inst.process != processWaitRead && inst.process != processWaitWrite {
		// Stale expiry: the completion arrived first.
		return notify.Event{}, false
	}

	log.Printf("flash: bus wait timed out instance=%d state=%s progress=%d size=%d",
		i, inst.state, inst.progress, inst.size)

	n := notify.Event{
		SourceInstance: uint8(i),
		Value:          notify.Pack(uint8(inst.process), inst.progress),
	}
	d.abortLocked(i)
	return n, true
}

// ---- PERIODIC HANDLER ----

// Poll advances every channel's state machine one step. It is invoked by
// the scheduler at the handler period and immediately after bus events.
func (d *Driver) Poll() {
	d.mu.Lock()
	completions := d.drainLocked()
	for i := range d.instances {
		if n, ok := d.stepLocked(i); ok {
			completions = append(completions, n)
		}
	}
	d.mu.Unlock()

	// Handlers run outside the lock so they may resubmit.
	for _, n := range completions {
		d.control.Notify(n)
	}
}

// stepLocked reacts to one instance's (state, process) pair. All pairs not
// listed are no-ops until the awaited bus event arrives.
func (d *Driver) stepLocked(i int) (notify.Event, bool) {
	ch := d.channels[i]
	inst := &d.instances[i]
	p := d.providers[ch.Bus]

	switch inst.state {
	case stateSendReadHeader:
		// Header transmission confirmed: issue the data read.
		if inst.process == processWrite {
			inst.process = processWaitRead
			inst.state = stateRead
			if err := d.readData(i); err != nil {
				log.Printf("flash: data read request failed instance=%d: %v", i, err)
			}
		}

	case stateRead:
		if inst.process == processRead {
			p.StopTransaction(inst.busChannel)

			n := notify.Event{
				SourceInstance: uint8(i),
				Value:          notify.Pack(uint8(inst.process), inst.size),
			}
			inst.buf = nil
			inst.process = processNone
			inst.state = stateIdle
			return n, true
		}

	case stateSendWriteHeader:
		// Header transmission confirmed: open a fresh transaction and
		// write the next page-bounded chunk.
		if inst.process == processWrite {
			chunk := chunkSize(inst.target, inst.progress, inst.size)

			if err := p.StartTransaction(inst.busChannel); err != nil {
				log.Printf("flash: start transaction failed instance=%d: %v", i, err)
				break
			}
			inst.process = processWaitWrite
			inst.state = stateWrite
			if err := d.writeData(i, chunk); err != nil {
				log.Printf("flash: data write request failed instance=%d: %v", i, err)
			}
		}

	case stateWrite:
		if inst.process == processWrite {
			p.StopTransaction(inst.busChannel)

			if inst.progress < inst.size {
				// Re-arm for the next chunk: the device write pointer
				// does not advance across page boundaries.
				if err := p.StartTransaction(inst.busChannel); err != nil {
					log.Printf("flash: start transaction failed instance=%d: %v", i, err)
					break
				}
				inst.process = processWaitWrite
				inst.state = stateSendWriteHeader
				if err := d.sendWriteHeader(i); err != nil {
					log.Printf("flash: write header failed instance=%d: %v", i, err)
				}
			} else {
				if ch.WriteProtect != nil {
					_ = d.pins.Write(ch.WriteProtect.Pin, ch.WriteProtect.ActiveLevel)
				}

				n := notify.Event{
					SourceInstance: uint8(i),
					Value:          notify.Pack(uint8(inst.process), inst.size),
				}
				inst.buf = nil
				inst.process = processNone
				inst.state = stateIdle
				return n, true
			}
		}
	}

	return notify.Event{}, false
}

// ---- BUS REQUESTS ----

// Every request arms the instance's wait timeout before touching the bus
// so a failed or lost request still resolves through expiry.

func (d *Driver) sendReadHeader(i int) error {
	inst := &d.instances[i]
	d.scheduler.ArmTimeout(inst.timeout, d.waitTimeout)

	h := readHeader(inst.target)
	return d.providers[d.channels[i].Bus].Write(inst.busChannel, h, bus.AddressNone)
}

func (d *Driver) sendWriteHeader(i int) error {
	inst := &d.instances[i]
	d.scheduler.ArmTimeout(inst.timeout, d.waitTimeout)

	h := writeHeader(inst.target + uint32(inst.progress))
	return d.providers[d.channels[i].Bus].Write(inst.busChannel, h, bus.AddressNone)
}

func (d *Driver) readData(i int) error {
	inst := &d.instances[i]
	d.scheduler.ArmTimeout(inst.timeout, d.waitTimeout)

	return d.providers[d.channels[i].Bus].Read(inst.busChannel, inst.buf[:inst.size], bus.AddressNone)
}

func (d *Driver) writeData(i int, size uint16) error {
	inst := &d.instances[i]
	d.scheduler.ArmTimeout(inst.timeout, d.waitTimeout)

	data := inst.buf[inst.progress : inst.progress+size]
	return d.providers[d.channels[i].Bus].Write(inst.busChannel, data, bus.AddressNone)
}
