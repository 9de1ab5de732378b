// internal/flash/driver_test.go
package flash

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/tamzrod/dataflash/internal/bus"
	"github.com/tamzrod/dataflash/internal/bus/sim"
	"github.com/tamzrod/dataflash/internal/notify"
	"github.com/tamzrod/dataflash/internal/sched"
)

// ---- fake scheduler ----

type fakeScheduler struct {
	tasks    []sched.TaskFunc
	expiries map[sched.TimeoutHandle]func()
	armed    map[sched.TimeoutHandle]bool
	nextTO   sched.TimeoutHandle
	resumes  int
	kicks    int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		expiries: make(map[sched.TimeoutHandle]func()),
		armed:    make(map[sched.TimeoutHandle]bool),
	}
}

func (s *fakeScheduler) CreateTask(name string, fn sched.TaskFunc, period time.Duration, autostart bool) (sched.TaskHandle, error) {
	s.tasks = append(s.tasks, fn)
	return sched.TaskHandle(len(s.tasks) - 1), nil
}

func (s *fakeScheduler) ResumeTask(sched.TaskHandle)               { s.resumes++ }
func (s *fakeScheduler) SetTaskNextCallImmediate(sched.TaskHandle) { s.kicks++ }

func (s *fakeScheduler) AllocateTimeout(expired func()) (sched.TimeoutHandle, error) {
	h := s.nextTO
	s.nextTO++
	s.expiries[h] = expired
	return h, nil
}

func (s *fakeScheduler) ArmTimeout(h sched.TimeoutHandle, d time.Duration) { s.armed[h] = true }
func (s *fakeScheduler) DisarmTimeout(h sched.TimeoutHandle)               { s.armed[h] = false }
func (s *fakeScheduler) ReleaseTimeout(h sched.TimeoutHandle)              { delete(s.expiries, h) }

// expire fires an armed timeout, as the timer goroutine would.
func (s *fakeScheduler) expire(h sched.TimeoutHandle) {
	if s.armed[h] {
		s.armed[h] = false
		s.expiries[h]()
	}
}

// fire invokes the expiry callback unconditionally, modeling a callback
// already in flight when the timeout was disarmed.
func (s *fakeScheduler) fire(h sched.TimeoutHandle) {
	s.expiries[h]()
}

// ---- fake bus provider ----

type busCall struct {
	op      string // start | stop | write | read
	channel uint8
	data    []byte
	readLen int
}

type fakeBus struct {
	kind      bus.Kind
	calls     []busCall
	handlers  map[uint8][]bus.Handler
	lastRead  []byte
	failStart bool
	failAlloc bool
}

func newFakeBus(kind bus.Kind) *fakeBus {
	return &fakeBus{kind: kind, handlers: make(map[uint8][]bus.Handler)}
}

func (f *fakeBus) GetAllocation(boundID uint8) (uint8, error) {
	if f.failAlloc {
		return 0, errors.New("fake bus: no allocation")
	}
	return boundID, nil
}

func (f *fakeBus) RegisterEventHandler(h bus.Handler, channel uint8, filter uint16) {
	f.handlers[channel] = append(f.handlers[channel], h)
}

func (f *fakeBus) StartTransaction(channel uint8) error {
	if f.failStart {
		return errors.New("fake bus: start refused")
	}
	f.calls = append(f.calls, busCall{op: "start", channel: channel})
	return nil
}

func (f *fakeBus) StopTransaction(channel uint8) {
	f.calls = append(f.calls, busCall{op: "stop", channel: channel})
}

func (f *fakeBus) Write(channel uint8, data []byte, _ bus.AddressMode) error {
	f.calls = append(f.calls, busCall{op: "write", channel: channel, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeBus) Read(channel uint8, buf []byte, _ bus.AddressMode) error {
	f.calls = append(f.calls, busCall{op: "read", channel: channel, readLen: len(buf)})
	f.lastRead = buf
	return nil
}

// complete reports a finished bus operation to the registered handlers.
func (f *fakeBus) complete(channel uint8, length uint16) {
	for _, h := range f.handlers[channel] {
		h(bus.Event{Provider: f.kind, Channel: channel, Length: length})
	}
}

func (f *fakeBus) ops() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.op
	}
	return out
}

// ---- fake pins ----

type pinCall struct {
	pin   uint8
	level bool
}

type fakePins struct {
	calls []pinCall
}

func (f *fakePins) Write(p uint8, level bool) error {
	f.calls = append(f.calls, pinCall{pin: p, level: level})
	return nil
}

// ---- harness ----

type testRig struct {
	drv    *Driver
	fbus   *fakeBus
	fsched *fakeScheduler
	fpins  *fakePins
	events []notify.Event
}

func newTestRig(t *testing.T, channels []Channel) *testRig {
	t.Helper()

	rig := &testRig{
		fbus:   newFakeBus(bus.KindSim),
		fsched: newFakeScheduler(),
		fpins:  &fakePins{},
	}

	drv, err := New(
		Config{Channels: channels},
		map[bus.Kind]bus.Provider{bus.KindSim: rig.fbus},
		rig.fpins,
		rig.fsched,
	)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	rig.drv = drv

	if err := drv.Initialize(); err != nil {
		t.Fatalf("Initialize() err=%v", err)
	}

	if _, err := drv.RegisterEventHandler(func(ev notify.Event) {
		rig.events = append(rig.events, ev)
	}, notify.FilterIDNone, 0); err != nil {
		t.Fatalf("RegisterEventHandler() err=%v", err)
	}

	return rig
}

func oneChannel() []Channel {
	return []Channel{{ClientID: 7, Bus: bus.KindSim, BoundID: 0}}
}

// pump completes the most recent bus operation and polls once.
func (r *testRig) pump(length uint16) {
	r.fbus.complete(0, length)
	r.drv.Poll()
}

// ---- tests ----

func TestWrite_SingleChunk(t *testing.T) {
	rig := newTestRig(t, oneChannel())

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if err := rig.drv.Write(0, payload, 300); err != nil {
		t.Fatalf("Write() err=%v", err)
	}

	// submission: transaction started, header on the wire
	if got := rig.fbus.ops(); len(got) != 2 || got[0] != "start" || got[1] != "write" {
		t.Fatalf("after submit: ops=%v", got)
	}
	wantHeader := []byte{0x58, 0x01, 0x00, 44} // page 1, offset 44
	if !bytes.Equal(rig.fbus.calls[1].data, wantHeader) {
		t.Fatalf("write header: got=%x want=%x", rig.fbus.calls[1].data, wantHeader)
	}
	if rig.fsched.resumes == 0 {
		t.Fatal("write submission must resume the handler task")
	}

	// header ack: fresh transaction, full payload in one chunk
	rig.pump(uint16(len(wantHeader)))
	if got := rig.fbus.ops(); len(got) != 4 || got[2] != "start" || got[3] != "write" {
		t.Fatalf("after header ack: ops=%v", got)
	}
	if !bytes.Equal(rig.fbus.calls[3].data, payload) {
		t.Fatalf("data chunk: got=%x want=%x", rig.fbus.calls[3].data, payload)
	}

	// data ack: transaction stopped, completion emitted
	rig.pump(uint16(len(payload)))
	if got := rig.fbus.ops(); got[len(got)-1] != "stop" {
		t.Fatalf("after data ack: ops=%v", got)
	}
	if len(rig.events) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(rig.events))
	}
	ev := rig.events[0]
	if notify.Kind(ev.Value) != ProcessWrite || notify.Size(ev.Value) != 10 {
		t.Fatalf("completion value: kind=%d size=%d", notify.Kind(ev.Value), notify.Size(ev.Value))
	}

	busy, err := rig.drv.Busy(0)
	if err != nil || busy {
		t.Fatalf("Busy()=%t err=%v after completion", busy, err)
	}
}

func TestWrite_SplitsAtPageBoundary(t *testing.T) {
	rig := newTestRig(t, oneChannel())

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	if err := rig.drv.Write(0, payload, 250); err != nil {
		t.Fatalf("Write() err=%v", err)
	}

	rig.pump(4)  // first header ack
	rig.pump(6)  // first chunk ack (6 bytes to the boundary)
	rig.pump(4)  // second header ack
	rig.pump(14) // second chunk ack

	var chunks [][]byte
	var headers [][]byte
	for _, c := range rig.fbus.calls {
		if c.op != "write" {
			continue
		}
		if c.data[0] == 0x58 && len(c.data) == WriteHeaderSize {
			headers = append(headers, c.data)
		} else {
			chunks = append(chunks, c.data)
		}
	}

	if len(headers) != 2 {
		t.Fatalf("expected 2 headers, got %d", len(headers))
	}
	// second header re-frames at the page boundary (address 256)
	if want := []byte{0x58, 0x01, 0x00, 0x00}; !bytes.Equal(headers[1], want) {
		t.Fatalf("second header: got=%x want=%x", headers[1], want)
	}

	if len(chunks) != 2 || len(chunks[0]) != 6 || len(chunks[1]) != 14 {
		t.Fatalf("chunk sizes: got=%v", chunkLens(chunks))
	}
	if !bytes.Equal(chunks[0], payload[:6]) || !bytes.Equal(chunks[1], payload[6:]) {
		t.Fatal("chunk contents do not partition the payload")
	}

	if len(rig.events) != 1 || notify.Size(rig.events[0].Value) != 20 {
		t.Fatalf("completion: events=%d", len(rig.events))
	}
}

func chunkLens(chunks [][]byte) []int {
	out := make([]int, len(chunks))
	for i, c := range chunks {
		out[i] = len(c)
	}
	return out
}

func TestRead_Roundtrip(t *testing.T) {
	rig := newTestRig(t, oneChannel())

	buf := make([]byte, 8)
	if err := rig.drv.Read(0, buf, 300); err != nil {
		t.Fatalf("Read() err=%v", err)
	}

	// submission: header with read opcode and latency byte
	wantHeader := []byte{0xd2, 0x01, 0x00, 44, 0x00}
	if !bytes.Equal(rig.fbus.calls[1].data, wantHeader) {
		t.Fatalf("read header: got=%x want=%x", rig.fbus.calls[1].data, wantHeader)
	}

	// header ack: data read requested for the full transfer size
	rig.pump(uint16(len(wantHeader)))
	last := rig.fbus.calls[len(rig.fbus.calls)-1]
	if last.op != "read" || last.readLen != len(buf) {
		t.Fatalf("after header ack: op=%s len=%d", last.op, last.readLen)
	}

	// device data arrives
	copy(rig.fbus.lastRead, []byte{0xca, 0xfe, 0xba, 0xbe, 1, 2, 3, 4})
	rig.pump(uint16(len(buf)))

	if len(rig.events) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(rig.events))
	}
	ev := rig.events[0]
	if notify.Kind(ev.Value) != ProcessRead || notify.Size(ev.Value) != 8 {
		t.Fatalf("completion value: kind=%d size=%d", notify.Kind(ev.Value), notify.Size(ev.Value))
	}
	if !bytes.Equal(buf, []byte{0xca, 0xfe, 0xba, 0xbe, 1, 2, 3, 4}) {
		t.Fatalf("read buffer: got=%x", buf)
	}
}

func TestSubmit_RejectsWhileBusy(t *testing.T) {
	rig := newTestRig(t, oneChannel())

	if err := rig.drv.Write(0, []byte{1}, 0); err != nil {
		t.Fatalf("Write() err=%v", err)
	}
	before := len(rig.fbus.calls)

	if err := rig.drv.Write(0, []byte{2}, 0); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Write: err=%v want ErrBusy", err)
	}
	if err := rig.drv.Read(0, make([]byte, 1), 0); !errors.Is(err, ErrBusy) {
		t.Fatalf("Read while busy: err=%v want ErrBusy", err)
	}

	if len(rig.fbus.calls) != before {
		t.Fatal("rejected submission must not touch the bus")
	}
}

func TestSubmit_InvalidInstance(t *testing.T) {
	rig := newTestRig(t, oneChannel())

	if err := rig.drv.Read(9, make([]byte, 1), 0); !errors.Is(err, ErrInvalidInstance) {
		t.Fatalf("err=%v want ErrInvalidInstance", err)
	}
	if len(rig.fbus.calls) != 0 {
		t.Fatal("invalid instance must not touch the bus")
	}
}

func TestSubmit_UnboundChannel(t *testing.T) {
	rig := &testRig{
		fbus:   newFakeBus(bus.KindSim),
		fsched: newFakeScheduler(),
		fpins:  &fakePins{},
	}
	rig.fbus.failAlloc = true

	drv, err := New(
		Config{Channels: oneChannel()},
		map[bus.Kind]bus.Provider{bus.KindSim: rig.fbus},
		rig.fpins,
		rig.fsched,
	)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if err := drv.Initialize(); err != nil {
		t.Fatalf("Initialize() err=%v", err)
	}

	if err := drv.Read(0, make([]byte, 1), 0); !errors.Is(err, ErrNotBound) {
		t.Fatalf("err=%v want ErrNotBound", err)
	}
	if len(rig.fbus.calls) != 0 {
		t.Fatal("unbound channel must not touch the bus")
	}
}

func TestWrite_MirrorUpdatedImmediately(t *testing.T) {
	rig := newTestRig(t, oneChannel())

	mirror := make([]byte, 512)
	id, err := rig.drv.GetAllocation(7, mirror, 0)
	if err != nil {
		t.Fatalf("GetAllocation() err=%v", err)
	}

	payload := []byte{9, 8, 7, 6}
	if err := rig.drv.Write(id, payload, 100); err != nil {
		t.Fatalf("Write() err=%v", err)
	}

	// No completion has been delivered yet.
	if !bytes.Equal(mirror[100:104], payload) {
		t.Fatalf("mirror: got=%x want=%x", mirror[100:104], payload)
	}
}

func TestWrite_RejectsPastEndOfMirror(t *testing.T) {
	rig := newTestRig(t, oneChannel())

	mirror := make([]byte, 16)
	id, err := rig.drv.GetAllocation(7, mirror, 0)
	if err != nil {
		t.Fatalf("GetAllocation() err=%v", err)
	}

	// 8 bytes at offset 12 would spill 4 bytes past the mirror.
	if err := rig.drv.Write(id, make([]byte, 8), 12); !errors.Is(err, ErrBufferSize) {
		t.Fatalf("err=%v want ErrBufferSize", err)
	}
	if len(rig.fbus.calls) != 0 {
		t.Fatal("rejected submission must not touch the bus")
	}

	// An exact fit is accepted and mirrored in full.
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := rig.drv.Write(id, payload, 8); err != nil {
		t.Fatalf("Write() err=%v", err)
	}
	if !bytes.Equal(mirror[8:], payload) {
		t.Fatalf("mirror tail: got=%x want=%x", mirror[8:], payload)
	}
}

func TestWrite_WriteProtectSequence(t *testing.T) {
	channels := []Channel{{
		ClientID:     7,
		Bus:          bus.KindSim,
		BoundID:      0,
		WriteProtect: &PinConfig{Pin: 5, ActiveLevel: true},
	}}
	rig := newTestRig(t, channels)

	// Initialize parks the pin asserted.
	if len(rig.fpins.calls) != 1 || rig.fpins.calls[0] != (pinCall{pin: 5, level: true}) {
		t.Fatalf("initialize pin calls: %v", rig.fpins.calls)
	}

	if err := rig.drv.Write(0, []byte{1, 2}, 0); err != nil {
		t.Fatalf("Write() err=%v", err)
	}
	if last := rig.fpins.calls[len(rig.fpins.calls)-1]; last != (pinCall{pin: 5, level: false}) {
		t.Fatalf("submit must deassert write protect: %v", last)
	}

	rig.pump(4)
	rig.pump(2)

	if last := rig.fpins.calls[len(rig.fpins.calls)-1]; last != (pinCall{pin: 5, level: true}) {
		t.Fatalf("completion must re-assert write protect: %v", last)
	}
	if len(rig.events) != 1 {
		t.Fatalf("expected completion event, got %d", len(rig.events))
	}
}

func TestTimeout_FailsTransfer(t *testing.T) {
	rig := newTestRig(t, oneChannel())

	if err := rig.drv.Write(0, []byte{1, 2, 3}, 0); err != nil {
		t.Fatalf("Write() err=%v", err)
	}

	// The header ack never arrives; the wait timeout expires instead.
	rig.fsched.expire(0)
	rig.drv.Poll()

	if len(rig.events) != 1 {
		t.Fatalf("expected failure completion, got %d events", len(rig.events))
	}
	ev := rig.events[0]
	if notify.Kind(ev.Value) != ProcessWaitWrite {
		t.Fatalf("failure kind: got=%d want=%d", notify.Kind(ev.Value), ProcessWaitWrite)
	}
	if notify.Size(ev.Value) != 0 {
		t.Fatalf("failure progress: got=%d want=0", notify.Size(ev.Value))
	}

	if got := rig.fbus.ops(); got[len(got)-1] != "stop" {
		t.Fatalf("expiry must stop the transaction: ops=%v", got)
	}

	busy, _ := rig.drv.Busy(0)
	if busy {
		t.Fatal("channel must return to idle after expiry")
	}

	// The channel is usable again.
	if err := rig.drv.Write(0, []byte{4}, 0); err != nil {
		t.Fatalf("Write() after expiry err=%v", err)
	}
}

func TestTimeout_StaleExpiryIgnored(t *testing.T) {
	rig := newTestRig(t, oneChannel())

	if err := rig.drv.Write(0, []byte{1}, 0); err != nil {
		t.Fatalf("Write() err=%v", err)
	}

	rig.pump(4) // header ack
	rig.pump(1) // data ack, transfer complete, timeout disarmed

	// Completion won the race: a late expiry callback must be a no-op.
	rig.fsched.fire(0)
	rig.drv.Poll()

	if len(rig.events) != 1 || notify.Kind(rig.events[0].Value) != ProcessWrite {
		t.Fatalf("events=%v", rig.events)
	}
	busy, _ := rig.drv.Busy(0)
	if busy {
		t.Fatal("stale expiry must not disturb the idle channel")
	}
}

func TestStartFailure_NoStateChange(t *testing.T) {
	rig := newTestRig(t, oneChannel())
	rig.fbus.failStart = true

	if err := rig.drv.Write(0, []byte{1}, 0); err == nil {
		t.Fatal("expected error from refused transaction start")
	}

	busy, _ := rig.drv.Busy(0)
	if busy {
		t.Fatal("failed submission must not leave the channel busy")
	}
	if len(rig.fbus.calls) != 0 {
		t.Fatalf("unexpected bus traffic: %v", rig.fbus.ops())
	}
}

// ---- integration with the simulated device ----

func TestDriver_SimRoundTrip(t *testing.T) {
	dev := sim.New()
	fsched := newFakeScheduler()

	drv, err := New(
		Config{Channels: oneChannel()},
		map[bus.Kind]bus.Provider{bus.KindSim: dev},
		nil,
		fsched,
	)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if err := drv.Initialize(); err != nil {
		t.Fatalf("Initialize() err=%v", err)
	}

	var events []notify.Event
	if _, err := drv.RegisterEventHandler(func(ev notify.Event) {
		events = append(events, ev)
	}, notify.FilterIDNone, 0); err != nil {
		t.Fatalf("RegisterEventHandler() err=%v", err)
	}

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(0x30 + i)
	}

	// Split write: 6 bytes up to the boundary at 256, then 14.
	if err := drv.Write(0, payload, 250); err != nil {
		t.Fatalf("Write() err=%v", err)
	}
	for i := 0; i < 10 && len(events) == 0; i++ {
		drv.Poll()
	}
	if len(events) != 1 {
		t.Fatalf("write completion missing after polling")
	}

	if got := dev.Bytes(250, 20); !bytes.Equal(got, payload) {
		t.Fatalf("device memory: got=%x want=%x", got, payload)
	}

	back := make([]byte, 20)
	if err := drv.Read(0, back, 250); err != nil {
		t.Fatalf("Read() err=%v", err)
	}
	for i := 0; i < 10 && len(events) == 1; i++ {
		drv.Poll()
	}
	if len(events) != 2 {
		t.Fatalf("read completion missing after polling")
	}
	if !bytes.Equal(back, payload) {
		t.Fatalf("readback: got=%x want=%x", back, payload)
	}
}
