// internal/bus/modbus/modbus.go

// Package modbus tunnels the flash byte stream through a Modbus TCP
// bridge. The bridge maps a holding-register window onto the chip's bus:
// bytes written to the window are clocked out to the chip, reads from the
// window clock bytes in.
//
// Register map (big-endian bytes, two per register):
//
//	control     - 1 opens the chip transaction, 0 closes it
//	control + 1 - byte count of the next window transfer
//	window ...  - data window
package modbus

import (
	"errors"
	"log"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"

	"github.com/tamzrod/dataflash/internal/bus"
)

// the single bus channel a bridge carries
const bridgeChannel uint8 = 0

type Config struct {
	Endpoint       string
	UnitID         uint8
	Timeout        time.Duration
	WindowAddress  uint16
	ControlAddress uint16
}

// Provider is a single TCP connection to one bridge. Requests are
// serialized through a worker goroutine; completion events are delivered
// from it.
type Provider struct {
	handler *gomodbus.TCPClientHandler
	client  gomodbus.Client
	cfg     Config

	mu       sync.Mutex
	handlers []bus.Handler

	ops  chan func()
	once sync.Once
}

// New connects to the bridge and starts the worker.
func New(cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("modbus bus: endpoint required")
	}

	h := gomodbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID

	if err := h.Connect(); err != nil {
		return nil, err
	}

	p := &Provider{
		handler: h,
		client:  gomodbus.NewClient(h),
		cfg:     cfg,
		ops:     make(chan func(), 16),
	}
	go p.run()
	return p, nil
}

func (p *Provider) run() {
	for op := range p.ops {
		op()
	}
}

// Close stops the worker and closes the connection.
func (p *Provider) Close() error {
	p.once.Do(func() { close(p.ops) })
	return p.handler.Close()
}

// ---- bus.Provider ----

func (p *Provider) GetAllocation(boundID uint8) (uint8, error) {
	return bridgeChannel, nil
}

func (p *Provider) RegisterEventHandler(h bus.Handler, channel uint8, filter uint16) {
	if h == nil || channel != bridgeChannel {
		return
	}
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

// StartTransaction opens the chip transaction on the bridge. The control
// write goes through the worker like every other request, so a start never
// overtakes a queued stop; the caller blocks until the bridge answers. It
// is idempotent on the bridge side, so back-to-back starts are safe.
func (p *Provider) StartTransaction(channel uint8) error {
	if channel != bridgeChannel {
		return errors.New("modbus bus: unknown channel")
	}

	res := make(chan error, 1)
	if err := p.submit(func() {
		_, err := p.client.WriteSingleRegister(p.cfg.ControlAddress, 1)
		res <- err
	}); err != nil {
		return err
	}
	return <-res
}

// StopTransaction closes the chip transaction, best effort.
func (p *Provider) StopTransaction(channel uint8) {
	if channel != bridgeChannel {
		return
	}
	if err := p.submit(func() {
		if _, err := p.client.WriteSingleRegister(p.cfg.ControlAddress, 0); err != nil {
			log.Printf("modbus bus: stop transaction failed: %v", err)
		}
	}); err != nil {
		log.Printf("modbus bus: stop transaction dropped: %v", err)
	}
}

func (p *Provider) Write(channel uint8, data []byte, _ bus.AddressMode) error {
	if channel != bridgeChannel {
		return errors.New("modbus bus: unknown channel")
	}
	if len(data) == 0 {
		return errors.New("modbus bus: empty write")
	}

	return p.submit(func() {
		if _, err := p.client.WriteSingleRegister(p.cfg.ControlAddress+1, uint16(len(data))); err != nil {
			log.Printf("modbus bus: count register write failed: %v", err)
			return
		}

		qty := uint16((len(data) + 1) / 2)
		if _, err := p.client.WriteMultipleRegisters(p.cfg.WindowAddress, qty, padEven(data)); err != nil {
			// No event: the driver's wait timeout resolves the transfer.
			log.Printf("modbus bus: window write failed: %v", err)
			return
		}
		p.complete(uint16(len(data)))
	})
}

func (p *Provider) Read(channel uint8, buf []byte, _ bus.AddressMode) error {
	if channel != bridgeChannel {
		return errors.New("modbus bus: unknown channel")
	}
	if len(buf) == 0 {
		return errors.New("modbus bus: empty read")
	}

	return p.submit(func() {
		if _, err := p.client.WriteSingleRegister(p.cfg.ControlAddress+1, uint16(len(buf))); err != nil {
			log.Printf("modbus bus: count register write failed: %v", err)
			return
		}

		qty := uint16((len(buf) + 1) / 2)
		raw, err := p.client.ReadHoldingRegisters(p.cfg.WindowAddress, qty)
		if err != nil {
			log.Printf("modbus bus: window read failed: %v", err)
			return
		}
		if len(raw) < len(buf) {
			log.Printf("modbus bus: short window read: got=%d want=%d", len(raw), len(buf))
			return
		}
		copy(buf, raw[:len(buf)])
		p.complete(uint16(len(buf)))
	})
}

func (p *Provider) submit(op func()) error {
	select {
	case p.ops <- op:
		return nil
	default:
		return errors.New("modbus bus: request queue full")
	}
}

func (p *Provider) complete(length uint16) {
	p.mu.Lock()
	hs := append([]bus.Handler(nil), p.handlers...)
	p.mu.Unlock()

	ev := bus.Event{Provider: bus.KindModbus, Channel: bridgeChannel, Length: length}
	for _, h := range hs {
		h(ev)
	}
}

// padEven pads data to a whole number of registers.
func padEven(data []byte) []byte {
	if len(data)%2 == 0 {
		return data
	}
	return append(append([]byte(nil), data...), 0x00)
}
