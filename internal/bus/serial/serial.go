// internal/bus/serial/serial.go

// Package serial exposes a flash programmer probe on a serial port as a
// bus.Provider. The probe relays raw bytes to the chip; one port carries
// one bus channel.
package serial

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"

	gserial "github.com/goburrow/serial"

	"github.com/tamzrod/dataflash/internal/bus"
)

// the single bus channel a port carries
const portChannel uint8 = 0

type Config struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Timeout  time.Duration
}

// Provider serializes all port traffic through one worker goroutine so
// header and data phases hit the wire in submission order. Completion
// events are delivered from that goroutine.
type Provider struct {
	port gserial.Port

	mu       sync.Mutex
	handlers []bus.Handler

	ops  chan func()
	once sync.Once
}

// New opens the port and starts the worker.
func New(cfg Config) (*Provider, error) {
	if cfg.Address == "" {
		return nil, errors.New("serial bus: address required")
	}

	port, err := gserial.Open(&gserial.Config{
		Address:  cfg.Address,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}

	p := &Provider{
		port: port,
		ops:  make(chan func(), 16),
	}
	go p.run()
	return p, nil
}

func (p *Provider) run() {
	for op := range p.ops {
		op()
	}
}

// Close stops the worker and closes the port.
func (p *Provider) Close() error {
	p.once.Do(func() { close(p.ops) })
	return p.port.Close()
}

// ---- bus.Provider ----

func (p *Provider) GetAllocation(boundID uint8) (uint8, error) {
	return portChannel, nil
}

func (p *Provider) RegisterEventHandler(h bus.Handler, channel uint8, filter uint16) {
	if h == nil || channel != portChannel {
		return
	}
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

// StartTransaction and StopTransaction are no-ops: the probe owns the chip
// select line and frames transactions from the byte stream itself.
func (p *Provider) StartTransaction(channel uint8) error {
	if channel != portChannel {
		return errors.New("serial bus: unknown channel")
	}
	return nil
}

func (p *Provider) StopTransaction(uint8) {}

func (p *Provider) Write(channel uint8, data []byte, _ bus.AddressMode) error {
	if channel != portChannel {
		return errors.New("serial bus: unknown channel")
	}

	return p.submit(func() {
		n, err := p.port.Write(data)
		if err != nil {
			// No event: the driver's wait timeout resolves the transfer.
			log.Printf("serial bus: write failed: %v", err)
			return
		}
		p.complete(uint16(n))
	})
}

func (p *Provider) Read(channel uint8, buf []byte, _ bus.AddressMode) error {
	if channel != portChannel {
		return errors.New("serial bus: unknown channel")
	}

	return p.submit(func() {
		if _, err := io.ReadFull(p.port, buf); err != nil {
			log.Printf("serial bus: read failed: %v", err)
			return
		}
		p.complete(uint16(len(buf)))
	})
}

func (p *Provider) submit(op func()) error {
	select {
	case p.ops <- op:
		return nil
	default:
		return errors.New("serial bus: request queue full")
	}
}

func (p *Provider) complete(length uint16) {
	p.mu.Lock()
	hs := append([]bus.Handler(nil), p.handlers...)
	p.mu.Unlock()

	ev := bus.Event{Provider: bus.KindSerial, Channel: portChannel, Length: length}
	for _, h := range hs {
		h(ev)
	}
}
