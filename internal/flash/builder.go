// internal/flash/builder.go
package flash

import (
	"fmt"
	"time"

	"github.com/tamzrod/dataflash/internal/bus"
	busmodbus "github.com/tamzrod/dataflash/internal/bus/modbus"
	busserial "github.com/tamzrod/dataflash/internal/bus/serial"
	bussim "github.com/tamzrod/dataflash/internal/bus/sim"
	cfgpkg "github.com/tamzrod/dataflash/internal/config"
	"github.com/tamzrod/dataflash/internal/pin"
	"github.com/tamzrod/dataflash/internal/sched"
)

// Build wires the configured bus providers and constructs a driver.
// The returned closer shuts the providers down.
func Build(cfg *cfgpkg.Config, pins pin.Writer, scheduler sched.Scheduler) (*Driver, func(), error) {
	providers := make(map[bus.Kind]bus.Provider)
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	need := make(map[bus.Kind]bool)
	for _, ch := range cfg.Flash.Channels {
		need[bus.Kind(ch.Bus)] = true
	}

	if need[bus.KindSim] {
		providers[bus.KindSim] = bussim.New()
	}

	if need[bus.KindSerial] {
		s := cfg.Flash.Serial
		p, err := busserial.New(busserial.Config{
			Address:  s.Address,
			BaudRate: s.BaudRate,
			DataBits: s.DataBits,
			StopBits: s.StopBits,
			Parity:   s.Parity,
			Timeout:  time.Duration(s.TimeoutMs) * time.Millisecond,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("flash: serial provider: %w", err)
		}
		providers[bus.KindSerial] = p
		closers = append(closers, func() { _ = p.Close() })
	}

	if need[bus.KindModbus] {
		m := cfg.Flash.Modbus
		p, err := busmodbus.New(busmodbus.Config{
			Endpoint:       m.Endpoint,
			UnitID:         m.UnitID,
			Timeout:        time.Duration(m.TimeoutMs) * time.Millisecond,
			WindowAddress:  m.WindowAddress,
			ControlAddress: m.ControlAddress,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("flash: modbus provider: %w", err)
		}
		providers[bus.KindModbus] = p
		closers = append(closers, func() { _ = p.Close() })
	}

	channels := make([]Channel, 0, len(cfg.Flash.Channels))
	for _, ch := range cfg.Flash.Channels {
		c := Channel{
			ClientID:     ch.ClientID,
			Bus:          bus.Kind(ch.Bus),
			BoundID:      ch.BoundID,
			MemoryOffset: ch.MemoryOffset,
		}
		if ch.WriteProtect != nil {
			c.WriteProtect = &PinConfig{Pin: ch.WriteProtect.Pin, ActiveLevel: ch.WriteProtect.ActiveLevel}
		}
		if ch.Reset != nil {
			c.Reset = &PinConfig{Pin: ch.Reset.Pin, ActiveLevel: ch.Reset.ActiveLevel}
		}
		channels = append(channels, c)
	}

	d, err := New(
		Config{
			Channels:      channels,
			HandlerPeriod: time.Duration(cfg.Flash.HandlerPeriodMs) * time.Millisecond,
			WaitTimeout:   time.Duration(cfg.Flash.WaitTimeoutMs) * time.Millisecond,
		},
		providers,
		pins,
		scheduler,
	)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	return d, closeAll, nil
}

// SimDevice returns the simulated device when a driver built by Build uses
// the sim bus. Demo and test helper.
func (d *Driver) SimDevice() *bussim.Device {
	if p, ok := d.providers[bus.KindSim].(*bussim.Device); ok {
		return p
	}
	return nil
}
