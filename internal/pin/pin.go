// internal/pin/pin.go
package pin

import "log"

// Writer drives a digital output pin. Concrete implementations belong to
// the board support layer; this package only fixes the contract the flash
// driver needs for write-protect and reset lines.
type Writer interface {
	Write(pin uint8, level bool) error
}

// Noop satisfies Writer on targets without pin control.
type Noop struct{}

func (Noop) Write(uint8, bool) error { return nil }

// Logger satisfies Writer by logging each level change. Useful when
// bringing up a configuration against the simulated bus.
type Logger struct{}

func (Logger) Write(p uint8, level bool) error {
	log.Printf("pin: write pin=%d level=%t", p, level)
	return nil
}
