// internal/bus/bus.go
package bus

// Kind identifies a provider class in the channel map.
type Kind string

const (
	KindSerial Kind = "serial"
	KindModbus Kind = "modbus"
	KindSim    Kind = "sim"
)

// AddressMode selects in-transaction addressing for providers that need it.
// The flash protocol frames its own addresses, so drivers pass AddressNone.
type AddressMode uint8

const AddressNone AddressMode = 0

// FilterNone registers a handler for every event on the channel.
const FilterNone uint16 = 0xffff

// Event is one completed bus operation, reported asynchronously by a
// provider after a Write or Read it accepted has finished on the wire.
type Event struct {
	Provider Kind
	Channel  uint8
	Length   uint16 // bytes moved by the completed operation
}

// Handler receives completion events. It may be invoked from a provider
// goroutine; implementations must not block.
type Handler func(Event)

// Provider is the capability contract every concrete bus implements.
// All operations are fire-and-forget: a nil error means the provider
// accepted the request, completion arrives later through the registered
// Handler.
type Provider interface {
	// Write clocks data out on the given bus channel.
	Write(channel uint8, data []byte, mode AddressMode) error

	// Read fills buf from the given bus channel. The provider retains buf
	// until the completion event for this operation has been delivered.
	Read(channel uint8, buf []byte, mode AddressMode) error

	// StartTransaction claims the channel (chip select, register window,
	// line discipline - provider defined) for a sequence of operations.
	StartTransaction(channel uint8) error

	// StopTransaction releases the channel.
	StopTransaction(channel uint8)

	// RegisterEventHandler subscribes h to completion events on channel.
	RegisterEventHandler(h Handler, channel uint8, filter uint16)

	// GetAllocation resolves a configured bound id to a bus channel.
	GetAllocation(boundID uint8) (uint8, error)
}
