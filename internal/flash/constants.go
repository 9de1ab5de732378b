// internal/flash/constants.go
package flash

// Device geometry (256-byte page parts).
// These values define the wire protocol and MUST NOT be configurable.

// PageSize is the number of bytes in one flash page. A write never crosses
// a page without a fresh header.
const PageSize = 256

// PageCount is the number of pages on the device.
const PageCount = 1024

// Capacity is the total addressable byte count.
const Capacity = PageSize * PageCount

// ---- HEADER GEOMETRY ----

const (
	pageAddressBytes = 2 // page index field width
	byteAddressBytes = 1 // in-page offset field width
	addressBytes     = pageAddressBytes + byteAddressBytes

	readLatencyBytes  = 1 // device read latency padding
	writeLatencyBytes = 0

	// ReadHeaderSize and WriteHeaderSize include the opcode byte.
	ReadHeaderSize  = 1 + addressBytes + readLatencyBytes
	WriteHeaderSize = 1 + addressBytes + writeLatencyBytes
)

// ---- COMMAND OPCODES ----

const (
	cmdDummy              = 0x00
	cmdWriteMemory        = 0x58 // read-modify-write through buffer 1
	cmdReadMemory         = 0xd2 // main memory page read
	cmdReadStatusRegister = 0xd7
	cmdInvalid            = 0xff
)

// Remaining datasheet command set. Declared for completeness; no driver
// operation issues them.
const (
	cmdContinuousArrayReadHF = 0x0b
	cmdContinuousArrayReadLF = 0x03
	cmdContinuousArrayReadLP = 0x01
	cmdBufferReadHF          = 0xd4
	cmdBufferReadLF          = 0xd1

	cmdBufferWrite = 0x84
	cmdPageErase   = 0x81
	cmdBlockErase  = 0x50
	cmdSectorErase = 0x7c
)

// Multi-byte command sequences (chip erase, sector protect).
var (
	cmdChipErase     = [4]byte{0xc7, 0x94, 0x80, 0x9a}
	cmdSectorProtect = [4]byte{0x3d, 0x2a, 0x7f, 0xcf}
)
