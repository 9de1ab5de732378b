// internal/flash/header.go
package flash

// Address decomposition and header framing. Pure functions, no state.
//
// The 3 address bytes carry the page index little-endian followed by the
// in-page byte offset. Decomposition divides by the page SIZE so that the
// page index and in-page offset recombine to the original byte address and
// stay consistent with the chunk planner's boundary math.

// decompose splits an absolute byte address into page index and in-page
// byte offset.
func decompose(addr uint32) (page uint16, off uint8) {
	return uint16(addr / PageSize), uint8(addr % PageSize)
}

// recompose is the inverse of decompose.
func recompose(page uint16, off uint8) uint32 {
	return uint32(page)*PageSize + uint32(off)
}

// readHeader frames a main-memory read of the given absolute address.
// Layout: opcode, page low, page high, in-page offset, one latency byte.
func readHeader(addr uint32) []byte {
	page, off := decompose(addr)

	h := make([]byte, ReadHeaderSize)
	h[0] = cmdReadMemory
	h[1] = byte(page)
	h[2] = byte(page >> 8)
	h[3] = off
	h[4] = cmdDummy
	return h
}

// writeHeader frames a read-modify-write of the given absolute address.
// Layout: opcode, page low, page high, in-page offset. No latency byte.
func writeHeader(addr uint32) []byte {
	page, off := decompose(addr)

	h := make([]byte, WriteHeaderSize)
	h[0] = cmdWriteMemory
	h[1] = byte(page)
	h[2] = byte(page >> 8)
	h[3] = off
	return h
}
