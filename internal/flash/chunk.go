// internal/flash/chunk.go
package flash

// chunkSize returns the number of bytes the next data-write bus operation
// may carry: the remaining transfer size, clamped to one page, clamped
// again so the chunk ends at the page boundary the device write pointer
// cannot cross.
func chunkSize(target uint32, progress, size uint16) uint16 {
	remaining := size - progress

	chunk := remaining
	if chunk > PageSize {
		chunk = PageSize
	}

	room := uint16(PageSize - (target+uint32(progress))%PageSize)
	if chunk > room {
		chunk = room
	}
	return chunk
}
