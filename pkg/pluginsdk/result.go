// Package pluginsdk provides helper functions for plugins compiled to WASM.
// The host and guest exchange buffers as packed pointer/length pairs.
package pluginsdk

// PackResult combines a pointer and a length into a single uint64 result.
func PackResult(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// UnpackResult splits a packed uint64 into its pointer and length.
func UnpackResult(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}

// WriteResult copies data into freshly allocated guest memory and returns
// the packed pointer/length the host expects from register and execute.
func WriteResult(data []byte) uint64 {
	ptr := Alloc(uint32(len(data)))
	WriteBytes(ptr, data)

	return PackResult(ptr, uint32(len(data)))
}
