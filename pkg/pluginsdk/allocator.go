package pluginsdk

var nextPtr uint32

// ResetAllocator resets the allocator to the initial memory offset.
func ResetAllocator() {
	nextPtr = 8
}

// Alloc allocates n bytes with 8-byte alignment and returns a packed
// pointer/length pair, matching the alloc export contract.
func Alloc(n uint32) uint32 {
	ptr := nextPtr
	padding := (8 - n%8) % 8
	nextPtr += n + padding

	return ptr
}

// AllocPacked is the shape the host calls through the alloc export: it
// returns the allocation as a packed ptr<<32|len value.
func AllocPacked(n uint32) uint64 {
	return PackResult(Alloc(n), n)
}

// Free releases the memory at ptr.
// Currently a no-op; the bump allocator reclaims nothing.
func Free(ptr uint32) {
	_ = ptr
}
