// Package hash provides the 32-bit streaming hash used to identify call
// stacks, and the pointer hash used for sampling decisions.
//
// The call-stack hash is SuperFastHash (Paul Hsieh), exposed both as a
// one-shot function and as a resumable Step/Finish pair. The resumable
// form is what the call-stack interner needs: its trie stores one uint32
// of intermediate digest per node and extends it by one frame at a time,
// finishing only at the leaf. The intermediate state being a plain uint32
// is a hard requirement of that layout.
//
// The pointer hash is a single multiply taking the top byte, used to
// decide deterministically whether an allocation event is sampled. The
// multiplier is taken from Farmhash.
package hash

import "encoding/binary"

// Multiplier for the pointer hash, from Farmhash
// (https://github.com/google/farmhash).
const pointerHashMultiplier = 0x9ddfea08eb382d69

// Step folds the bytes of p into the running digest h.
//
// p is processed in 4-byte blocks; its length must be a multiple of 4.
// Callers hash fixed-width frame words, so the odd-tail handling of the
// reference implementation is not needed here.
func Step(h uint32, p []byte) uint32 {
	for len(p) >= 4 {
		h += uint32(binary.LittleEndian.Uint16(p))
		tmp := uint32(binary.LittleEndian.Uint16(p[2:]))<<11 ^ h
		h = h<<16 ^ tmp
		h += h >> 11
		p = p[4:]
	}
	return h
}

// StepUintptr folds a single pointer-sized word into the running digest.
func StepUintptr(h uint32, v uintptr) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return Step(h, buf[:])
}

// Finish applies the final avalanche to a digest produced by Step.
func Finish(h uint32) uint32 {
	h ^= h << 3
	h += h >> 5
	h ^= h << 4
	h += h >> 17
	h ^= h << 25
	h += h >> 6
	return h
}

// Sum32 computes the full hash of p in one shot. Equivalent to seeding
// Step with len(p) and applying Finish.
func Sum32(p []byte) uint32 {
	return Finish(Step(uint32(len(p)), p))
}

// Pointer hashes a pointer value and returns the top eight bits.
//
// The input is the pointer's address bits, not the memory it refers to.
// Used by the sampling filter: an event is kept iff
// Pointer(ptr) < samplingFactor. Because the result depends only on the
// pointer value, an allocation and its matching free always reach the
// same decision.
func Pointer(ptr uintptr) uint64 {
	return uint64(ptr) * pointerHashMultiplier >> 56
}
