package detour

import "encoding/binary"

const (
	// patchWidth is the number of entry bytes replaced by an interception.
	// A 5 byte JMP rel32 is written at the start of an 8 byte word, and the
	// whole word is stored at once. Go aligns function entries to 32 bytes,
	// so the word never straddles a cache line.
	patchWidth = 8
	patchAlign = 8

	stubLen = 5
)

func wordOf(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func putWord(b []byte, w uint64) {
	binary.LittleEndian.PutUint64(b, w)
}
