//go:build !amd64

package detour

import "encoding/binary"

// Only amd64 can be patched. On other architectures a zero patch width makes
// every Target invalid, so nothing is ever written.
const (
	patchWidth = 0
	patchAlign = 0
	stubLen    = 0
)

func wordOf(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func putWord(b []byte, w uint64) {
	binary.LittleEndian.PutUint64(b, w)
}

func encodeStub(from, thunk uintptr, original uint64) (uint64, error) {
	return 0, ErrUnsupportedArch
}

func encodeThunk(buf []byte, closure uintptr) error {
	return ErrUnsupportedArch
}

func displacedLen(code []byte) (int, error) {
	return 0, ErrUnsupportedArch
}

func trampolineSize(code []byte, displaced int) (int, error) {
	return 0, ErrUnsupportedArch
}

func buildTrampoline(dest, code []byte, src uintptr, displaced int) error {
	return ErrUnsupportedArch
}

func disassemble(code []byte) (string, error) {
	return "", ErrUnsupportedArch
}

const thunkSize = 0
