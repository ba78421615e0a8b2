//go:build !(linux && amd64)

package detour

// Darwin, the BSDs and Windows have no equivalent to MAP_32BIT or
// MAP_FIXED_NOREPLACE. Hint addresses are checked after the fact instead.
const (
	map_32bit    = 0
	mapNoReplace = 0
)
