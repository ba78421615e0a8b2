//go:build linux && amd64

package detour

import "golang.org/x/sys/unix"

// Entry thunks are reached with a rel32 jump, so they have to be mapped
// within 2GiB of the text segment. MAP_32BIT keeps them in the low 2GiB,
// which is where a non-PIE Go binary is loaded. It's only used when no
// reservation next to the text segment could be made.
const map_32bit = unix.MAP_32BIT

// mapNoReplace makes a taken hint address fail instead of moving the
// reservation somewhere out of reach.
const mapNoReplace = unix.MAP_FIXED_NOREPLACE
