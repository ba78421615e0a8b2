// Intercept Go functions at runtime
//
// detour overwrites the first machine instructions of a function with a jump
// to an interceptor, and builds a trampoline so the interceptor can still
// call the original. Intercept pairs the jump with a Policy that rewrites the
// arguments of selected calls, for instance to run a different binary
// whenever a particular path is executed.
//
// The entry patch is a single aligned 8 byte compare-and-swap, so a
// concurrent caller sees either the old entry or the new one, never a mix.
// Restore writes the original bytes back the same way.
//
// Limitations:
//   - Only supports amd64 on Unix or Windows
//   - Relies on internal Go APIs that can break at any time
//   - Silently fails to intercept inlined calls
//   - Closures can't be targets, only top-level functions and methods
//   - Calls that are running when a function is restored may still be using
//     the trampoline, which Restore frees
//   - A call that needs to grow its stack re-enters the interceptor with the
//     arguments it was already given
//   - Entry instructions that call, loop or address memory more than 2GiB
//     away from the trampoline can't be relocated
package detour
