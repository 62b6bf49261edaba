// Package window owns the register window: a fixed-base, fixed-size mapping of a
// physical address range accessed as 32-bit words.
//
// Ownership boundary:
// - open/map of the backing device (or an in-process region)
// - masked word reads and writes
// - process-lifetime release
//
// Addresses are folded into the window with a mask, never rejected. A read or write
// that runs past the end of the window continues at its start. Client tooling relies
// on this.
//
// Sessions in one process share a single Window. Each ReadWords/WriteWords call holds
// the window lock for its whole transaction. Ordering between transactions of
// different sessions is not defined, and the hardware sees whatever interleaving the
// scheduler produces.
package window
