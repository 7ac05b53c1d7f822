// Package mempool implements a lock-free fixed-block allocator whose state lives entirely inside
// a shared memory segment.
//
// A pool is created once, by one process, with Create. Every other process (and every other
// goroutine that wants its own view) opens it with Attach. Blocks are handed out and returned as
// relptr.Pointer values, so a block acquired in one process can be released by another.
//
// Acquire and Release never take a lock and never block: a process that dies in the middle of
// either cannot wedge the pool for anyone else. The price is that a dead process's blocks are
// never returned.
package mempool
