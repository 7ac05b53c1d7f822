// Package mepoo manages chunks: variable-sized messages carved out of fixed-block pools in shared
// memory and shared, without copying, between any number of processes.
//
// A MemoryManager lays a set of mempool.MemPool instances out inside a segment according to a
// Config. Producers call GetChunk to receive a SharedChunk, write their payload into it in place,
// and hand its Ref to consumers through whatever delivery mechanism they use. Each holder of a
// reference owns exactly one count on the chunk's ChunkManagement record:
//
//	chunk, err := manager.Allocate(300, 8)
//	copy(chunk.UserPayload(), payload)
//	delivered, err := chunk.Duplicate()   // one more holder
//	send(delivered.Ref())                  // the consumer adopts it with FromRef
//	err = chunk.Release()                  // the producer is done
//
// When the last holder releases, the payload block and the ChunkManagement record go back to
// their pools. Nothing on this path blocks or takes a lock.
package mepoo
