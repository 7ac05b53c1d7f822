// Package relptr translates between process-local addresses and location-independent
// pointers into shared memory segments.
//
// Every process maps a shared memory segment at whatever base address the operating system
// hands it. A Pointer names a byte by segment ID and offset instead, so it can be stored in
// shared memory and followed by any process which has registered the same segment ID in its
// Registry:
//
//	reg := relptr.NewRegistry(logger)
//	err := reg.RegisterSegment(7, base, size)
//	...
//	ptr, err := reg.ToPointer(addr)   // in the producer
//	addr, err := reg.ToLocal(ptr)     // in any consumer, at its own base address
//
// Registries are append-only. Reads never lock and may happen from any number of goroutines
// concurrently with registration.
package relptr
