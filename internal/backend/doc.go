// Package backend implements the pluggable persistence/eviction
// contract that tasks and the engine are generic over, plus Memory, a
// reference in-process implementation built around a cache-check,
// execute, then cache flow: hash a PersistentTaskType's content,
// serve a cached result on a hit, otherwise run the body and store
// what it produces.
package backend
