// Package engine is the in-process inference provider. It binds to the
// native llama runtime, owns the loaded-model cache, and serializes
// generation per (model path, acceleration mode).
//
// Lock order is: the global load lock, then per-key locks. A caller that
// finds its model cached generates while holding only that key's lock.
// A caller that must load releases its key lock, takes the load lock,
// evicts the other handles of the same acceleration mode (each under its
// own key lock), waits for memory to settle, and then loads under its key
// lock. Generators never request the load lock while holding a key lock.
package engine
