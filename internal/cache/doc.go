// Package cache defines the generation-scoped storage used by the offline
// worker. A Storage holds named buckets (cache generations); each Bucket maps
// a GET request key to a stored response. Four backends share the same
// semantics: fs (temp file + rename per entry), leveldb, sqlite and an
// in-memory map used by tests. Deleting a bucket removes every entry in it,
// which is the only eviction the worker performs.
package cache
