// Package store provides the SQLite-backed kernel-info catalog.
//
// The catalog remembers, per document, the kernels a client has seen
// announced, so that proxies can be created at startup before the remote
// host sends KernelReady. It holds descriptors only: no commands, events or
// values.
//
// # Ordering
//
// Every new row takes the next value of a logical clock (seq). Reads order
// by seq, then lookup uri, never by wall time, so listings are stable across
// runs. Re-recording a known kernel merges into the stored descriptor and
// keeps its original seq.
//
// # Pragmas
//
// File catalogs run in WAL mode with synchronous=NORMAL, so a `kernels`
// listing can read while a client records. Foreign keys are enforced and
// a locked database is retried for five seconds before failing.
package store
