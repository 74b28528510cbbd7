// Package storage is the durable, versioned store of per-device connection
// policy and metadata.
//
// Reads are served from an in-memory mirror and never touch disk. Writes
// update the mirror synchronously, invoke the change callback, and enqueue a
// durable flush on a dedicated writer actor, so callers never block on
// storage I/O and always read their own writes. A flush failure never rolls
// the mirror back; the mirror stays the source of truth and the flush is
// retried with backoff.
//
// The on-disk schema is versioned. Every upgrade is one forward-only,
// additive-or-renaming transformation with an explicit default for new
// fields; migrations never alter unrelated existing values.
package storage
