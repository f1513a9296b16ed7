// Package notify fans session events out to subscribers.
//
// Publish queues a value on every subscriber's mailbox and returns at
// once; each mailbox is drained in order by its own goroutine, so a slow
// or panicking subscriber delays only itself. Emit instead calls every
// subscriber synchronously on the caller's goroutine.
package notify
