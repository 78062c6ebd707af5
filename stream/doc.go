// Package stream implements the bulk transfer between an open reader and an
// open writer.
//
// An [Engine] runs a two-party pipeline: a producer goroutine reads the input
// into fixed-size buffers drawn from a shared [BufferPool] and queues them on a
// bounded channel, while the calling goroutine drains the queue and writes the
// output. Reading and writing latency overlap, and buffers are recycled across
// transfers.
//
// [Engine.Copy] owns both streams: it closes them under every outcome. A
// failure of the reading side is reported as an [*InputError]; a failure of
// the writing side is reported as is, so callers can tell which side faulted.
package stream
