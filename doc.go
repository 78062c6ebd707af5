// Package iosocket provides sockets for copying data between targets such as
// archive entries, files, and OCI blobs.
//
// A socket does I/O on its local target. An [InputSocket] creates streams
// reading its target; an [OutputSocket] creates streams writing its target.
// Both are built from a factory supplied by the storage implementation:
//
//	in := iosocket.NewInputSocket[archive.Entry, archive.Entry](src)
//	out := iosocket.NewOutputSocket[archive.Entry, archive.Entry](dst)
//	err := iosocket.Copy(in, out)
//
// # Connections
//
// While [Copy] runs, the two sockets are connected: each can see the other's
// local target as its peer target. Factories use the peer target to pick an
// optimized data path. For example, the archive package copies compressed
// entries without decompressing and recompressing them when source and
// destination use the same compression.
//
// A single call to Connect makes the connection visible from both sockets;
// Connect(nil) clears it on both sides.
//
// # Errors
//
// Copy tells the two sides of a failed transfer apart: failures of the input
// side are returned as an [InputError], failures of the output side are
// returned as is.
//
// # Identity
//
// Sockets are compared by identity only. Use == on the socket pointers or
// [Same]; socket values themselves are not comparable.
package iosocket
