// Package rdt implements the reliable data-transport protocol (RDT): a
// TCP-like, connection-oriented, ordered byte-stream transport running
// over the simulated lossy substrate in [github.com/soypat/rdtnet/substrate].
//
// The protocol id on the wire is [ProtoID]. A [Protocol] is bound to one
// [substrate.Host] and owns the four connection tables described in
// spec §3 (bound ports, listening sockets, half-open connections,
// established connections). Applications create [Socket] values through
// [Protocol.NewSocket] and drive them with the familiar
// bind/listen/accept/connect/send/recv verbs.
//
// Data transfer uses stop-and-wait ARQ with a single alternating sequence
// bit per direction (spec §4.4, §4.5); there is no flow control, no
// congestion control, and no window beyond one outstanding segment.
package rdt
