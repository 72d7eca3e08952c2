package rdt

import "github.com/soypat/rdtnet/segment"

// tuple is the connection identifier used to key the half-open and
// established tables, spec §3 "Connection identifier". localIP is
// carried for symmetry even though a Protocol only ever serves one
// local address; it keeps the type self-describing and trivially
// comparable (usable directly as a map key).
type tuple struct {
	localIP     string
	localPort   uint16
	remoteIP    string
	remotePort  uint16
}

// inbound is a decoded segment routed to a socket's segment_queue,
// awaiting a connecting or sending goroutine (spec §3 "segment_queue").
type inbound struct {
	fields  segment.Fields
	payload []byte
}
