// Package udt implements the unreliable datagram protocol used
// alongside RDT to exercise a host's multi-protocol registry (SPEC_FULL.md
// "Supplemental features"): no handshake, no acknowledgment, no
// checksum, messages may be lost or corrupted same as any other
// substrate traffic and message boundaries are preserved (unlike rdt's
// byte stream). Grounded on the original implementation's udt.py
// (UDTSocket), restyled after package rdt's bind/port-table idiom.
package udt
