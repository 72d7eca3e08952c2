package udt

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/soypat/rdtnet/substrate"
)

// ProtoID is the protocol id UDT registers itself under on a
// [substrate.Host], matching the original UDTSocket.PROTO_ID.
const ProtoID uint8 = 0xFD

const (
	ephemeralLow  = 49152
	ephemeralHigh = 65535
)

// headerSize is the width of the source/destination port prefix UDT
// segments carry on the wire. The original udt.py sample assumes
// exactly one bound socket per host and so needs no such header; this
// module generalizes it to let several datagram sockets share a host
// the way RDT's port table does, so the host's protocol registry is
// exercised by more than a single fixed endpoint (SPEC_FULL.md), and so
// that recvfrom can report a source port the way a real datagram
// socket would.
const headerSize = 4

// ErrAddressInUse is returned by Bind when port is already claimed on
// this host.
var ErrAddressInUse = errors.New("udt: address in use")

// Protocol is a host's UDT instance: no handshake, no acknowledgment,
// no checksum. Segments are delivered to a socket purely by destination
// port, or dropped if nothing is bound there.
type Protocol struct {
	host *substrate.Host
	rng  *rand.Rand

	mu    sync.Mutex
	ports map[uint16]*Socket
}

// NewProtocol attaches a new UDT instance to host, registering it under
// [ProtoID].
func NewProtocol(host *substrate.Host) (*Protocol, error) {
	p := &Protocol{
		host:  host,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		ports: make(map[uint16]*Socket),
	}
	if err := host.Register(ProtoID, p); err != nil {
		return nil, err
	}
	return p, nil
}

// NewSocket allocates an unbound datagram socket served by this
// protocol instance.
func (p *Protocol) NewSocket() *Socket {
	return &Socket{proto: p}
}

// Input implements [substrate.Protocol]: strips the 4-byte
// source/destination port prefix and enqueues the remaining payload on the bound socket, if
// any, matching udt.py's `input` -> `deliver` with message framing
// preserved (one call to Input is one message).
func (p *Protocol) Input(data []byte, src string) {
	if len(data) < headerSize {
		return
	}
	srcPort := binary.BigEndian.Uint16(data[0:2])
	dstPort := binary.BigEndian.Uint16(data[2:4])
	payload := data[headerSize:]

	p.mu.Lock()
	sock, ok := p.ports[dstPort]
	p.mu.Unlock()
	if !ok {
		return
	}
	sock.deliver(payload, src, srcPort)
}

func (p *Protocol) bind(port uint16, sock *Socket) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.ports[port]; exists {
		return ErrAddressInUse
	}
	p.ports[port] = sock
	return nil
}

func (p *Protocol) allocateEphemeralPort(sock *Socket) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	span := ephemeralHigh - ephemeralLow + 1
	start := ephemeralLow + p.rng.Intn(span)
	for i := 0; i < span; i++ {
		port := uint16(ephemeralLow + (start-ephemeralLow+i)%span)
		if _, used := p.ports[port]; !used {
			p.ports[port] = sock
			return port, nil
		}
	}
	return 0, ErrAddressInUse
}

func (p *Protocol) output(srcPort, dstPort uint16, payload []byte, dst string) {
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	copy(buf[headerSize:], payload)
	p.host.Output(ProtoID, buf, dst)
}
