package rdt

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/soypat/rdtnet/segment"
	"github.com/soypat/rdtnet/substrate"
)

// Protocol implements [substrate.Protocol] and is the RDT instance bound
// to a single host address. It owns the four disjoint connection tables
// described in spec §3 "Protocol state": bound_ports, listening,
// half_open and established.
type Protocol struct {
	logger
	mu sync.Mutex

	host *substrate.Host
	retx time.Duration

	metrics Metrics

	boundPorts  map[uint16]*Socket
	listening   map[uint16]*Socket
	halfOpen    map[tuple]*Socket
	established map[tuple]*Socket

	rng *rand.Rand
}

// NewProtocol attaches a new RDT instance to host, registering it under
// [ProtoID], spec §6.3 "Protocol registration".
func NewProtocol(host *substrate.Host, cfg Config) (*Protocol, error) {
	retx := cfg.Retx
	if retx <= 0 {
		retx = DefaultRetx
	}
	p := &Protocol{
		logger:      logger{cfg.Logger},
		host:        host,
		retx:        retx,
		metrics:     cfg.Metrics,
		boundPorts:  make(map[uint16]*Socket),
		listening:   make(map[uint16]*Socket),
		halfOpen:    make(map[tuple]*Socket),
		established: make(map[tuple]*Socket),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := host.Register(ProtoID, p); err != nil {
		return nil, err
	}
	return p, nil
}

// NewSocket allocates an unbound, CLOSED socket served by this protocol
// instance, spec §3 "socket()".
func (p *Protocol) NewSocket() *Socket {
	return &Socket{
		id:     xid.New(),
		proto:  p,
		logger: p.logger,
		state:  StateClosed,
	}
}

func (p *Protocol) localIP() string { return p.host.Addr() }

// output encodes fields+payload and hands the result to the host for
// transmission to dst, spec §4.1 "Transmission".
func (p *Protocol) output(fields segment.Fields, payload []byte, dst string) {
	buf := segment.Encode(nil, fields, payload)
	p.trace("proto:tx", slog.String("dst", dst), slog.String("flags", fields.Flags.String()),
		slog.Uint64("seq", uint64(fields.Seq)), slog.Uint64("ack", uint64(fields.Ack)), slog.Int("len", len(payload)))
	if p.metrics != nil {
		p.metrics.SegmentSent(len(buf))
	}
	p.host.Output(ProtoID, buf, dst)
}

// allocateEphemeralPort picks a free port in the ephemeral range and
// binds sock to it, spec §4.3 "Client role": "the stack picks an unused
// ephemeral port".
func (p *Protocol) allocateEphemeralPort(sock *Socket) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	span := ephemeralHigh - ephemeralLow + 1
	start := ephemeralLow + p.rng.Intn(span)
	for i := 0; i < span; i++ {
		port := uint16(ephemeralLow + (start-ephemeralLow+i)%span)
		if _, used := p.boundPorts[port]; !used {
			p.boundPorts[port] = sock
			return port, nil
		}
	}
	return 0, ErrAddressInUse
}

// Input implements [substrate.Protocol]. It decodes an inbound segment,
// verifies its checksum, and demultiplexes it to the socket responsible
// for it, spec §4.2 "Demultiplexing".
func (p *Protocol) Input(data []byte, src string) {
	if p.metrics != nil {
		p.metrics.SegmentReceived(len(data))
	}
	fields, payload, err := segment.Decode(data)
	if err != nil || !segment.Verify(data) {
		p.trace("proto:rx:malformed", slog.String("src", src))
		if p.metrics != nil {
			p.metrics.Dropped("checksum")
		}
		return
	}
	p.trace("proto:rx", slog.String("src", src), slog.String("flags", fields.Flags.String()),
		slog.Uint64("seq", uint64(fields.Seq)), slog.Uint64("ack", uint64(fields.Ack)), slog.Int("len", len(payload)))

	if src == p.localIP() && fields.SrcPort == fields.DstPort {
		// A host sent to itself on its own port: never deliverable,
		// spec §5 "Loopback".
		if p.metrics != nil {
			p.metrics.Dropped("loopback")
		}
		return
	}

	tup := tuple{p.localIP(), fields.DstPort, src, fields.SrcPort}

	switch {
	case fields.Flags.IsSYN() && !fields.Flags.IsACK():
		p.handleSYN(fields, tup, src)
	case fields.Flags.IsSYN() && fields.Flags.IsACK():
		p.handleSynAck(fields, tup, src)
	case fields.Flags.Mask() == segment.FlagACK:
		p.handleBareAck(fields, payload, tup, src)
	default:
		p.handleOther(fields, payload, tup, src)
	}
}

// handleSYN processes an inbound connection request, spec §4.2 step
// "SYN only".
func (p *Protocol) handleSYN(fields segment.Fields, tup tuple, src string) {
	p.mu.Lock()
	if existing, ok := p.halfOpen[tup]; ok {
		p.mu.Unlock()
		// Duplicate SYN for an in-flight handshake: the SYN-ACK
		// retransmit worker already has this covered, nothing to do.
		_ = existing
		return
	}
	if _, ok := p.established[tup]; ok {
		p.mu.Unlock()
		// Duplicate SYN for an already-established connection; ignore.
		if p.metrics != nil {
			p.metrics.Dropped("stale-syn")
		}
		return
	}
	listener, ok := p.listening[fields.DstPort]
	if !ok {
		p.mu.Unlock()
		// spec §4.2: demux-time NotBound is a silent drop, not a
		// returned error -- no caller is waiting on this datapath.
		p.logerr("proto:rx:syn:unbound", slog.Uint64("port", uint64(fields.DstPort)))
		if p.metrics != nil {
			p.metrics.Dropped("unbound")
		}
		return
	}
	p.mu.Unlock()

	child := p.NewSocket()
	child.mu.Lock()
	child.parent = listener
	child.localPort = fields.DstPort
	child.remoteIP = src
	child.remotePort = fields.SrcPort
	child.sendSeq = 0
	child.expectedRecv = fields.Seq ^ 1
	child.segQueue = make(chan inbound, 1)
	child.handshakeDone = make(chan struct{})
	child.state = StateConnecting
	child.mu.Unlock()

	p.mu.Lock()
	p.halfOpen[tup] = child
	p.mu.Unlock()
	p.debug("proto:rx:syn", slog.Uint64("lport", uint64(fields.DstPort)), slog.String("src", src), slog.Uint64("sport", uint64(fields.SrcPort)))

	go p.synAckRetransmitter(child, listener, tup, fields.DstPort, src, fields.SrcPort)
}

// synAckRetransmitter implements the server side of the handshake,
// spec §4.3 "Server role": resend SYN-ACK until the client's final ACK
// is observed. Delivering the established socket to Accept is done by
// handleBareAck, not here.
func (p *Protocol) synAckRetransmitter(child *Socket, listener *Socket, tup tuple, localPort uint16, remoteIP string, remotePort uint16) {
	child.mu.Lock()
	ackSeq := child.sendSeq
	ack := child.expectedRecv
	child.mu.Unlock()
	synAck := segment.Fields{SrcPort: localPort, DstPort: remotePort, Seq: ackSeq, Ack: ack, Flags: segment.FlagSYN | segment.FlagACK}

	for {
		p.output(synAck, nil, remoteIP)
		timer := time.NewTimer(p.retx)
		select {
		case <-child.handshakeDone:
			timer.Stop()
			return
		case <-timer.C:
			if p.metrics != nil {
				p.metrics.Retransmit()
			}
			continue
		}
	}
}

// handleSynAck processes an inbound SYN-ACK, spec §4.2 step
// "SYN+ACK". The segment belongs to a client socket blocked in Connect;
// route it to that socket's segment_queue. A SYN-ACK for a tuple that
// has already reached established means the peer never saw our final
// handshake ACK (it was lost); spec §4.7 requires regenerating it
// rather than leaving the peer's retransmit loop to spin forever.
func (p *Protocol) handleSynAck(fields segment.Fields, tup tuple, src string) {
	p.mu.Lock()
	sock, ok := p.halfOpen[tup]
	if !ok {
		sock, ok = p.established[tup]
	}
	p.mu.Unlock()
	if !ok {
		if p.metrics != nil {
			p.metrics.Dropped("no-half-open")
		}
		return
	}
	if sock.State() == StateConnected {
		sock.regenerateHandshakeAck()
		return
	}
	sock.deliverInbound(fields, nil)
}

// handleBareAck processes a pure-ACK segment: either the final leg of a
// server-side handshake, or a data-ack for an established connection's
// pending Send, spec §4.2 step "ACK only".
func (p *Protocol) handleBareAck(fields segment.Fields, payload []byte, tup tuple, src string) {
	p.mu.Lock()
	if child, ok := p.halfOpen[tup]; ok {
		delete(p.halfOpen, tup)
		p.established[tup] = child
		p.mu.Unlock()

		child.mu.Lock()
		child.state = StateConnected
		// The SYN-ACK used seq 0, so the child's first data segment
		// carries seq 1, mirroring the client side of Connect.
		child.sendSeq ^= 1
		child.mu.Unlock()
		close(child.handshakeDone)
		if p.metrics != nil {
			p.metrics.ConnectionOpened()
		}
		p.debug("proto:rx:ack:handshake-complete", slog.Uint64("lport", uint64(tup.localPort)))

		child.mu.Lock()
		listener := child.parent
		child.mu.Unlock()
		if listener != nil {
			listener.acceptQueue <- child
		}
		return
	}
	if sock, ok := p.established[tup]; ok {
		p.mu.Unlock()
		sock.deliverInbound(fields, payload)
		return
	}
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.Dropped("no-connection")
	}
}

// handleOther processes a segment carrying data (PSH-equivalent: no
// SYN, non-pure-ACK flags combination), spec §4.2 step "data segment" /
// §4.5 stop-and-wait receiver.
func (p *Protocol) handleOther(fields segment.Fields, payload []byte, tup tuple, src string) {
	p.mu.Lock()
	sock, ok := p.established[tup]
	p.mu.Unlock()
	if !ok {
		if p.metrics != nil {
			p.metrics.Dropped("no-connection")
		}
		return
	}
	sock.handleData(fields, payload)
}
