package rdt

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/soypat/rdtnet/internal"
	"github.com/soypat/rdtnet/segment"
)

// Socket is one RDT stream socket: CLOSED -> BOUND -> LISTENING, or
// CLOSED -> BOUND -> CONNECTING -> CONNECTED, spec §3 "Lifecycle". A
// listening socket materializes a child Socket in CONNECTING state for
// each inbound SYN; the child becomes CONNECTED once the handshake ACK
// is observed and is delivered to the listener's Accept call.
type Socket struct {
	id   xid.ID
	mu   sync.Mutex
	proto *Protocol
	logger

	state      State
	localPort  uint16
	remoteIP   string
	remotePort uint16
	parent     *Socket

	sendSeq      uint32
	expectedRecv uint32

	// segQueue carries inbound SYN-ACK/ACK segments to whichever
	// goroutine is currently blocked awaiting one (connect's handshake
	// loop, or send's ACK wait). Capacity 1: stop-and-wait guarantees at
	// most one is ever truly awaited; a full channel means a duplicate
	// arrived and is safely discarded (spec §4.7).
	segQueue chan inbound

	// acceptQueue holds CONNECTED children ready for Accept. Only
	// meaningful on a LISTENING socket.
	acceptQueue chan *Socket

	// handshakeDone is closed by the demultiplexer when the final
	// handshake ACK for a server-side child socket is observed,
	// stopping that child's SYN-ACK retransmit worker (spec §9
	// "Thread coordination").
	handshakeDone chan struct{}

	recvMu  sync.Mutex
	recvBuf []byte
}

// State returns the socket's current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalPort returns the socket's bound local port, or 0 if unbound.
func (s *Socket) LocalPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPort
}

// RemoteAddr returns the peer's address once connecting or connected.
func (s *Socket) RemoteAddr() (ip string, port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteIP, s.remotePort
}

// ID returns the socket's unique identifier, used to correlate log lines
// and metrics across a connection's lifetime.
func (s *Socket) ID() xid.ID { return s.id }

// Bind claims local port for this socket, spec §4.6.
func (s *Socket) Bind(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected {
		return ErrAlreadyConnected
	}
	p := s.proto
	p.mu.Lock()
	if _, exists := p.boundPorts[port]; exists {
		p.mu.Unlock()
		return ErrAddressInUse
	}
	p.boundPorts[port] = s
	p.mu.Unlock()
	s.localPort = port
	s.state = StateBound
	s.debug("socket:bind", slog.Uint64("port", uint64(port)))
	return nil
}

// Listen transitions the socket into LISTENING, spec §4.6.
func (s *Socket) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localPort == 0 {
		return ErrNotBound
	}
	if s.state == StateConnected {
		return ErrAlreadyConnected
	}
	p := s.proto
	p.mu.Lock()
	p.listening[s.localPort] = s
	p.mu.Unlock()
	s.state = StateListening
	s.acceptQueue = make(chan *Socket, 256)
	s.debug("socket:listen", slog.Uint64("port", uint64(s.localPort)))
	return nil
}

// Accept blocks until a connection has completed its handshake and
// returns the corresponding child socket along with the peer's address,
// spec §4.3 "accept()".
func (s *Socket) Accept() (*Socket, string, uint16, error) {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return nil, "", 0, ErrNotListening
	}
	ch := s.acceptQueue
	s.mu.Unlock()

	child := <-ch
	child.mu.Lock()
	remoteIP, remotePort := child.remoteIP, child.remotePort
	child.mu.Unlock()
	s.debug("socket:accept", slog.String("remoteIP", remoteIP), slog.Uint64("remotePort", uint64(remotePort)))
	return child, remoteIP, remotePort, nil
}

// Connect performs the three-way handshake against (remoteIP, remotePort)
// and blocks until it completes, spec §4.3 "Client role".
func (s *Socket) Connect(remoteIP string, remotePort uint16) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return ErrAlreadyConnected
	case StateListening:
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	p := s.proto
	localPort := s.localPort
	s.mu.Unlock()

	if localPort == 0 {
		var err error
		localPort, err = p.allocateEphemeralPort(s)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.localPort = localPort
	s.remoteIP = remoteIP
	s.remotePort = remotePort
	s.sendSeq = 0
	s.segQueue = make(chan inbound, 1)
	s.state = StateConnecting
	s.mu.Unlock()

	tup := tuple{p.localIP(), localPort, remoteIP, remotePort}
	p.mu.Lock()
	p.halfOpen[tup] = s
	p.mu.Unlock()
	s.debug("socket:connect:syn", slog.Uint64("lport", uint64(localPort)), slog.String("remoteIP", remoteIP), slog.Uint64("remotePort", uint64(remotePort)))

	synFields := segment.Fields{SrcPort: localPort, DstPort: remotePort, Flags: segment.FlagSYN}
retry:
	for {
		p.output(synFields, nil, remoteIP)
		timer := time.NewTimer(p.retx)
		for {
			select {
			case in := <-s.segQueue:
				if in.fields.Flags.Mask() != segment.FlagSYN|segment.FlagACK {
					continue // not a SYN-ACK: ignore, keep waiting.
				}
				timer.Stop()
				peerSeq := in.fields.Seq

				s.mu.Lock()
				s.expectedRecv = peerSeq ^ 1
				ackSeq := s.sendSeq ^ 1
				s.state = StateConnected
				s.mu.Unlock()

				p.mu.Lock()
				delete(p.halfOpen, tup)
				p.established[tup] = s
				p.mu.Unlock()
				if p.metrics != nil {
					p.metrics.ConnectionOpened()
				}

				ackFields := segment.Fields{SrcPort: localPort, DstPort: remotePort, Seq: ackSeq, Ack: s.expectedRecv, Flags: segment.FlagACK}
				p.output(ackFields, nil, remoteIP)

				s.mu.Lock()
				s.sendSeq ^= 1
				s.mu.Unlock()
				s.debug("socket:connect:established", slog.Uint64("lport", uint64(localPort)))
				return nil
			case <-timer.C:
				if p.metrics != nil {
					p.metrics.Retransmit()
				}
				continue retry
			}
		}
	}
}

// Send transmits payload as a single segment, retransmitting on timeout
// until the peer's ACK arrives, spec §4.4.
func (s *Socket) Send(payload []byte) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	seq := s.sendSeq
	localPort, remoteIP, remotePort := s.localPort, s.remoteIP, s.remotePort
	queue := s.segQueue
	p := s.proto
	s.mu.Unlock()

	fields := segment.Fields{SrcPort: localPort, DstPort: remotePort, Seq: seq, Flags: 0}
retransmit:
	for {
		p.output(fields, payload, remoteIP)
		timer := time.NewTimer(p.retx)
		for {
			select {
			case in := <-queue:
				if in.fields.Flags.Mask() != segment.FlagACK {
					continue // not an ACK: ignore per §4.4, keep waiting on this attempt.
				}
				timer.Stop()
				break retransmit
			case <-timer.C:
				if p.metrics != nil {
					p.metrics.Retransmit()
				}
				continue retransmit
			}
		}
	}
	s.mu.Lock()
	s.sendSeq ^= 1
	s.mu.Unlock()
	return nil
}

// Recv withdraws up to n bytes from the front of the receive buffer,
// blocking until at least one byte is available if the buffer is empty.
// n<=0 withdraws all currently buffered bytes. Spec §4.5 "recv(n)".
func (s *Socket) Recv(n int) []byte {
	backoff := internal.NewBackoff(internal.BackoffSocket)
	for {
		s.recvMu.Lock()
		avail := len(s.recvBuf)
		if avail > 0 {
			take := avail
			if n > 0 && n < avail {
				take = n
			}
			out := append([]byte(nil), s.recvBuf[:take]...)
			s.recvBuf = s.recvBuf[take:]
			s.recvMu.Unlock()
			return out
		}
		s.recvMu.Unlock()
		backoff.Miss()
	}
}

// deliverInbound routes a decoded SYN-ACK/ACK segment to whichever
// goroutine is awaiting one on this socket (connect's or send's retry
// loop). Non-blocking: a full queue means a harmless duplicate, spec
// §4.7.
func (s *Socket) deliverInbound(fields segment.Fields, payload []byte) {
	s.mu.Lock()
	ch := s.segQueue
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- inbound{fields, payload}:
	default:
	}
}

// handleData implements the receiver + ACK generator, spec §4.5.
func (s *Socket) handleData(fields segment.Fields, payload []byte) {
	s.mu.Lock()
	localPort, remoteIP, remotePort := s.localPort, s.remoteIP, s.remotePort
	p := s.proto
	expected := s.expectedRecv & 1
	seq := fields.Seq & 1

	var ackFields segment.Fields
	if seq == expected {
		s.recvMu.Lock()
		s.recvBuf = append(s.recvBuf, payload...)
		s.recvMu.Unlock()
		s.expectedRecv ^= 1
		ackFields = segment.Fields{SrcPort: localPort, DstPort: remotePort, Ack: s.expectedRecv, Flags: segment.FlagACK}
	} else {
		// Retransmission of the last delivered segment: do not
		// deliver, re-acknowledge the most recent in-order byte.
		ackFields = segment.Fields{SrcPort: localPort, DstPort: remotePort, Ack: s.expectedRecv, Flags: segment.FlagACK}
	}
	s.mu.Unlock()
	p.output(ackFields, nil, remoteIP)
}

// regenerateHandshakeAck resends the established connection's handshake
// ACK, used when the demultiplexer observes a SYN-ACK retransmission for
// an already-established tuple (the peer lost our final ACK, spec §4.7).
func (s *Socket) regenerateHandshakeAck() {
	s.mu.Lock()
	localPort, remoteIP, remotePort := s.localPort, s.remoteIP, s.remotePort
	seq, ack := s.sendSeq, s.expectedRecv
	p := s.proto
	s.mu.Unlock()
	fields := segment.Fields{SrcPort: localPort, DstPort: remotePort, Seq: seq, Ack: ack, Flags: segment.FlagACK}
	p.output(fields, nil, remoteIP)
}
