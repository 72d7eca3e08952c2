package udt

import (
	"errors"
	"sync"

	"github.com/soypat/rdtnet/internal"
)

// ErrNotConnected is returned by Send when the socket has no peer set
// by Connect.
var ErrNotConnected = errors.New("udt: socket has no peer, use SendTo or Connect")

// Addr identifies a peer on the substrate by host address and port,
// mirroring the (msg, addr) pair returned by the original
// DatagramSocket.recvfrom.
type Addr struct {
	IP   string
	Port uint16
}

// message is one buffered, framed datagram awaiting RecvFrom.
type message struct {
	payload []byte
	from    Addr
}

// Socket is an unreliable, connectionless datagram endpoint: bind a
// local port, then SendTo/RecvFrom directly, or Connect to fix a
// default peer for Send/Recv. There is no handshake, no
// acknowledgment, and no integrity check; messages may be dropped or
// corrupted by the substrate with no recovery, by design (SPEC_FULL.md
// "udt.py").
type Socket struct {
	proto *Protocol

	mu        sync.Mutex
	localPort uint16
	peer      Addr
	hasPeer   bool

	recvMu sync.Mutex
	recvQ  []message
}

// Bind claims a local port for this socket.
func (s *Socket) Bind(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.proto.bind(port, s); err != nil {
		return err
	}
	s.localPort = port
	return nil
}

// Connect fixes the default peer used by Send/Recv, allocating an
// ephemeral local port first if the socket is unbound.
func (s *Socket) Connect(ip string, port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localPort == 0 {
		lp, err := s.proto.allocateEphemeralPort(s)
		if err != nil {
			return err
		}
		s.localPort = lp
	}
	s.peer = Addr{ip, port}
	s.hasPeer = true
	return nil
}

// LocalPort returns the socket's bound local port, or 0 if unbound.
func (s *Socket) LocalPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPort
}

// SendTo transmits payload to (ip, port) as a single framed message,
// independent of any peer set by Connect.
func (s *Socket) SendTo(payload []byte, ip string, port uint16) error {
	s.mu.Lock()
	localPort := s.localPort
	s.mu.Unlock()
	if localPort == 0 {
		lp, err := s.proto.allocateEphemeralPort(s)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.localPort = lp
		s.mu.Unlock()
		localPort = lp
	}
	s.proto.output(localPort, port, payload, ip)
	return nil
}

// Send transmits payload to the peer fixed by Connect.
func (s *Socket) Send(payload []byte) error {
	s.mu.Lock()
	peer, ok := s.peer, s.hasPeer
	s.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return s.SendTo(payload, peer.IP, peer.Port)
}

// RecvFrom blocks until the next message is available and returns it
// along with the sender's address.
func (s *Socket) RecvFrom() ([]byte, Addr) {
	backoff := internal.NewBackoff(internal.BackoffSocket)
	for {
		s.recvMu.Lock()
		if len(s.recvQ) > 0 {
			msg := s.recvQ[0]
			s.recvQ = s.recvQ[1:]
			s.recvMu.Unlock()
			return msg.payload, msg.from
		}
		s.recvMu.Unlock()
		backoff.Miss()
	}
}

// Recv blocks until the next message is available and returns its
// payload, discarding the sender information. Messages are not filtered
// by the peer fixed by Connect: a message from any sender is returned.
func (s *Socket) Recv() []byte {
	payload, _ := s.RecvFrom()
	return payload
}

func (s *Socket) deliver(payload []byte, srcIP string, srcPort uint16) {
	cp := append([]byte(nil), payload...)
	s.recvMu.Lock()
	s.recvQ = append(s.recvQ, message{cp, Addr{srcIP, srcPort}})
	s.recvMu.Unlock()
}

