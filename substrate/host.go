package substrate

import (
	"fmt"
	"log/slog"
	"sync"
)

// Protocol is implemented by a transport-layer protocol instance bound to
// a single [Host], such as the RDT protocol demultiplexer. See spec §2
// "Host & protocol registry".
type Protocol interface {
	// Input is called by the host when a segment tagged with this
	// protocol's id arrives from src.
	Input(data []byte, src string)
}

// Host represents one addressable endpoint on a [Network]. It owns a
// registry mapping protocol id to protocol instance and routes outgoing
// segments to the network and incoming segments to the registered
// protocol, exactly as network.py's Host class does.
type Host struct {
	mu     sync.Mutex
	net    *Network
	addr   string
	protos map[uint8]Protocol
	log    *slog.Logger
}

// NewHost creates a host at addr and attaches it to net.
func NewHost(net *Network, addr string, logger *slog.Logger) (*Host, error) {
	h := &Host{
		net:    net,
		addr:   addr,
		protos: make(map[uint8]Protocol),
		log:    logger,
	}
	if err := net.Attach(h, addr); err != nil {
		return nil, err
	}
	return h, nil
}

// Addr returns the host's network address.
func (h *Host) Addr() string { return h.addr }

// Register binds proto to protocol id. Registering the same protocol
// instance twice under the same id is a harmless no-op; registering a
// different instance under an id already in use is an error. This
// preserves network.py's register_protocol idempotency (SPEC_FULL.md).
func (h *Host) Register(id uint8, proto Protocol) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.protos[id]; ok {
		if existing == proto {
			return nil
		}
		return fmt.Errorf("rdt/substrate: protocol id %d already registered on host %s", id, h.addr)
	}
	h.protos[id] = proto
	return nil
}

// Output hands data to the network layer for delivery to protocol id on
// host dst.
func (h *Host) Output(id uint8, data []byte, dst string) (int, error) {
	if h.log != nil {
		h.log.Debug("host:output", slog.String("host", h.addr), slog.String("dst", dst),
			slog.Uint64("proto", uint64(id)), slog.Int("len", len(data)))
	}
	return h.net.Tx(id, data, h.addr, dst)
}

// Input is called by the network when a segment addressed to this host
// arrives; it dispatches to the registered protocol for id, if any.
func (h *Host) Input(id uint8, data []byte, src string) {
	h.mu.Lock()
	proto, ok := h.protos[id]
	h.mu.Unlock()
	if !ok {
		return // Unknown protocol id: silently drop.
	}
	if h.log != nil {
		h.log.Debug("host:input", slog.String("host", h.addr), slog.String("src", src),
			slog.Uint64("proto", uint64(id)), slog.Int("len", len(data)))
	}
	proto.Input(data, src)
}
