// Package substrate implements the simulated packet network the RDT
// protocol runs over: per-host delivery of opaque, protocol-tagged byte
// segments with injected loss and single-byte corruption. It is the only
// external collaborator the core protocol depends on (spec §1, §6.1),
// grounded on the original implementation's network.py and restyled in
// the teacher package's idiom (mutex-guarded maps, *slog.Logger tracing).
package substrate

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
)

// ErrUnknownDestination reports a delivery to a host address that was
// never attached. [Network.Tx] does not return it: segments for unknown
// destinations are silently dropped.
var ErrUnknownDestination = errors.New("rdt/substrate: unknown destination host")

// Trial is a resumable source of boolean trial outcomes, used to drive the
// loss and corruption decisions of a [Network]. It mirrors the generator
// protocol network.py accepts in place of a fixed probability, letting
// tests inject an exact, deterministic sequence of outcomes.
type Trial func() bool

// ProbabilityTrial returns a Trial that reports true with probability p on
// each call, using rng for entropy. It is the Go equivalent of the
// original _trialgen helper.
func ProbabilityTrial(p float64, rng *rand.Rand) Trial {
	return func() bool { return rng.Float64() < p }
}

// Config configures a new [Network].
type Config struct {
	// Loss is consulted once per Tx call; a true result drops the segment.
	// If nil, segments are never lost.
	Loss Trial
	// Per (packet error rate) is consulted once per non-lost Tx call; a
	// true result corrupts one random byte of the segment before delivery.
	// If nil, segments are never corrupted.
	Per Trial
	// Rand provides entropy for selecting which byte to corrupt and its
	// replacement value. Defaults to a source seeded with 1 if nil.
	Rand *rand.Rand
	// Logger receives structured trace/debug events for every Tx call,
	// replacing the original implementation's raw hex dump with
	// structured attributes (see SPEC_FULL.md).
	Logger *slog.Logger
}

// Network is the simulated packet substrate: a set of attached [Host]s
// addressed by a textual address (an IPv4-style dotted string in this
// module's tests, but opaque to Network itself), with configurable
// uniform random loss and single-byte corruption. See spec §6.1.
type Network struct {
	mu    sync.Mutex
	hosts map[string]*Host
	loss  Trial
	per   Trial
	rng   *rand.Rand
	log   *slog.Logger
}

// New returns a ready to use Network.
func New(cfg Config) *Network {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Network{
		hosts: make(map[string]*Host),
		loss:  cfg.Loss,
		per:   cfg.Per,
		rng:   rng,
		log:   cfg.Logger,
	}
}

// Attach registers host under addr. It returns an error if addr is
// already in use by another host, matching network.py's Network.attach.
func (n *Network) Attach(host *Host, addr string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.hosts[addr]; exists {
		return fmt.Errorf("rdt/substrate: address %q already exists on network", addr)
	}
	n.hosts[addr] = host
	return nil
}

// Detach removes addr from the network, e.g. when a host shuts down.
func (n *Network) Detach(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.hosts, addr)
}

// Tx attempts delivery of data, tagged with protocol id proto, from src to
// dst. With probability configured by [Config.Loss] the segment is
// silently dropped; otherwise, with probability configured by
// [Config.Per], one uniformly chosen byte is corrupted before delivery.
// Unknown destinations are silently dropped, matching network.py's
// behavior (spec §6.1 "Unknown destinations silently drop").
func (n *Network) Tx(proto uint8, data []byte, src, dst string) (int, error) {
	n.mu.Lock()
	lost := n.loss != nil && n.loss()
	var corrupted bool
	if !lost && n.per != nil && n.per() {
		corrupted = true
		data = corruptOneByte(data, n.rng)
	}
	host := n.hosts[dst]
	n.mu.Unlock()

	if n.log != nil {
		n.log.Debug("substrate:tx", slog.String("src", src), slog.String("dst", dst),
			slog.Uint64("proto", uint64(proto)), slog.Int("len", len(data)),
			slog.Bool("lost", lost), slog.Bool("corrupted", corrupted))
	}
	if lost || host == nil {
		return len(data), nil
	}
	host.Input(proto, data, src)
	return len(data), nil
}

// corruptOneByte returns a copy of data with one uniformly chosen byte
// replaced by a uniformly random byte. It is a no-op on empty input.
func corruptOneByte(data []byte, rng *rand.Rand) []byte {
	if len(data) == 0 {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data)
	pos := rng.Intn(len(out))
	out[pos] = byte(rng.Intn(256))
	return out
}
