package rdt_test

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/soypat/rdtnet/rdt"
	"github.com/soypat/rdtnet/substrate"
)

// pair bundles two hosts sharing a substrate, each running its own RDT
// protocol instance, mirroring the client/server topology of the
// end-to-end scenarios in spec §8.
type pair struct {
	net         *substrate.Network
	clientAddr  string
	serverAddr  string
	clientProto *rdt.Protocol
	serverProto *rdt.Protocol
}

func newPair(t *testing.T, netCfg substrate.Config) *pair {
	t.Helper()
	net := substrate.New(netCfg)
	clientHost, err := substrate.NewHost(net, "192.168.10.2", nil)
	if err != nil {
		t.Fatal(err)
	}
	serverHost, err := substrate.NewHost(net, "192.168.10.1", nil)
	if err != nil {
		t.Fatal(err)
	}
	cp, err := rdt.NewProtocol(clientHost, rdt.Config{Retx: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	sp, err := rdt.NewProtocol(serverHost, rdt.Config{Retx: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	return &pair{net, "192.168.10.2", "192.168.10.1", cp, sp}
}

func mustAccept(t *testing.T, listener *rdt.Socket, out chan<- *rdt.Socket) {
	conn, _, _, err := listener.Accept()
	if err != nil {
		t.Error(err)
		return
	}
	out <- conn
}

// TestBindListenAcceptOneway is scenario 1 of spec §8.
func TestBindListenAcceptOneway(t *testing.T) {
	p := newPair(t, substrate.Config{})
	server := p.serverProto.NewSocket()
	if err := server.Bind(26093); err != nil {
		t.Fatal(err)
	}
	if err := server.Listen(); err != nil {
		t.Fatal(err)
	}

	accepted := make(chan *rdt.Socket, 1)
	go mustAccept(t, server, accepted)

	client := p.clientProto.NewSocket()
	if err := client.Connect(p.serverAddr, 26093); err != nil {
		t.Fatal(err)
	}

	conn := <-accepted
	for i := 0; i < 100; i++ {
		payload := []byte(fmt.Sprintf("test-oneway%d", i))
		if err := client.Send(payload); err != nil {
			t.Fatal(err)
		}
		got := conn.Recv(len(payload))
		if !bytes.Equal(got, payload) {
			t.Fatalf("iteration %d: got %q want %q", i, got, payload)
		}
	}
}

// TestEphemeralSourcePort is scenario 2 of spec §8.
func TestEphemeralSourcePort(t *testing.T) {
	p := newPair(t, substrate.Config{})
	server := p.serverProto.NewSocket()
	if err := server.Bind(9920); err != nil {
		t.Fatal(err)
	}
	if err := server.Listen(); err != nil {
		t.Fatal(err)
	}

	accepted := make(chan *rdt.Socket, 1)
	remoteIPs := make(chan string, 1)
	remotePorts := make(chan uint16, 1)
	go func() {
		conn, ip, port, err := server.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		accepted <- conn
		remoteIPs <- ip
		remotePorts <- port
	}()

	client := p.clientProto.NewSocket()
	if err := client.Bind(32901); err != nil {
		t.Fatal(err)
	}
	if err := client.Connect(p.serverAddr, 9920); err != nil {
		t.Fatal(err)
	}

	<-accepted
	if ip := <-remoteIPs; ip != p.clientAddr {
		t.Fatalf("want remote ip %q, got %q", p.clientAddr, ip)
	}
	if port := <-remotePorts; port != 32901 {
		t.Fatalf("want remote port 32901, got %d", port)
	}
}

// TestStreamFragmentation is scenario 3 of spec §8: empty sends
// contribute nothing, payloads concatenate in order.
func TestStreamFragmentation(t *testing.T) {
	p := newPair(t, substrate.Config{})
	server := p.serverProto.NewSocket()
	if err := server.Bind(4000); err != nil {
		t.Fatal(err)
	}
	if err := server.Listen(); err != nil {
		t.Fatal(err)
	}
	accepted := make(chan *rdt.Socket, 1)
	go mustAccept(t, server, accepted)

	client := p.clientProto.NewSocket()
	if err := client.Connect(p.serverAddr, 4000); err != nil {
		t.Fatal(err)
	}
	conn := <-accepted

	chunks := [][]byte{[]byte(""), []byte("test-onew"), []byte(""), []byte("ay-pcs5")}
	for _, c := range chunks {
		if err := client.Send(c); err != nil {
			t.Fatal(err)
		}
	}
	got := conn.Recv(len("test-oneway-pcs5"))
	want := []byte("test-oneway-pcs5")
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

// TestBidirectional is scenario 4 of spec §8.
func TestBidirectional(t *testing.T) {
	p := newPair(t, substrate.Config{})
	server := p.serverProto.NewSocket()
	if err := server.Bind(4100); err != nil {
		t.Fatal(err)
	}
	if err := server.Listen(); err != nil {
		t.Fatal(err)
	}
	accepted := make(chan *rdt.Socket, 1)
	go mustAccept(t, server, accepted)

	client := p.clientProto.NewSocket()
	if err := client.Connect(p.serverAddr, 4100); err != nil {
		t.Fatal(err)
	}
	conn := <-accepted

	if err := client.Send([]byte("A")); err != nil {
		t.Fatal(err)
	}
	if got := conn.Recv(1); !bytes.Equal(got, []byte("A")) {
		t.Fatalf("server got %q want %q", got, "A")
	}
	if err := conn.Send([]byte("B")); err != nil {
		t.Fatal(err)
	}
	if got := client.Recv(1); !bytes.Equal(got, []byte("B")) {
		t.Fatalf("client got %q want %q", got, "B")
	}
}

// TestMultiplexing1x2 is scenario 5 of spec §8: a single client
// maintains two independent connections to two different listeners.
func TestMultiplexing1x2(t *testing.T) {
	net := substrate.New(substrate.Config{})
	clientHost, err := substrate.NewHost(net, "172.16.170.22", nil)
	if err != nil {
		t.Fatal(err)
	}
	serverHostA, err := substrate.NewHost(net, "172.16.170.111", nil)
	if err != nil {
		t.Fatal(err)
	}
	serverHostB, err := substrate.NewHost(net, "172.16.170.3", nil)
	if err != nil {
		t.Fatal(err)
	}
	clientProto, err := rdt.NewProtocol(clientHost, rdt.Config{Retx: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	protoA, err := rdt.NewProtocol(serverHostA, rdt.Config{Retx: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	protoB, err := rdt.NewProtocol(serverHostB, rdt.Config{Retx: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	listenerA := protoA.NewSocket()
	if err := listenerA.Bind(20956); err != nil {
		t.Fatal(err)
	}
	if err := listenerA.Listen(); err != nil {
		t.Fatal(err)
	}
	listenerB := protoB.NewSocket()
	if err := listenerB.Bind(1255); err != nil {
		t.Fatal(err)
	}
	if err := listenerB.Listen(); err != nil {
		t.Fatal(err)
	}

	acceptedA := make(chan *rdt.Socket, 1)
	acceptedB := make(chan *rdt.Socket, 1)
	go mustAccept(t, listenerA, acceptedA)
	go mustAccept(t, listenerB, acceptedB)

	connA := clientProto.NewSocket()
	if err := connA.Connect("172.16.170.111", 20956); err != nil {
		t.Fatal(err)
	}
	connB := clientProto.NewSocket()
	if err := connB.Connect("172.16.170.3", 1255); err != nil {
		t.Fatal(err)
	}

	serverA := <-acceptedA
	serverB := <-acceptedB

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if err := connA.Send([]byte(fmt.Sprintf("a%d", i))); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if err := connB.Send([]byte(fmt.Sprintf("bb%d", i))); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	wg.Wait()

	var wantA, wantB bytes.Buffer
	for i := 0; i < 20; i++ {
		wantA.WriteString(fmt.Sprintf("a%d", i))
		wantB.WriteString(fmt.Sprintf("bb%d", i))
	}
	gotA := serverA.Recv(wantA.Len())
	gotB := serverB.Recv(wantB.Len())
	if !bytes.Equal(gotA, wantA.Bytes()) {
		t.Fatalf("stream A: got %q want %q", gotA, wantA.Bytes())
	}
	if !bytes.Equal(gotB, wantB.Bytes()) {
		t.Fatalf("stream B: got %q want %q", gotB, wantB.Bytes())
	}
}

// TestLossyStress is scenario 6 of spec §8: with 10% loss and 10%
// corruption, a 1 MiB transfer arrives byte-for-byte identical.
func TestLossyStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	rng := rand.New(rand.NewSource(42))
	p := newPair(t, substrate.Config{
		Loss: substrate.ProbabilityTrial(0.10, rand.New(rand.NewSource(1))),
		Per:  substrate.ProbabilityTrial(0.10, rand.New(rand.NewSource(2))),
		Rand: rand.New(rand.NewSource(3)),
	})
	server := p.serverProto.NewSocket()
	if err := server.Bind(5050); err != nil {
		t.Fatal(err)
	}
	if err := server.Listen(); err != nil {
		t.Fatal(err)
	}
	accepted := make(chan *rdt.Socket, 1)
	go mustAccept(t, server, accepted)

	client := p.clientProto.NewSocket()
	if err := client.Connect(p.serverAddr, 5050); err != nil {
		t.Fatal(err)
	}
	conn := <-accepted

	const total = 1 << 20
	payload := make([]byte, total)
	if _, err := rng.Read(payload); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		for sent := 0; sent < total; {
			n := 1 + rng.Intn(1400)
			if sent+n > total {
				n = total - sent
			}
			if err := client.Send(payload[sent : sent+n]); err != nil {
				done <- err
				return
			}
			sent += n
		}
		done <- nil
	}()

	received := make([]byte, 0, total)
	for len(received) < total {
		received = append(received, conn.Recv(total-len(received))...)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(received, payload) {
		t.Fatal("received data diverges from sent data")
	}
}

// TestErrorReturnMatrix is scenario 7 of spec §8.
func TestErrorReturnMatrix(t *testing.T) {
	p := newPair(t, substrate.Config{})

	a := p.serverProto.NewSocket()
	if err := a.Bind(6000); err != nil {
		t.Fatal(err)
	}
	b := p.serverProto.NewSocket()
	if err := b.Bind(6000); err != rdt.ErrAddressInUse {
		t.Fatalf("bind on in-use port: want AddressInUse, got %v", err)
	}

	c := p.serverProto.NewSocket()
	if err := c.Listen(); err != rdt.ErrNotBound {
		t.Fatalf("listen on unbound socket: want NotBound, got %v", err)
	}

	d := p.serverProto.NewSocket()
	if _, _, _, err := d.Accept(); err != rdt.ErrNotListening {
		t.Fatalf("accept on unlistened socket: want NotListening, got %v", err)
	}

	server := p.serverProto.NewSocket()
	if err := server.Bind(6001); err != nil {
		t.Fatal(err)
	}
	if err := server.Listen(); err != nil {
		t.Fatal(err)
	}
	accepted := make(chan *rdt.Socket, 1)
	go mustAccept(t, server, accepted)

	client := p.clientProto.NewSocket()
	if err := client.Connect(p.serverAddr, 6001); err != nil {
		t.Fatal(err)
	}
	<-accepted

	if err := client.Connect(p.serverAddr, 6001); err != rdt.ErrAlreadyConnected {
		t.Fatalf("connect after CONNECTED: want AlreadyConnected, got %v", err)
	}

	notConnected := p.clientProto.NewSocket()
	if err := notConnected.Send([]byte("x")); err != rdt.ErrNotConnected {
		t.Fatalf("send on non-connected: want NotConnected, got %v", err)
	}

	listener := p.clientProto.NewSocket()
	if err := listener.Bind(6002); err != nil {
		t.Fatal(err)
	}
	if err := listener.Listen(); err != nil {
		t.Fatal(err)
	}
	if err := listener.Connect(p.serverAddr, 6001); err != rdt.ErrAlreadyListening {
		t.Fatalf("connect after listen: want AlreadyListening, got %v", err)
	}
}
