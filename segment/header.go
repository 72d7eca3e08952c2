package segment

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed size in bytes of the RDT segment header,
// see spec §3.
const HeaderSize = 16

// ErrShort is returned when a buffer is too small to hold a segment header.
var ErrShort = errors.New("rdt/segment: buffer shorter than header")

// Frame is a thin, allocation-free view over a byte buffer holding an RDT
// segment: fixed header followed by 0..N payload bytes. Field accessors
// read and write directly to the underlying buffer in network byte order,
// mirroring [tcp.Frame] from the teacher package this module is built
// from.
type Frame struct {
	buf []byte
}

// NewFrame returns a Frame viewing buf. An error is returned if buf is
// shorter than [HeaderSize].
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, ErrShort
	}
	return Frame{buf: buf}, nil
}

// RawData returns the underlying buffer the Frame was created with.
func (f Frame) RawData() []byte { return f.buf }

func (f Frame) SourcePort() uint16      { return binary.BigEndian.Uint16(f.buf[0:2]) }
func (f Frame) SetSourcePort(p uint16)  { binary.BigEndian.PutUint16(f.buf[0:2], p) }
func (f Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f Frame) SetDestinationPort(p uint16) {
	binary.BigEndian.PutUint16(f.buf[2:4], p)
}

// Seq returns the sender's sequence number. Only the least-significant bit
// carries meaning (alternating-bit discipline, spec §3); the full 32 bits
// are kept on the wire for forward compatibility, per spec §9's open
// question on seq/ack width.
func (f Frame) Seq() uint32     { return binary.BigEndian.Uint32(f.buf[4:8]) }
func (f Frame) SetSeq(v uint32) { binary.BigEndian.PutUint32(f.buf[4:8], v) }

// Ack returns the expected next seq from the peer.
func (f Frame) Ack() uint32     { return binary.BigEndian.Uint32(f.buf[8:12]) }
func (f Frame) SetAck(v uint32) { binary.BigEndian.PutUint32(f.buf[8:12], v) }

func (f Frame) Flags() Flags     { return Flags(f.buf[12]).Mask() }
func (f Frame) SetFlags(v Flags) { f.buf[12] = byte(v.Mask()) }

func (f Frame) DataLen() uint16     { return binary.BigEndian.Uint16(f.buf[13:15]) }
func (f Frame) SetDataLen(n uint16) { binary.BigEndian.PutUint16(f.buf[13:15], n) }

func (f Frame) Checksum() uint8     { return f.buf[15] }
func (f Frame) SetChecksum(c uint8) { f.buf[15] = c }

// Payload returns the trailing DataLen bytes of the frame. Callers must
// ensure the buffer is at least HeaderSize+DataLen() bytes long; use
// [Decode] for a validated alternative.
func (f Frame) Payload() []byte {
	n := int(f.DataLen())
	return f.buf[HeaderSize : HeaderSize+n]
}

// ClearHeader zeros out the fixed header bytes, leaving any payload intact.
func (f Frame) ClearHeader() {
	for i := range f.buf[:HeaderSize] {
		f.buf[i] = 0
	}
}

func (f Frame) String() string {
	return "RDT :" + itoa(int(f.SourcePort())) + " -> :" + itoa(int(f.DestinationPort())) +
		" " + f.Flags().String() + " seq=" + itoa(int(f.Seq()&1)) + " ack=" + itoa(int(f.Ack()&1)) +
		" len=" + itoa(int(f.DataLen()))
}

func itoa(v int) string {
	// Small helper to avoid pulling in fmt for a debug-only String method.
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
