// Package segment implements the RDT wire format: a fixed 16-byte header
// plus payload, and the arithmetic checksum that protects it. See spec §3
// and §4.1.
package segment

// Fields holds the decoded header fields of a segment, excluding the
// checksum and data length (the latter is derived from the payload).
type Fields struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   Flags
}

// Encode packs fields and payload into dst (which is grown/reused as
// needed, following the append-style convention of [append]) and returns
// the full segment: header || payload, with DataLen and checksum filled
// in. The checksum is the bitwise complement of the mod-256 sum of the
// pre-checksum header bytes plus payload, per spec §3.
func Encode(dst []byte, fields Fields, payload []byte) []byte {
	n := HeaderSize + len(payload)
	if cap(dst) < n {
		dst = make([]byte, n)
	} else {
		dst = dst[:n]
	}
	frm, err := NewFrame(dst)
	if err != nil {
		panic(err) // unreachable: dst is always >= HeaderSize here.
	}
	frm.ClearHeader()
	frm.SetSourcePort(fields.SrcPort)
	frm.SetDestinationPort(fields.DstPort)
	frm.SetSeq(fields.Seq)
	frm.SetAck(fields.Ack)
	frm.SetFlags(fields.Flags)
	frm.SetDataLen(uint16(len(payload)))
	copy(dst[HeaderSize:], payload)
	// Checksum byte is still zero here (ClearHeader), so it does not
	// pollute the sum it is about to be derived from.
	frm.SetChecksum(^sum8(dst))
	return dst
}

// Decode parses a segment buffer, returning its header fields and a slice
// of the trailing DataLen payload bytes (a view into b, not a copy). It
// returns [ErrShort] if b is shorter than the header, matching the
// MalformedSegment behavior spec'd in §4.1: callers at the protocol layer
// should drop silently on this error rather than surface it.
func Decode(b []byte) (Fields, []byte, error) {
	frm, err := NewFrame(b)
	if err != nil {
		return Fields{}, nil, err
	}
	dlen := int(frm.DataLen())
	if HeaderSize+dlen > len(b) {
		return Fields{}, nil, ErrShort
	}
	fields := Fields{
		SrcPort: frm.SourcePort(),
		DstPort: frm.DestinationPort(),
		Seq:     frm.Seq(),
		Ack:     frm.Ack(),
		Flags:   frm.Flags(),
	}
	return fields, b[HeaderSize : HeaderSize+dlen], nil
}

// Verify computes the mod-256 sum of all of b (header, including its
// checksum byte, plus payload) and reports whether it equals 0xFF, the
// invariant established by [Encode]. It returns false for a buffer
// shorter than the header.
func Verify(b []byte) bool {
	if len(b) < HeaderSize {
		return false
	}
	return sum8(b) == 0xFF
}
