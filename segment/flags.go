package segment

import "strings"

// Flags holds the 8-bit flag field of an RDT segment header. Only the low
// three bits are meaningful; the rest are reserved and must be zero on the
// wire.
type Flags uint8

// Segment flag bits, see spec §3.
const (
	FlagACK Flags = 1 << iota
	FlagSYN
	FlagFIN
)

const flagMask = FlagACK | FlagSYN | FlagFIN

// Mask clears any reserved bits, leaving only ACK/SYN/FIN.
func (f Flags) Mask() Flags { return f & flagMask }

func (f Flags) IsACK() bool { return f&FlagACK != 0 }
func (f Flags) IsSYN() bool { return f&FlagSYN != 0 }
func (f Flags) IsFIN() bool { return f&FlagFIN != 0 }

// String renders the flags as a slash-joined list, e.g. "SYN/ACK", or "-"
// if no flag bit is set.
func (f Flags) String() string {
	f = f.Mask()
	if f == 0 {
		return "-"
	}
	var parts []string
	if f.IsSYN() {
		parts = append(parts, "SYN")
	}
	if f.IsACK() {
		parts = append(parts, "ACK")
	}
	if f.IsFIN() {
		parts = append(parts, "FIN")
	}
	return strings.Join(parts, "/")
}
