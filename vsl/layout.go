package vsl

// Log chunk layout. All integers are little endian.
//
//	[16]byte  magic
//	[8]int64  start offset (in words) of each ring segment, -1 when unused
//	uint32    number of the segment the producer is writing
//	uint32    padding
//	[]uint32  log words
//
// A record is a header word (tag<<24 | payload length), an id word
// (vxid | markers) and the NUL terminated payload padded to a word.
const (
	LogClass = "Log"
	Magic    = "VSLHEAD1"

	Segments       = 8
	offsetsOffset  = 16
	segmentNOffset = offsetsOffset + 8*Segments
	HeaderSize     = segmentNOffset + 8

	RecordOverhead = 2
	MaxPayload     = 0xffff

	EndMarker  uint32 = uint32(reservedTag)<<24 | 0x454545
	WrapMarker uint32 = uint32(reservedTag)<<24 | 0x575757

	ClientMarker  uint32 = 1 << 30
	BackendMarker uint32 = 1 << 31
	IdentMask     uint32 = ^(ClientMarker | BackendMarker)

	reservedTag Tag = 254
)

// RecordWords returns the number of log words a record with an n byte
// payload (terminator included) occupies.
func RecordWords(n int) int {
	return RecordOverhead + (n+3)/4
}

// SegmentOf returns the ring segment holding word ptr of a log of the given
// number of words. Words left over by the division belong to the last segment.
func SegmentOf(ptr, words int) int {
	s := ptr / (words / Segments)
	if s >= Segments {
		s = Segments - 1
	}
	return s
}
