package mp4box

// OrderKey carries the optional ordering hints extracted from a media
// fragment. Either field may be absent; an absent field sorts after any
// present value.
type OrderKey struct {
	SequenceNumber uint32
	HasSequence    bool
	DecodeTime     uint64
	HasDecodeTime  bool
}

// ProbeOrderKey extracts a best-effort ordering key from a media fragment.
//
// The sequence number is read from the first mfhd occurrence: a big-endian
// 32-bit integer 12 bytes into the box (past size, type and version/flags).
// The decode timestamp is read from the first tfdt occurrence: the version
// byte sits at +8; version 1 carries a 64-bit big-endian value at +12
// (combined from two 32-bit halves, high word first), version 0 a 32-bit one.
//
// Every read is bounds-checked against the buffer; a truncated or malformed
// box simply leaves the corresponding field absent. This is a heuristic fed
// by the same sliding tag scan as Classify, so it is only ever used to
// suggest an ordering, never as ground truth for playback.
func ProbeOrderKey(buf []byte) OrderKey {
	var key OrderKey

	if offs := FindBoxOffsets(buf, "mfhd"); len(offs) > 0 {
		if v, ok := readUint32(buf, offs[0]+12); ok {
			key.SequenceNumber = v
			key.HasSequence = true
		}
	}

	if offs := FindBoxOffsets(buf, "tfdt"); len(offs) > 0 {
		box := offs[0]
		version, ok := readByte(buf, box+8)
		if !ok {
			return key
		}
		switch version {
		case 1:
			hi, okHi := readUint32(buf, box+12)
			lo, okLo := readUint32(buf, box+16)
			if okHi && okLo {
				key.DecodeTime = uint64(hi)<<32 | uint64(lo)
				key.HasDecodeTime = true
			}
		case 0:
			if v, ok := readUint32(buf, box+12); ok {
				key.DecodeTime = uint64(v)
				key.HasDecodeTime = true
			}
		}
	}

	return key
}
