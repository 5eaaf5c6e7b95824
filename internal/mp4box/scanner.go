// Package mp4box provides lightweight, parse-free probing of ISO-BMFF (MP4)
// fragment buffers: box tag scanning, init/media classification and
// best-effort ordering hints. It is not a demuxer.
package mp4box

import "encoding/binary"

// FindBoxOffsets scans buf for candidate box headers of the given four
// character type and returns their byte offsets in ascending order. A box
// header is [size:4][type:4], so an offset i is reported when the tag occupies
// buf[i+4:i+8]. The scan slides over every byte position rather than walking
// the box tree, which means a tag appearing inside payload data produces a
// false positive. Callers treat the result as a hint, not as structure.
func FindBoxOffsets(buf []byte, fourcc string) []int {
	if len(fourcc) != 4 || len(buf) < 8 {
		return nil
	}
	var offsets []int
	for i := 0; i+8 <= len(buf); i++ {
		if buf[i+4] == fourcc[0] && buf[i+5] == fourcc[1] && buf[i+6] == fourcc[2] && buf[i+7] == fourcc[3] {
			offsets = append(offsets, i)
		}
	}
	return offsets
}

// containsBox reports whether at least one candidate header for the tag exists.
func containsBox(buf []byte, fourcc string) bool {
	return len(FindBoxOffsets(buf, fourcc)) > 0
}

// readUint32 reads a big-endian 32-bit integer at off, reporting false when
// the read would run past the end of the buffer.
func readUint32(buf []byte, off int) (uint32, bool) {
	if off < 0 || off+4 > len(buf) {
		return 0, false
	}
	return binary.BigEndian.Uint32(buf[off : off+4]), true
}

// readByte reads a single byte at off with the same bounds behavior.
func readByte(buf []byte, off int) (byte, bool) {
	if off < 0 || off >= len(buf) {
		return 0, false
	}
	return buf[off], true
}
