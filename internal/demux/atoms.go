// Package demux extracts a codec descriptor from an MP4 initialization
// segment. Unlike the sliding tag scan in mp4box, this package performs a
// real (but shallow and fully bounds-checked) walk of the box tree, because
// codec fields live at structured offsets inside the sample description.
package demux

import "encoding/binary"

// atom describes one box located during a tree walk.
type atom struct {
	typ     string
	start   int // offset of the box header in the buffer
	end     int // offset one past the box payload
	payload int // offset of the first payload byte
}

// walkAtoms iterates the boxes laid out between start and end, calling fn for
// each. Extended (64-bit) sizes and size-zero "rest of enclosing space" boxes
// are handled. Malformed sizes terminate the walk instead of failing; callers
// only ever see well-bounded atoms. fn returning false stops the walk early.
func walkAtoms(buf []byte, start, end int, fn func(a atom) bool) {
	offset := start
	for offset+8 <= end && end <= len(buf) {
		size := int64(binary.BigEndian.Uint32(buf[offset : offset+4]))
		typ := string(buf[offset+4 : offset+8])
		headerSize := 8

		if size == 1 {
			if offset+16 > end {
				return
			}
			size = int64(binary.BigEndian.Uint64(buf[offset+8 : offset+16]))
			headerSize = 16
		} else if size == 0 {
			size = int64(end - offset)
		}

		if size < int64(headerSize) || int64(offset)+size > int64(end) {
			return
		}

		a := atom{
			typ:     typ,
			start:   offset,
			end:     offset + int(size),
			payload: offset + headerSize,
		}
		if !fn(a) {
			return
		}
		offset = a.end
	}
}

// findAtom returns the first box of the given type between start and end.
func findAtom(buf []byte, start, end int, typ string) (atom, bool) {
	var found atom
	ok := false
	walkAtoms(buf, start, end, func(a atom) bool {
		if a.typ == typ {
			found = a
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// findPath descends through nested container boxes, one type per level.
func findPath(buf []byte, start, end int, path ...string) (atom, bool) {
	var a atom
	ok := false
	for _, typ := range path {
		a, ok = findAtom(buf, start, end, typ)
		if !ok {
			return atom{}, false
		}
		start, end = a.payload, a.end
	}
	return a, ok
}
