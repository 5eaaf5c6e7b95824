package demux

import (
	"fmt"
	"strings"
)

// CodecDescriptor is the outcome of probing an init segment: the RFC 6381
// codec entries found in the sample descriptions, plus a ready-to-use MIME
// content type for a buffered media sink.
type CodecDescriptor struct {
	Codecs []string
	MIME   string
}

// Visual sample entries carry 78 bytes of fixed fields before child boxes;
// audio entries carry 28. (ISO 14496-12 sample entry layouts.)
const (
	visualSampleEntryFields = 78
	audioSampleEntryFields  = 28
)

// ExtractCodecDescriptor walks moov/trak/mdia/minf/stbl/stsd in an init
// segment and derives a codec descriptor. It never fails: malformed or
// unrecognizable input yields ok == false. Sample entry types without a
// dedicated parser contribute their four character type verbatim, which is
// close enough for sink MIME negotiation on modern platforms.
func ExtractCodecDescriptor(init []byte) (CodecDescriptor, bool) {
	moov, ok := findAtom(init, 0, len(init), "moov")
	if !ok {
		return CodecDescriptor{}, false
	}

	var codecs []string
	hasVideo := false

	walkAtoms(init, moov.payload, moov.end, func(trak atom) bool {
		if trak.typ != "trak" {
			return true
		}
		stsd, ok := findPath(init, trak.payload, trak.end, "mdia", "minf", "stbl", "stsd")
		if !ok {
			return true
		}
		// stsd payload: version/flags (4) + entry count (4), then the
		// sample entries, each a box of its own.
		entriesStart := stsd.payload + 8
		if entriesStart > stsd.end {
			return true
		}
		walkAtoms(init, entriesStart, stsd.end, func(entry atom) bool {
			if c, video, ok := codecFromSampleEntry(init, entry); ok {
				codecs = append(codecs, c)
				hasVideo = hasVideo || video
			}
			return true
		})
		return true
	})

	if len(codecs) == 0 {
		return CodecDescriptor{}, false
	}

	container := "audio/mp4"
	if hasVideo {
		container = "video/mp4"
	}
	return CodecDescriptor{
		Codecs: codecs,
		MIME:   fmt.Sprintf("%s; codecs=%q", container, strings.Join(codecs, ",")),
	}, true
}

// codecFromSampleEntry derives one codec string from a single stsd entry.
// The second result reports whether the entry is a video track.
func codecFromSampleEntry(buf []byte, entry atom) (string, bool, bool) {
	switch entry.typ {
	case "avc1", "avc3":
		childStart := entry.payload + visualSampleEntryFields
		if avcC, ok := findAtom(buf, childStart, entry.end, "avcC"); ok {
			// avcC payload: configuration version, profile, profile
			// compatibility, level.
			if avcC.payload+4 <= avcC.end {
				p := buf[avcC.payload+1]
				c := buf[avcC.payload+2]
				l := buf[avcC.payload+3]
				return fmt.Sprintf("%s.%02x%02x%02x", entry.typ, p, c, l), true, true
			}
		}
		return entry.typ, true, true
	case "hvc1", "hev1", "vp09", "av01":
		// A full parameter string needs the codec-specific config record;
		// the bare type is accepted by sinks for capability checks.
		return entry.typ, true, true
	case "mp4a":
		childStart := entry.payload + audioSampleEntryFields
		if esds, ok := findAtom(buf, childStart, entry.end, "esds"); ok {
			if oti, aot, ok := parseESDescriptor(buf[esds.payload:esds.end]); ok {
				if aot > 0 {
					return fmt.Sprintf("mp4a.%02x.%d", oti, aot), false, true
				}
				return fmt.Sprintf("mp4a.%02x", oti), false, true
			}
		}
		// AAC-LC is the overwhelmingly common case.
		return "mp4a.40.2", false, true
	case "ac-3", "ec-3", "Opus", "opus", "fLaC":
		return entry.typ, false, true
	}
	if printableFourCC(entry.typ) {
		return entry.typ, false, true
	}
	return "", false, false
}

// parseESDescriptor pulls the object type indication and audio object type
// out of an esds box payload (after its version/flags word). The descriptor
// framing is tag byte + 7-bit variable length size. Anything surprising
// aborts with ok == false rather than guessing.
func parseESDescriptor(body []byte) (oti byte, aot byte, ok bool) {
	pos := 4 // skip version/flags
	tag, _, next, ok := readDescriptor(body, pos)
	if !ok || tag != 0x03 {
		return 0, 0, false
	}
	// ES descriptor: ES_ID (2 bytes) + stream dependence flags (1 byte).
	// Optional dependsOn/URL fields are rare in init segments; when the
	// flags request them the structured offsets below no longer hold, so
	// bail out.
	if next+3 > len(body) || body[next+2] != 0 {
		return 0, 0, false
	}
	pos = next + 3

	tag, size, next, ok := readDescriptor(body, pos)
	if !ok || tag != 0x04 || size < 13 {
		return 0, 0, false
	}
	oti = body[next]
	// DecoderConfig: OTI (1) + stream type (1) + buffer size (3) +
	// max bitrate (4) + avg bitrate (4), then nested descriptors.
	pos = next + 13

	tag, size, next, ok = readDescriptor(body, pos)
	if ok && tag == 0x05 && size >= 1 {
		// DecoderSpecificInfo: the audio object type is the top 5 bits.
		aot = body[next] >> 3
	}
	return oti, aot, true
}

// readDescriptor decodes one tag + expandable-size descriptor header.
func readDescriptor(body []byte, pos int) (tag byte, size int, payload int, ok bool) {
	if pos >= len(body) {
		return 0, 0, 0, false
	}
	tag = body[pos]
	pos++
	for i := 0; i < 4; i++ {
		if pos >= len(body) {
			return 0, 0, 0, false
		}
		b := body[pos]
		pos++
		size = size<<7 | int(b&0x7f)
		if b&0x80 == 0 {
			break
		}
	}
	if pos+size > len(body) {
		return 0, 0, 0, false
	}
	return tag, size, pos, true
}

// printableFourCC filters out binary garbage masquerading as an entry type.
func printableFourCC(s string) bool {
	if len(s) != 4 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
