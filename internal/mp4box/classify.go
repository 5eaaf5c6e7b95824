package mp4box

// Classification labels what a fragment buffer appears to contain.
type Classification int

const (
	// Unknown means the buffer carries none of the recognized box tags.
	Unknown Classification = iota
	// Init means the buffer looks like an initialization segment (ftyp+moov).
	Init
	// Media means the buffer looks like a media segment (moof or mdat).
	Media
)

// String returns the lower-case wire name of the classification.
func (c Classification) String() string {
	switch c {
	case Init:
		return "init"
	case Media:
		return "media"
	default:
		return "unknown"
	}
}

// Classify labels a raw fragment buffer. A buffer containing both an ftyp and
// a moov tag is an init segment; otherwise one containing a moof or an mdat
// tag is a media segment; everything else is Unknown. The function is pure and
// total: any input, including an empty buffer, yields exactly one of the three
// results. Unknown is a normal outcome, not an error.
func Classify(buf []byte) Classification {
	if containsBox(buf, "ftyp") && containsBox(buf, "moov") {
		return Init
	}
	if containsBox(buf, "moof") || containsBox(buf, "mdat") {
		return Media
	}
	return Unknown
}
