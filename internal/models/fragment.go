package models

// Fragment describes one user-supplied piece of an MP4 stream. The raw bytes
// live in the fragment store; this struct carries only metadata and is what
// the API layer serializes back to clients.
type Fragment struct {
	// ID uniquely identifies the fragment within its session and is the
	// key under which the bytes are stored.
	ID string `json:"id"`
	// Label is the caller-supplied display name, attributed back to the
	// viewer through the time-to-label lookup.
	Label string `json:"label"`
	// Size is the byte length of the fragment.
	Size int `json:"size"`
	// Class is the derived classification: "init", "media" or "unknown".
	Class string `json:"class"`
	// SequenceNumber and DecodeTime are best-effort ordering hints probed
	// from the fragment; nil when no hint was found.
	SequenceNumber *uint32 `json:"sequenceNumber,omitempty"`
	DecodeTime     *uint64 `json:"decodeTime,omitempty"`
}
