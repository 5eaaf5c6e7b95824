package mp4box

import (
	"math"
	"sort"
)

// OrderEntry pairs a fragment's position in the caller's list with its
// classification and probed key.
type OrderEntry struct {
	Index int
	Class Classification
	Key   OrderKey
}

// SuggestOrder computes a suggested playback ordering for a set of fragments
// and returns it as a permutation of the entries' Index values.
//
// The first Init entry encountered is pinned to the front. Any further Init
// entries are sorted with the rest; lacking mfhd/tfdt hints they end up last,
// in their original relative order. Media and Unknown entries sort by decode
// timestamp ascending, then sequence number ascending, then original index,
// with an absent value treated as larger than any present one. The sort is
// stable, so equal keys preserve the caller's order and the result is
// deterministic for identical input.
//
// The caller is free to apply or discard the suggestion; SuggestOrder never
// mutates its input.
func SuggestOrder(entries []OrderEntry) []int {
	rest := make([]OrderEntry, 0, len(entries))
	initIndex := -1
	for _, e := range entries {
		if e.Class == Init && initIndex < 0 {
			initIndex = e.Index
			continue
		}
		rest = append(rest, e)
	}

	sort.SliceStable(rest, func(i, j int) bool {
		a, b := rest[i], rest[j]
		adts, bdts := sortValue64(a.Key.DecodeTime, a.Key.HasDecodeTime), sortValue64(b.Key.DecodeTime, b.Key.HasDecodeTime)
		if adts != bdts {
			return adts < bdts
		}
		aseq, bseq := sortValue64(uint64(a.Key.SequenceNumber), a.Key.HasSequence), sortValue64(uint64(b.Key.SequenceNumber), b.Key.HasSequence)
		if aseq != bseq {
			return aseq < bseq
		}
		return a.Index < b.Index
	})

	order := make([]int, 0, len(entries))
	if initIndex >= 0 {
		order = append(order, initIndex)
	}
	for _, e := range rest {
		order = append(order, e.Index)
	}
	return order
}

// sortValue64 maps an optional value to a comparable one, with absence
// sorting after every possible present value.
func sortValue64(v uint64, present bool) uint64 {
	if !present {
		return math.MaxUint64
	}
	return v
}
