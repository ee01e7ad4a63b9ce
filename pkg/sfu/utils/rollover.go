package utils

const (
	seqNumRange     = 1 << 16
	seqNumHalfRange = 1 << 15
)

// RolloverIndex estimates the packet index of RFC 3711 section 3.3.1 from
// 16-bit RTP sequence numbers, tracking the roll over counter (ROC) and the
// highest sequence number seen (s_l).
type RolloverIndex struct {
	initialized bool
	roc         uint32
	highest     uint16
}

// Update returns the index of seq and advances ROC/s_l when seq is newer.
func (r *RolloverIndex) Update(seq uint16) uint64 {
	if !r.initialized {
		r.initialized = true
		r.highest = seq
		return uint64(seq)
	}

	v := r.guess(seq)
	switch {
	case v == int64(r.roc) && seq > r.highest:
		r.highest = seq
	case v == int64(r.roc)+1:
		r.highest = seq
		r.roc = uint32(v)
	}

	if v < 0 {
		// packet from before the first wrap of a stream that started near 0
		return uint64(seq)
	}
	return uint64(seq) + uint64(v)*seqNumRange
}

func (r *RolloverIndex) guess(seq uint16) int64 {
	v := int64(r.roc)
	if r.highest < seqNumHalfRange {
		if int(seq)-int(r.highest) > seqNumHalfRange {
			v = int64(r.roc) - 1
		}
	} else {
		if int(r.highest)-seqNumHalfRange > int(seq) {
			v = int64(r.roc) + 1
		}
	}
	return v
}

// Lookup returns the index seq would have under the current ROC.
func (r *RolloverIndex) Lookup(seq uint16) uint64 {
	return uint64(seq) + uint64(r.roc)*seqNumRange
}

// LookupPrevious returns the index seq would have under ROC-1.
func (r *RolloverIndex) LookupPrevious(seq uint16) (uint64, bool) {
	if r.roc == 0 {
		return 0, false
	}
	return uint64(seq) + uint64(r.roc-1)*seqNumRange, true
}

func (r *RolloverIndex) ROC() uint32 {
	return r.roc
}

func (r *RolloverIndex) Highest() (uint16, bool) {
	return r.highest, r.initialized
}

// ------------------------------------------------

// IsNewer16 reports whether a is ahead of b in modular 16-bit order.
func IsNewer16(a, b uint16) bool {
	return a != b && a-b < seqNumHalfRange
}

// IsNewer32 reports whether a is ahead of b in modular 32-bit order.
func IsNewer32(a, b uint32) bool {
	return a != b && a-b < 1<<31
}

// Diff16 is the signed modular distance from b to a.
func Diff16(a, b uint16) int32 {
	return int32(int16(a - b))
}

// Diff32 is the signed modular distance from b to a.
func Diff32(a, b uint32) int64 {
	return int64(int32(a - b))
}
