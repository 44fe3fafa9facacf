package observe

import "time"

// FreshnessWindow bounds how long a notification may be compared by
// sequence number alone (RFC 7641 Section 4.4).
const FreshnessWindow = 128 * time.Second

// seqHalfRange is 2^23, half the sequence number space.
const seqHalfRange = 1 << 23

// IsFresher reports whether a notification with sequence number v2
// received at t2 is newer than one with v1 received at t1.
// See RFC 7641 Section 4.4.
func IsFresher(v1 uint32, t1 time.Time, v2 uint32, t2 time.Time) bool {
	if v1 < v2 && v2-v1 < seqHalfRange {
		return true
	}
	if v1 > v2 && v1-v2 > seqHalfRange {
		return true
	}
	return t2.After(t1.Add(FreshnessWindow))
}

// FreshnessFilter drops reordered notifications of one observation.
// The zero value accepts the first notification. Not safe for concurrent use.
type FreshnessFilter struct {
	seen bool
	seq  uint32
	at   time.Time
}

// Accept reports whether the notification is fresh and, if so, records it.
func (f *FreshnessFilter) Accept(seq uint32, at time.Time) bool {
	if f.seen && !IsFresher(f.seq, f.at, seq, at) {
		return false
	}
	f.seen = true
	f.seq = seq
	f.at = at
	return true
}
