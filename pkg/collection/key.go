package collection

import "github.com/netstatsd/netstatsd/pkg/identity"

// UIDAll matches every uid in a Template.
const UIDAll int32 = -1

// Key identifies one (identity-set, uid, set-kind, tag) dimension of a
// Collection, per spec.md §3 "Collection entity".
type Key struct {
	IdentitySet identity.Set
	UID         int32
	SetKind     identity.SetKind
	Tag         uint32
}

// Entry is a tuple of cumulative or delta counters, depending on context:
// callers of RecordData pass a delta; a Bucket's embedded Entry is the
// accumulated total for that bucket's time window.
type Entry struct {
	RxBytes    int64
	RxPackets  int64
	TxBytes    int64
	TxPackets  int64
	Operations int64
}

// IsEmpty reports whether the entry carries no counter movement at all —
// such entries are skipped by SnapshotRecorder per spec.md §4.4 step 4.
func (e Entry) IsEmpty() bool {
	return e.RxBytes == 0 && e.RxPackets == 0 && e.TxBytes == 0 && e.TxPackets == 0 && e.Operations == 0
}

// Add returns the element-wise sum of e and o.
func (e Entry) Add(o Entry) Entry {
	return Entry{
		RxBytes:    e.RxBytes + o.RxBytes,
		RxPackets:  e.RxPackets + o.RxPackets,
		TxBytes:    e.TxBytes + o.TxBytes,
		TxPackets:  e.TxPackets + o.TxPackets,
		Operations: e.Operations + o.Operations,
	}
}

// scale returns e's counters scaled by num/den, using integer division —
// RecordData corrects the rounding error by assigning the remainder to the
// last bucket in a split.
func (e Entry) scale(num, den int64) Entry {
	if den == 0 {
		return Entry{}
	}
	return Entry{
		RxBytes:    e.RxBytes * num / den,
		RxPackets:  e.RxPackets * num / den,
		TxBytes:    e.TxBytes * num / den,
		TxPackets:  e.TxPackets * num / den,
		Operations: e.Operations * num / den,
	}
}

// Bucket is one quantized time window of accumulated counters.
type Bucket struct {
	Start int64
	End   int64
	Entry
}

// TotalBytes returns the byte footprint this bucket contributes toward a
// recorder's persistence threshold.
func (b Bucket) TotalBytes() int64 {
	return b.RxBytes + b.TxBytes
}

// History is a time-ordered sequence of Buckets for one Key.
type History []Bucket
