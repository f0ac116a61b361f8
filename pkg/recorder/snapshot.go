package recorder

import (
	"github.com/netstatsd/netstatsd/pkg/collection"
	"github.com/netstatsd/netstatsd/pkg/identity"
)

// SnapshotEntry is one cumulative counter reading for a single
// (interface, uid, set, tag) tuple at the moment a Snapshot was taken.
type SnapshotEntry struct {
	IfaceName  string
	UID        int32
	SetKind    identity.SetKind
	Tag        uint32
	RxBytes    int64
	RxPackets  int64
	TxBytes    int64
	TxPackets  int64
	Operations int64
}

// Snapshot is a full cumulative-counter reading taken at ElapsedRealtime —
// the caller-supplied clock value a recorder uses as "now" for bucketing.
type Snapshot struct {
	ElapsedRealtime int64
	Entries         []SnapshotEntry
}

// snapshotEntryKey identifies matching entries across two snapshots for
// subtraction purposes.
type snapshotEntryKey struct {
	IfaceName string
	UID       int32
	SetKind   identity.SetKind
	Tag       uint32
}

// Delta is the element-wise difference of two snapshots: current minus
// previous, plus the elapsed wall-clock span it covers.
type Delta struct {
	ElapsedRealtime int64
	Entries         []SnapshotEntry
}

// NonMonotonicEvent describes one counter that decreased between two
// successive snapshots — a clock reset, interface churn, or counter
// overflow the recorder does not attempt to explain, only report.
type NonMonotonicEvent struct {
	IfaceName string
	UID       int32
	Tag       uint32
	Field     string
	Previous  int64
	Current   int64
}

// Observer receives non-monotonic counter observations, disambiguated by an
// opaque cookie identifying which recorder instance reported it.
type Observer interface {
	FoundNonMonotonic(cookie string, event NonMonotonicEvent)
}

// NoopObserver discards every observation.
type NoopObserver struct{}

func (NoopObserver) FoundNonMonotonic(string, NonMonotonicEvent) {}

// Subtract computes current - prev element-wise. Entries present in
// current but absent from prev are passed through unchanged (a newly
// appeared interface/uid/tag has no baseline to subtract). Entries present
// in prev but absent from current are dropped — spec.md's delta is defined
// over current's entries only. Any field that would go negative is
// clamped to zero and reported as a non-monotonic event.
func Subtract(current, prev Snapshot) (Delta, []NonMonotonicEvent) {
	prevByKey := make(map[snapshotEntryKey]SnapshotEntry, len(prev.Entries))
	for _, e := range prev.Entries {
		prevByKey[snapshotEntryKey{e.IfaceName, e.UID, e.SetKind, e.Tag}] = e
	}

	delta := Delta{ElapsedRealtime: current.ElapsedRealtime - prev.ElapsedRealtime}
	var events []NonMonotonicEvent

	for _, curEntry := range current.Entries {
		key := snapshotEntryKey{curEntry.IfaceName, curEntry.UID, curEntry.SetKind, curEntry.Tag}
		prevEntry, ok := prevByKey[key]
		if !ok {
			delta.Entries = append(delta.Entries, curEntry)
			continue
		}

		result := curEntry
		result.RxBytes, events = clamp(curEntry.IfaceName, curEntry.UID, curEntry.Tag, "rx_bytes", prevEntry.RxBytes, curEntry.RxBytes, events)
		result.RxPackets, events = clamp(curEntry.IfaceName, curEntry.UID, curEntry.Tag, "rx_packets", prevEntry.RxPackets, curEntry.RxPackets, events)
		result.TxBytes, events = clamp(curEntry.IfaceName, curEntry.UID, curEntry.Tag, "tx_bytes", prevEntry.TxBytes, curEntry.TxBytes, events)
		result.TxPackets, events = clamp(curEntry.IfaceName, curEntry.UID, curEntry.Tag, "tx_packets", prevEntry.TxPackets, curEntry.TxPackets, events)
		result.Operations, events = clamp(curEntry.IfaceName, curEntry.UID, curEntry.Tag, "operations", prevEntry.Operations, curEntry.Operations, events)

		delta.Entries = append(delta.Entries, result)
	}

	return delta, events
}

func clamp(iface string, uid int32, tag uint32, field string, prev, cur int64, events []NonMonotonicEvent) (int64, []NonMonotonicEvent) {
	diff := cur - prev
	if diff < 0 {
		events = append(events, NonMonotonicEvent{
			IfaceName: iface, UID: uid, Tag: tag, Field: field, Previous: prev, Current: cur,
		})
		return 0, events
	}
	return diff, events
}

// toEntry converts a SnapshotEntry's counters into a collection.Entry for
// recording, discarding the identity fields collection.Key already carries.
func toEntry(e SnapshotEntry) collection.Entry {
	return collection.Entry{
		RxBytes:    e.RxBytes,
		RxPackets:  e.RxPackets,
		TxBytes:    e.TxBytes,
		TxPackets:  e.TxPackets,
		Operations: e.Operations,
	}
}
