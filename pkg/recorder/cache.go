package recorder

import (
	"time"
	"weak"

	"github.com/netstatsd/netstatsd/pkg/collection"
	"github.com/netstatsd/netstatsd/pkg/rotator"
)

// completeCache memoizes the "complete" view of a recorder's history — every
// managed file folded together — behind a weak pointer, so an idle recorder
// lets the garbage collector reclaim the cached collection instead of
// holding it forever (spec.md §4.4/§9's "weak reference cache").
type completeCache struct {
	rotator        *rotator.FileRotator
	bucketDuration time.Duration
	handle         weak.Pointer[collection.Collection]
}

func newCompleteCache(rot *rotator.FileRotator, bucketDuration time.Duration) *completeCache {
	return &completeCache{rotator: rot, bucketDuration: bucketDuration}
}

// invalidate drops the cached handle so the next getOrLoad call rebuilds it
// from disk. Called whenever the on-disk state changes underneath it.
func (cc *completeCache) invalidate() {
	cc.handle = weak.Pointer[collection.Collection]{}
}

// getOrLoad returns the complete collection, reading every managed file if
// the weak handle has been collected or never populated, then folding
// pending's unpersisted data on top so callers never see stale reads.
func (cc *completeCache) getOrLoad(pending *collection.Collection) (*collection.Collection, error) {
	if c := cc.handle.Value(); c != nil {
		merged := collection.New(cc.bucketDuration)
		merged.RecordCollection(c)
		merged.RecordCollection(pending)
		return merged, nil
	}

	loaded := collection.New(cc.bucketDuration)
	if err := cc.rotator.ReadMatching(loaded, -maxMillis, maxMillis); err != nil {
		return nil, err
	}

	cc.handle = weak.Make(loaded)

	merged := collection.New(cc.bucketDuration)
	merged.RecordCollection(loaded)
	merged.RecordCollection(pending)
	return merged, nil
}

const maxMillis = int64(1) << 62
