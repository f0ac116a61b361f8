// Package collection implements the concrete StatsCollection collaborator:
// an in-memory, serializable, time-bucketed multidimensional history of
// network counters. A FileRotator treats its binary form as an opaque
// stream; a SnapshotRecorder is its only caller.
package collection

import (
	"sync"
	"time"
)

// Collection maps a Key to its History, quantized to a fixed bucket
// duration. Not safe for concurrent use by multiple goroutines without
// external synchronization — matching spec.md §5's single-caller model —
// but guards its own fields with a mutex so accidental concurrent reads
// (e.g. a metrics exporter) do not race the detector.
type Collection struct {
	mu             sync.Mutex
	bucketDuration int64 // milliseconds
	data           map[Key]History
	dirty          bool
}

// New creates an empty Collection quantizing recorded data to bucketDuration.
func New(bucketDuration time.Duration) *Collection {
	return &Collection{
		bucketDuration: bucketDuration.Milliseconds(),
		data:           make(map[Key]History),
	}
}

// Reset discards all recorded data and clears the dirty flag.
func (c *Collection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[Key]History)
	c.dirty = false
}

// IsDirty reports whether the collection has unpersisted changes.
func (c *Collection) IsDirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// ClearDirty marks the collection as persisted without discarding data.
func (c *Collection) ClearDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = false
}

// IsEmpty reports whether the collection holds no history at all.
func (c *Collection) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data) == 0
}

// BucketCount returns the total number of buckets across every key,
// primarily for import/migration reporting.
func (c *Collection) BucketCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, history := range c.data {
		total += len(history)
	}
	return total
}

// TotalBytes sums RxBytes+TxBytes across every bucket of every key — the
// quantity a SnapshotRecorder compares against persistThresholdBytes.
func (c *Collection) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	for _, history := range c.data {
		for _, bucket := range history {
			total += bucket.TotalBytes()
		}
	}
	return total
}

// StartMillis returns the earliest bucket start recorded, or 0 if empty.
func (c *Collection) StartMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := int64(0)
	first := true
	for _, history := range c.data {
		for _, bucket := range history {
			if first || bucket.Start < start {
				start = bucket.Start
				first = false
			}
		}
	}
	return start
}

// EndMillis returns the latest bucket end recorded, or 0 if empty.
func (c *Collection) EndMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	end := int64(0)
	for _, history := range c.data {
		for _, bucket := range history {
			if bucket.End > end {
				end = bucket.End
			}
		}
	}
	return end
}

// RecordCollection folds every entry of other into c, marking c dirty if
// other carried any data. Used both by CombiningRewriter (folding on-disk
// content into pending) and by the recorder's complete-cache hydration.
func (c *Collection) RecordCollection(other *Collection) {
	other.mu.Lock()
	snapshot := make(map[Key]History, len(other.data))
	for k, v := range other.data {
		snapshot[k] = append(History(nil), v...)
	}
	other.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, history := range snapshot {
		for _, bucket := range history {
			c.mergeBucketLocked(key, bucket)
		}
	}
	c.dirty = true
}

// RecordData distributes entry's counters, spanning [start, end), across
// this collection's bucket grid under key, splitting proportionally by
// elapsed time per spec.md's StatsCollection.recordData contract. Any
// rounding remainder from integer division lands in the final bucket so
// the sum across buckets always equals entry's totals exactly.
func (c *Collection) RecordData(key Key, start, end int64, entry Entry) {
	if end <= start {
		return
	}
	if entry.IsEmpty() {
		return
	}

	duration := c.effectiveBucketDuration()
	spans := splitIntoBuckets(start, end, duration)

	c.mu.Lock()
	defer c.mu.Unlock()

	total := end - start
	var assigned Entry
	for i, span := range spans {
		var portion Entry
		if i == len(spans)-1 {
			portion = Entry{
				RxBytes:    entry.RxBytes - assigned.RxBytes,
				RxPackets:  entry.RxPackets - assigned.RxPackets,
				TxBytes:    entry.TxBytes - assigned.TxBytes,
				TxPackets:  entry.TxPackets - assigned.TxPackets,
				Operations: entry.Operations - assigned.Operations,
			}
		} else {
			portion = entry.scale(span.end-span.start, total)
			assigned = assigned.Add(portion)
		}

		c.mergeBucketLocked(key, Bucket{Start: span.start, End: span.end, Entry: portion})
	}
	c.dirty = true
}

// RemoveUID deletes every key belonging to uid, reporting whether anything
// was actually removed so callers (RemoveUidRewriter) can gate rewrites on
// real change.
func (c *Collection) RemoveUID(uid int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for key := range c.data {
		if key.UID == uid {
			delete(c.data, key)
			changed = true
		}
	}
	if changed {
		c.dirty = true
	}
	return changed
}

// mergeBucketLocked adds bucket's counters into the existing bucket sharing
// its [Start, End) window under key, creating one if none exists. Callers
// must hold c.mu.
func (c *Collection) mergeBucketLocked(key Key, bucket Bucket) {
	history := c.data[key]
	for i := range history {
		if history[i].Start == bucket.Start && history[i].End == bucket.End {
			history[i].Entry = history[i].Entry.Add(bucket.Entry)
			c.data[key] = history
			return
		}
	}

	history = append(history, bucket)
	insertionSort(history)
	c.data[key] = history
}

func (c *Collection) effectiveBucketDuration() int64 {
	if c.bucketDuration <= 0 {
		return 1
	}
	return c.bucketDuration
}

type bucketSpan struct {
	start, end int64
}

// splitIntoBuckets divides [start, end) into spans aligned to duration
// boundaries, matching NetworkStatsHistory.recordData's bucket quantization.
func splitIntoBuckets(start, end, duration int64) []bucketSpan {
	var spans []bucketSpan
	cursor := start
	for cursor < end {
		bucketStart := (cursor / duration) * duration
		bucketEnd := bucketStart + duration
		spanEnd := bucketEnd
		if spanEnd > end {
			spanEnd = end
		}
		spans = append(spans, bucketSpan{start: cursor, end: spanEnd})
		cursor = spanEnd
	}
	if len(spans) == 0 {
		spans = append(spans, bucketSpan{start: start, end: end})
	}
	return spans
}

// insertionSort keeps a History sorted by Start; histories stay short
// enough in practice (one bucket grid per key) that this beats importing
// sort for a handful of elements.
func insertionSort(h History) {
	for i := 1; i < len(h); i++ {
		for j := i; j > 0 && h[j-1].Start > h[j].Start; j-- {
			h[j-1], h[j] = h[j], h[j-1]
		}
	}
}
