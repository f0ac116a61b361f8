// Package recorder implements SnapshotRecorder: the component that turns
// successive cumulative counter snapshots into bucketed deltas, persists
// them through a FileRotator, and answers historical queries.
package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/netstatsd/netstatsd/pkg/collection"
	"github.com/netstatsd/netstatsd/pkg/common/log"
	"github.com/netstatsd/netstatsd/pkg/identity"
	"github.com/netstatsd/netstatsd/pkg/journal"
	"github.com/netstatsd/netstatsd/pkg/opmetrics"
	"github.com/netstatsd/netstatsd/pkg/rotator"
)

// Config bundles the tunables a SnapshotRecorder needs beyond its
// collaborators.
type Config struct {
	BucketDuration   time.Duration
	PersistThreshold int64 // bytes of TotalBytes accumulated in pending before MaybePersist forces a write

	// OnlyTagged partitions the recorder into one of spec.md's two tag
	// classes: false records only untagged traffic (identity.TagNone),
	// true records only tagged traffic (any other tag value). A complete
	// deployment runs one recorder of each, sharing a rotator's directory
	// under different prefixes, per spec.md §8's tag-partition invariant.
	OnlyTagged bool
}

// SnapshotRecorder ingests counter snapshots, buffers deltas in a pending
// collection, and periodically folds that collection into a FileRotator's
// managed files (spec.md §4.4).
type SnapshotRecorder struct {
	mu sync.Mutex

	cookie   string
	config   Config
	resolver identity.Resolver
	unknown  *identity.UnknownInterfaces
	rotator  *rotator.FileRotator
	observer Observer
	logger   log.Logger
	metrics  Metrics
	journal  *journal.Journal
	ops      *opmetrics.AtomicCollector

	lastSnapshot *Snapshot
	pending      *collection.Collection
	sinceBoot    *collection.Collection

	cache *completeCache
}

// Option configures a SnapshotRecorder at construction time.
type Option func(*SnapshotRecorder)

func WithResolver(r identity.Resolver) Option {
	return func(sr *SnapshotRecorder) { sr.resolver = r }
}

func WithObserver(o Observer) Option {
	return func(sr *SnapshotRecorder) { sr.observer = o }
}

func WithRecorderLogger(l log.Logger) Option {
	return func(sr *SnapshotRecorder) { sr.logger = l }
}

func WithRecorderMetrics(m Metrics) Option {
	return func(sr *SnapshotRecorder) { sr.metrics = m }
}

// WithJournal attaches an audit journal. Every RecordSnapshot after the
// bootstrap sample, every ForcePersist that writes pending data, and every
// RemoveUid, RemoveUIDs, or ImportLegacy call that returns without error
// appends a framed event before returning.
func WithJournal(j *journal.Journal) Option {
	return func(sr *SnapshotRecorder) { sr.journal = j }
}

// WithRecorderOpMetrics attaches an in-process atomic operation collector,
// identical in shape to the rotator's WithOpMetrics — a supervising process
// can share one AtomicCollector across a recorder and its rotator.
func WithRecorderOpMetrics(c *opmetrics.AtomicCollector) Option {
	return func(sr *SnapshotRecorder) { sr.ops = c }
}

// appendJournal records an audit event, logging and swallowing failures —
// the journal is a diagnostic trail, not part of the durability contract
// FileRotator's rewrite protocol already provides.
func (sr *SnapshotRecorder) appendJournal(event journal.Event) {
	if sr.journal == nil {
		return
	}
	if err := sr.journal.Append(event); err != nil {
		sr.logger.Warn("netstatsd: journal append failed: %s", err.Error())
	}
}

// New builds a SnapshotRecorder. cookie disambiguates observer callbacks
// across multiple recorders (e.g. a "xt" recorder vs a "uid" recorder)
// sharing one Observer (spec.md §4.4).
func New(cookie string, cfg Config, rot *rotator.FileRotator, opts ...Option) *SnapshotRecorder {
	sr := &SnapshotRecorder{
		cookie:    cookie,
		config:    cfg,
		rotator:   rot,
		resolver:  identity.NewStaticResolver(nil),
		unknown:   identity.NewUnknownInterfaces(),
		observer:  NoopObserver{},
		logger:    log.GetDefaultLogger(),
		metrics:   NewNoopMetrics(),
		ops:       opmetrics.NewAtomicCollector(),
		pending:   collection.New(cfg.BucketDuration),
		sinceBoot: collection.New(cfg.BucketDuration),
	}
	for _, opt := range opts {
		opt(sr)
	}
	sr.cache = newCompleteCache(rot, cfg.BucketDuration)
	return sr
}

// tagAllowed reports whether entries carrying tag belong to this
// recorder's tag class (spec.md §8: "each recorder handles exactly one
// tag class").
func (sr *SnapshotRecorder) tagAllowed(tag uint32) bool {
	if sr.config.OnlyTagged {
		return tag != identity.TagNone
	}
	return tag == identity.TagNone
}

// RecordSnapshot folds the difference between snapshot and the previously
// recorded snapshot into the pending and since-boot collections. The first
// snapshot ever seen bootstraps lastSnapshot and records nothing — there is
// no baseline to subtract against (spec.md §4.4 step 1).
func (sr *SnapshotRecorder) RecordSnapshot(ctx context.Context, snapshot Snapshot) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.lastSnapshot == nil {
		prev := snapshot
		sr.lastSnapshot = &prev
		return
	}

	delta, events := Subtract(snapshot, *sr.lastSnapshot)
	prev := snapshot
	sr.lastSnapshot = &prev

	for _, event := range events {
		sr.observer.FoundNonMonotonic(sr.cookie, event)
		sr.ops.TrackNonMonotonic()
	}

	recorded := 0
	for _, e := range delta.Entries {
		if !sr.tagAllowed(e.Tag) {
			continue
		}
		set, ok := sr.resolver.Resolve(e.IfaceName)
		if !ok {
			sr.unknown.Record(e.IfaceName)
			continue
		}
		key := collection.Key{IdentitySet: set, UID: e.UID, SetKind: e.SetKind, Tag: e.Tag}
		entry := toEntry(e)
		startMillis := sr.lastSnapshot.ElapsedRealtime - delta.ElapsedRealtime
		endMillis := sr.lastSnapshot.ElapsedRealtime
		sr.pending.RecordData(key, startMillis, endMillis, entry)
		sr.sinceBoot.RecordData(key, startMillis, endMillis, entry)
		recorded++
	}

	sr.ops.TrackOperation(opmetrics.OpRecord)
	sr.metrics.RecordSnapshot(ctx, recorded, len(events))
	sr.appendJournal(journal.Event{Type: journal.EventRecordSnapshot, Detail: sr.cookie})
	for _, event := range events {
		sr.appendJournal(journal.Event{
			Type:   journal.EventNonMonotonic,
			Name:   event.IfaceName,
			Detail: event.Field,
		})
	}
}

// UnknownInterfaces returns the interface names seen since the last Clear
// that the resolver could not place into an identity set.
func (sr *SnapshotRecorder) UnknownInterfaces() []string {
	return sr.unknown.Names()
}

// MaybePersist forces a write if pending has accumulated at least
// PersistThreshold bytes, otherwise leaves pending buffered in memory
// (spec.md §4.4 step 5 — persistence is amortized, not per-snapshot).
func (sr *SnapshotRecorder) MaybePersist(ctx context.Context, nowMillis int64) error {
	sr.mu.Lock()
	shouldForce := sr.config.PersistThreshold > 0 && sr.pending.TotalBytes() >= sr.config.PersistThreshold
	sr.mu.Unlock()

	if !shouldForce {
		return nil
	}
	return sr.ForcePersist(ctx, nowMillis)
}

// ForcePersist folds pending into the active managed file via a
// CombiningRewriter, then lets the rotator seal/delete files whose age
// crossed the configured thresholds. A failure leaves pending untouched so
// the next attempt retries the same data (spec.md §4.4 step 6).
func (sr *SnapshotRecorder) ForcePersist(ctx context.Context, nowMillis int64) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.pending.IsEmpty() {
		return nil
	}

	start := time.Now()
	pendingBytes := sr.pending.TotalBytes()
	retained := collection.New(sr.config.BucketDuration)
	retained.RecordCollection(sr.pending)
	rewriter := NewCombiningRewriter(sr.pending)
	if err := sr.rotator.RewriteActive(rewriter, nowMillis); err != nil {
		// The rewriter may already have folded on-disk content into pending
		// or consumed it; restore exactly what was pending before the attempt.
		sr.pending.Reset()
		sr.pending.RecordCollection(retained)
		sr.logger.Warn("netstatsd: force persist failed, retaining pending data: %s", err.Error())
		return err
	}
	if err := sr.rotator.MaybeRotate(nowMillis); err != nil {
		sr.logger.Warn("netstatsd: post-persist rotation sweep failed: %s", err.Error())
	}
	sr.cache.invalidate()
	sr.ops.TrackOperation(opmetrics.OpPersist)
	sr.ops.TrackBytes(true, uint64(pendingBytes))
	sr.metrics.RecordPersist(ctx, time.Since(start), true)
	sr.appendJournal(journal.Event{Type: journal.EventPersist, Detail: sr.cookie})
	return nil
}

// RemoveUid strips every entry belonging to uid from every managed file and
// from in-memory state. A failure partway through leaves already-rewritten
// files stripped and unaffected ones untouched — no rollback, matching
// FileRotator's per-file atomicity (spec.md §4.4 step 7).
func (sr *SnapshotRecorder) RemoveUid(ctx context.Context, uid int32) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	rewriter := NewRemoveUidRewriter(sr.config.BucketDuration, uid)
	if err := sr.rotator.RewriteAll(rewriter); err != nil {
		sr.logger.Warn("netstatsd: remove uid %d failed: %s", uid, err.Error())
		return err
	}
	sr.pending.RemoveUID(uid)
	sr.sinceBoot.RemoveUID(uid)
	sr.cache.invalidate()
	sr.ops.TrackOperation(opmetrics.OpRemoveUID)
	sr.metrics.RecordRemoveUID(ctx, uid, 1)
	sr.appendJournal(journal.Event{Type: journal.EventRemoveUID, Name: fmt.Sprintf("uid=%d", uid)})
	return nil
}

// RemoveUIDs removes several uids in one pass, matching the original
// recorder's handling of package-removal broadcasts that can name more than
// one uid at a time. Each file is rewritten once regardless of how many of
// the removed uids it contains.
func (sr *SnapshotRecorder) RemoveUIDs(ctx context.Context, uids []int32) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	rewriter := NewRemoveUidsRewriter(sr.config.BucketDuration, uids)
	if err := sr.rotator.RewriteAll(rewriter); err != nil {
		sr.logger.Warn("netstatsd: batch remove uid failed: %s", err.Error())
		return err
	}
	for _, uid := range uids {
		sr.pending.RemoveUID(uid)
		sr.sinceBoot.RemoveUID(uid)
	}
	sr.cache.invalidate()
	sr.ops.TrackOperation(opmetrics.OpRemoveUID)
	sr.metrics.RecordRemoveUID(ctx, 0, len(uids))
	sr.appendJournal(journal.Event{Type: journal.EventRemoveUID, Detail: fmt.Sprintf("batch=%d", len(uids))})
	return nil
}

// Reset clears all in-memory recorder state. It does not touch anything on
// disk — a fresh RecordSnapshot call bootstraps lastSnapshot again.
func (sr *SnapshotRecorder) Reset() {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	sr.lastSnapshot = nil
	sr.pending = collection.New(sr.config.BucketDuration)
	sr.sinceBoot = collection.New(sr.config.BucketDuration)
	sr.unknown.Clear()
	sr.cache.invalidate()
}

// Summary answers a historical query over every managed file plus pending,
// unpersisted data (spec.md §4.4 step 8 — "readers never see stale data").
func (sr *SnapshotRecorder) Summary(tmpl collection.Template, fromMillis, toMillis int64) (collection.Summary, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	complete, err := sr.cache.getOrLoad(sr.pending)
	if err != nil {
		return collection.Summary{}, err
	}
	return complete.Summary(tmpl, fromMillis, toMillis), nil
}

// ImportResult summarizes a legacy-format import for operator reporting.
type ImportResult struct {
	Buckets     int
	StartMillis int64
	EndMillis   int64
}

// ImportLegacy discards every currently managed file and replaces it with
// the content of a single pre-populated collection (spec.md's supplemented
// legacy-import feature, mirroring the original recorder's one-shot
// migration path from its predecessor's on-disk format).
func (sr *SnapshotRecorder) ImportLegacy(ctx context.Context, kind string, legacy *collection.Collection) (ImportResult, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if err := sr.rotator.DeleteAll(); err != nil {
		return ImportResult{}, err
	}

	buckets := legacy.BucketCount()
	if legacy.IsEmpty() {
		sr.cache.invalidate()
		sr.ops.TrackOperation(opmetrics.OpImport)
		sr.metrics.RecordImport(ctx, kind, 0)
		sr.appendJournal(journal.Event{Type: journal.EventImport, Detail: fmt.Sprintf("%s buckets=0", kind)})
		return ImportResult{}, nil
	}

	startMillis := legacy.StartMillis()
	endMillis := legacy.EndMillis()
	legacyBytes := legacy.TotalBytes()

	rewriter := NewCombiningRewriter(legacy)
	if err := sr.rotator.RewriteActive(rewriter, startMillis); err != nil {
		return ImportResult{}, err
	}
	if err := sr.rotator.MaybeRotate(endMillis); err != nil {
		sr.logger.Warn("netstatsd: post-import rotation sweep failed: %s", err.Error())
	}

	sr.cache.invalidate()
	sr.ops.TrackOperation(opmetrics.OpImport)
	sr.ops.TrackBytes(true, uint64(legacyBytes))
	sr.metrics.RecordImport(ctx, kind, buckets)
	sr.appendJournal(journal.Event{Type: journal.EventImport, Detail: fmt.Sprintf("%s buckets=%d", kind, buckets)})
	return ImportResult{Buckets: buckets, StartMillis: startMillis, EndMillis: endMillis}, nil
}
