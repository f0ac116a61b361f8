// ABOUTME: SnapshotRecorder telemetry metrics interface and implementation
// ABOUTME: Tracks snapshot ingestion, persistence, uid removal, and imports

package recorder

import (
	"context"
	"time"

	"github.com/netstatsd/netstatsd/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Metrics defines the interface for SnapshotRecorder telemetry operations.
type Metrics interface {
	telemetry.ComponentMetrics

	RecordSnapshot(ctx context.Context, entries int, nonMonotonic int)
	RecordPersist(ctx context.Context, duration time.Duration, forced bool)
	RecordRemoveUID(ctx context.Context, uid int32, filesChanged int)
	RecordImport(ctx context.Context, kind string, buckets int)
}

type recorderMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates a telemetry-backed Metrics implementation. If tel is
// nil, returns a no-op implementation.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return &noopMetrics{}
	}
	return &recorderMetrics{tel: tel}
}

// NewNoopMetrics creates a no-op metrics implementation.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

func (m *recorderMetrics) RecordSnapshot(ctx context.Context, entries int, nonMonotonic int) {
	m.tel.RecordCounter(ctx, "netstatsd.recorder.snapshot.entries", int64(entries),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentRecorder),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeRecordSnapshot),
	)
	if nonMonotonic > 0 {
		m.tel.RecordCounter(ctx, "netstatsd.recorder.snapshot.non_monotonic", int64(nonMonotonic),
			attribute.String(telemetry.AttrComponent, telemetry.ComponentRecorder),
		)
	}
}

func (m *recorderMetrics) RecordPersist(ctx context.Context, duration time.Duration, forced bool) {
	m.tel.RecordHistogram(ctx, "netstatsd.recorder.persist.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentRecorder),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypePersist),
		attribute.Bool("forced", forced),
	)
}

func (m *recorderMetrics) RecordRemoveUID(ctx context.Context, uid int32, filesChanged int) {
	m.tel.RecordCounter(ctx, "netstatsd.recorder.remove_uid.files_changed", int64(filesChanged),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentRecorder),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeRemoveUID),
		attribute.Int("uid", int(uid)),
	)
}

func (m *recorderMetrics) RecordImport(ctx context.Context, kind string, buckets int) {
	m.tel.RecordCounter(ctx, "netstatsd.recorder.import.buckets", int64(buckets),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentRecorder),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeImport),
		attribute.String("kind", kind),
	)
}

func (m *recorderMetrics) Close() error { return nil }

type noopMetrics struct{}

func (n *noopMetrics) RecordSnapshot(ctx context.Context, entries int, nonMonotonic int) {}
func (n *noopMetrics) RecordPersist(ctx context.Context, duration time.Duration, forced bool) {
}
func (n *noopMetrics) RecordRemoveUID(ctx context.Context, uid int32, filesChanged int) {}
func (n *noopMetrics) RecordImport(ctx context.Context, kind string, buckets int)       {}
func (n *noopMetrics) Close() error                                                    { return nil }
