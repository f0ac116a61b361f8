// ABOUTME: FileRotator telemetry metrics interface and implementation for tracking rewrite/rotation/delete operations
// ABOUTME: Provides instrumentation for rewrite duration, recovery outcomes, rotation, and deletion

package rotator

import (
	"context"
	"time"

	"github.com/netstatsd/netstatsd/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Metrics defines the interface for FileRotator telemetry operations.
// All metrics are optional — implementations can safely be no-op.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordRewrite records a rewriteSingle pass: whether it wrote, and how long it took.
	RecordRewrite(ctx context.Context, duration time.Duration, wrote bool, bytesWritten int64)

	// RecordRecovery records a crash-recovery sweep outcome for one file.
	RecordRecovery(ctx context.Context, fromBackup bool)

	// RecordRotation records an active file being sealed.
	RecordRotation(ctx context.Context, name string)

	// RecordDeletion records an expired sealed file being removed.
	RecordDeletion(ctx context.Context, name string)
}

type rotatorMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates a new FileRotator metrics implementation. If tel is
// nil, returns a no-op implementation.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return &noopMetrics{}
	}
	return &rotatorMetrics{tel: tel}
}

// NewNoopMetrics creates a no-op metrics implementation for testing.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

func (m *rotatorMetrics) RecordRewrite(ctx context.Context, duration time.Duration, wrote bool, bytesWritten int64) {
	m.tel.RecordHistogram(ctx, "netstatsd.rotator.rewrite.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentRotator),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeRewrite),
		attribute.Bool("wrote", wrote),
	)
	if wrote {
		m.tel.RecordCounter(ctx, "netstatsd.rotator.rewrite.bytes", bytesWritten,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentRotator),
		)
	}
}

func (m *rotatorMetrics) RecordRecovery(ctx context.Context, fromBackup bool) {
	reason := "marker"
	if fromBackup {
		reason = "backup"
	}
	m.tel.RecordCounter(ctx, "netstatsd.rotator.recovery.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentRotator),
		attribute.String(telemetry.AttrReason, reason),
	)
}

func (m *rotatorMetrics) RecordRotation(ctx context.Context, name string) {
	m.tel.RecordCounter(ctx, "netstatsd.rotator.rotate.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentRotator),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeRotate),
		attribute.String(telemetry.AttrFileID, name),
	)
}

func (m *rotatorMetrics) RecordDeletion(ctx context.Context, name string) {
	m.tel.RecordCounter(ctx, "netstatsd.rotator.delete.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentRotator),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeDelete),
		attribute.String(telemetry.AttrFileID, name),
	)
}

func (m *rotatorMetrics) Close() error { return nil }

type noopMetrics struct{}

func (n *noopMetrics) RecordRewrite(ctx context.Context, duration time.Duration, wrote bool, bytesWritten int64) {
}
func (n *noopMetrics) RecordRecovery(ctx context.Context, fromBackup bool) {}
func (n *noopMetrics) RecordRotation(ctx context.Context, name string)     {}
func (n *noopMetrics) RecordDeletion(ctx context.Context, name string)    {}
func (n *noopMetrics) Close() error                                       { return nil }
