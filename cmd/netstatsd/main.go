// Command netstatsd runs the rotator/recorder pair as a long-lived process:
// a sampler feeds cumulative counter snapshots to a SnapshotRecorder, which
// persists bucketed deltas through a FileRotator on a fixed interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/netstatsd/netstatsd/pkg/common/log"
	"github.com/netstatsd/netstatsd/pkg/config"
	"github.com/netstatsd/netstatsd/pkg/identity"
	"github.com/netstatsd/netstatsd/pkg/journal"
	"github.com/netstatsd/netstatsd/pkg/opmetrics"
	"github.com/netstatsd/netstatsd/pkg/recorder"
	"github.com/netstatsd/netstatsd/pkg/rotator"
	"github.com/netstatsd/netstatsd/pkg/telemetry"
)

func main() {
	basePath := flag.String("path", "", "directory to store rotated stats files in (required)")
	prefix := flag.String("prefix", "netstats.db", "managed file name prefix")
	sampleInterval := flag.Duration("sample-interval", 10*time.Second, "interval between synthetic counter samples")
	persistInterval := flag.Duration("persist-interval", time.Minute, "interval between persistence sweeps")
	telemetryExporters := flag.String("telemetry", "stdout", "comma-separated telemetry exporters (stdout, prometheus, otlp, none)")
	flag.Parse()

	if *basePath == "" {
		fmt.Fprintln(os.Stderr, "netstatsd: -path is required")
		os.Exit(1)
	}

	logger := log.GetDefaultLogger()

	cfg := config.NewDefaultConfig(*basePath, *prefix)
	if loaded, err := config.Load(*basePath); err == nil {
		cfg = loaded
	} else if err != config.ErrManifestNotFound {
		logger.Error("netstatsd: failed to load manifest: %s", err.Error())
		os.Exit(1)
	}
	if err := cfg.Save(); err != nil {
		logger.Error("netstatsd: failed to persist manifest: %s", err.Error())
		os.Exit(1)
	}

	tel, shutdownTelemetry := mustTelemetry(*telemetryExporters)
	defer shutdownTelemetry()

	ops := opmetrics.NewAtomicCollector()

	j, err := journal.Open(filepath.Join(cfg.BasePath, "audit.log"))
	if err != nil {
		logger.Error("netstatsd: failed to open audit journal: %s", err.Error())
		os.Exit(1)
	}
	defer j.Close()

	resolver := identity.NewStaticResolver(map[string]identity.Set{
		"rmnet0": "mobile",
		"rmnet1": "mobile",
		"wlan0":  "wifi",
	})

	// Each tag class gets its own rotator (same base directory, disjoint
	// managed-file prefixes) and its own recorder, per spec.md §8's
	// tag-partition invariant — a recorder handles exactly one class.
	untagged, err := newRecorderPair(cfg.BasePath, cfg.Prefix, cfg.Cookie, cfg, logger, tel, ops, j, resolver, false)
	if err != nil {
		logger.Error("netstatsd: failed to open untagged rotator: %s", err.Error())
		os.Exit(1)
	}
	tagged, err := newRecorderPair(cfg.BasePath, cfg.TaggedPrefix(), cfg.TaggedCookie(), cfg, logger, tel, ops, j, resolver, true)
	if err != nil {
		logger.Error("netstatsd: failed to open tagged rotator: %s", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("netstatsd: received signal %s, shutting down", sig.String())
		cancel()
	}()

	logger.Info("netstatsd: starting path=%s prefix=%s", cfg.BasePath, cfg.Prefix)
	runSampler(ctx, untagged.recorder, tagged.recorder, *sampleInterval, *persistInterval)
	logger.Info("netstatsd: stopped")
}

// recorderPair bundles a rotator and the recorder built on top of it for
// one tag class.
type recorderPair struct {
	rotator  *rotator.FileRotator
	recorder *recorder.SnapshotRecorder
}

func newRecorderPair(basePath, prefix, cookie string, cfg *config.Config, logger log.Logger, tel telemetry.Telemetry, ops *opmetrics.AtomicCollector, j *journal.Journal, resolver identity.Resolver, onlyTagged bool) (recorderPair, error) {
	rot, err := rotator.New(basePath, prefix, cfg.RotateAge.Milliseconds(), cfg.DeleteAge.Milliseconds(),
		rotator.WithLogger(logger),
		rotator.WithMetrics(rotator.NewMetrics(tel)),
		rotator.WithOpMetrics(ops),
		rotator.WithJournal(j),
	)
	if err != nil {
		return recorderPair{}, err
	}

	sr := recorder.New(cookie, recorder.Config{
		BucketDuration:   cfg.BucketDuration,
		PersistThreshold: cfg.PersistThresholdBytes,
		OnlyTagged:       onlyTagged,
	}, rot,
		recorder.WithResolver(resolver),
		recorder.WithRecorderLogger(logger),
		recorder.WithRecorderMetrics(recorder.NewMetrics(tel)),
		recorder.WithRecorderOpMetrics(ops),
		recorder.WithJournal(j),
		recorder.WithObserver(loggingObserver{logger: logger}),
	)

	return recorderPair{rotator: rot, recorder: sr}, nil
}

// loggingObserver logs every non-monotonic counter observation instead of
// discarding it, the daemon's default behavior.
type loggingObserver struct {
	logger log.Logger
}

func (o loggingObserver) FoundNonMonotonic(cookie string, event recorder.NonMonotonicEvent) {
	o.logger.Warn("netstatsd: non-monotonic counter observed cookie=%s iface=%s uid=%d field=%s previous=%d current=%d",
		cookie, event.IfaceName, event.UID, event.Field, event.Previous, event.Current)
}

func mustTelemetry(exporters string) (telemetry.Telemetry, func()) {
	if exporters == "none" || exporters == "" {
		return telemetry.NewNoop(), func() {}
	}

	cfg := telemetry.DefaultConfig()
	cfg.Exporters = splitNonEmpty(exporters)

	tel, err := telemetry.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netstatsd: telemetry init failed, continuing without it: %v\n", err)
		return telemetry.NewNoop(), func() {}
	}
	return tel, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "netstatsd: telemetry shutdown: %v\n", err)
		}
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// runSampler simulates the external sampler spec.md describes: it never
// reads real kernel counters (no such source exists in this environment),
// but it exercises the exact data flow a real one would drive — monotonic
// cumulative counters, periodic snapshots, periodic persistence. Every
// snapshot carries both untagged and tagged entries; each recorder's own
// tag-class filter decides which entries it actually keeps.
func runSampler(ctx context.Context, untagged, tagged *recorder.SnapshotRecorder, sampleInterval, persistInterval time.Duration) {
	sampleTicker := time.NewTicker(sampleInterval)
	defer sampleTicker.Stop()
	persistTicker := time.NewTicker(persistInterval)
	defer persistTicker.Stop()

	rng := rand.New(rand.NewSource(1))
	counters := newSyntheticCounters()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			now := time.Since(start).Milliseconds()
			_ = untagged.ForcePersist(context.Background(), now)
			_ = tagged.ForcePersist(context.Background(), now)
			return
		case <-sampleTicker.C:
			snapshot := counters.advance(rng, time.Since(start).Milliseconds())
			untagged.RecordSnapshot(context.Background(), snapshot)
			tagged.RecordSnapshot(context.Background(), snapshot)
		case <-persistTicker.C:
			now := time.Since(start).Milliseconds()
			if err := untagged.MaybePersist(context.Background(), now); err != nil {
				fmt.Fprintf(os.Stderr, "netstatsd: untagged persist failed: %v\n", err)
			}
			if err := tagged.MaybePersist(context.Background(), now); err != nil {
				fmt.Fprintf(os.Stderr, "netstatsd: tagged persist failed: %v\n", err)
			}
		}
	}
}

// taggedSocketTag is the synthetic per-socket tag simulated traffic carries,
// standing in for the qtaguid-style tags real tagged traffic would have.
const taggedSocketTag = uint32(0x2705)

type syntheticCounterKey struct {
	iface string
	uid   int32
	tag   uint32
}

type syntheticCounters struct {
	entries map[syntheticCounterKey]recorder.SnapshotEntry
}

func newSyntheticCounters() *syntheticCounters {
	return &syntheticCounters{entries: make(map[syntheticCounterKey]recorder.SnapshotEntry)}
}

func (s *syntheticCounters) advance(rng *rand.Rand, elapsedMillis int64) recorder.Snapshot {
	uids := []int32{1000, 1001, 10020}
	ifaces := []string{"rmnet0", "wlan0"}
	tags := []uint32{identity.TagNone, taggedSocketTag}

	snapshot := recorder.Snapshot{ElapsedRealtime: elapsedMillis}
	for _, iface := range ifaces {
		for _, uid := range uids {
			for _, tag := range tags {
				key := syntheticCounterKey{iface: iface, uid: uid, tag: tag}
				e := s.entries[key]
				e.IfaceName = iface
				e.UID = uid
				e.Tag = tag
				e.RxBytes += int64(rng.Intn(4096))
				e.RxPackets += int64(rng.Intn(8))
				e.TxBytes += int64(rng.Intn(2048))
				e.TxPackets += int64(rng.Intn(8))
				s.entries[key] = e
				snapshot.Entries = append(snapshot.Entries, e)
			}
		}
	}
	return snapshot
}
