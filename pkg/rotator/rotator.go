// Package rotator implements a logrotate-style directory manager: one
// "active" file grows over time; when old enough it is sealed into a
// historical file; historical files eventually expire and are deleted.
// All content mutations go through an atomic read-modify-write protocol
// that survives a crash at any point.
package rotator

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/netstatsd/netstatsd/pkg/common/log"
	"github.com/netstatsd/netstatsd/pkg/journal"
	"github.com/netstatsd/netstatsd/pkg/opmetrics"
)

const (
	backupSuffix   = ".backup"
	noBackupSuffix = ".no_backup"
)

// FileRotator manages one directory of time-ranged files named by Codec.
// It is not safe for concurrent use — callers must serialize all calls on
// a given instance.
type FileRotator struct {
	basePath        string
	codec           Codec
	rotateAgeMillis int64
	deleteAgeMillis int64

	logger  log.Logger
	metrics Metrics
	ops     *opmetrics.AtomicCollector
	journal *journal.Journal
}

// Option configures a FileRotator at construction time.
type Option func(*FileRotator)

// WithLogger attaches a logger; the default is log.GetDefaultLogger().
func WithLogger(logger log.Logger) Option {
	return func(r *FileRotator) { r.logger = logger }
}

// WithMetrics attaches a telemetry-backed Metrics implementation; the
// default is a no-op.
func WithMetrics(m Metrics) Option {
	return func(r *FileRotator) { r.metrics = m }
}

// WithOpMetrics attaches an in-process operation counter; the default is a
// fresh, unshared collector.
func WithOpMetrics(c *opmetrics.AtomicCollector) Option {
	return func(r *FileRotator) { r.ops = c }
}

// WithJournal attaches an audit journal; every rewrite, every MaybeRotate
// rotation and deletion, and every recovery decision is appended to it.
// DeleteAll removals are not journaled. The default is no journal.
func WithJournal(j *journal.Journal) Option {
	return func(r *FileRotator) { r.journal = j }
}

// appendJournal is a no-op when no journal is attached; failures to append
// are logged rather than propagated — the journal is advisory, and a
// recorder's real durability guarantee comes from the rewrite protocol, not
// from the audit trail.
func (r *FileRotator) appendJournal(event journal.Event) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Append(event); err != nil {
		r.logger.Warn("journal append failed: %v", err)
	}
}

// New creates a FileRotator rooted at basePath, creating the directory if
// necessary, then runs the crash-recovery sweep described in spec.md §4.2.
func New(basePath, prefix string, rotateAgeMillis, deleteAgeMillis int64, opts ...Option) (*FileRotator, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("rotator: create base path: %w", err)
	}

	r := &FileRotator{
		basePath:        basePath,
		codec:           NewCodec(prefix),
		rotateAgeMillis: rotateAgeMillis,
		deleteAgeMillis: deleteAgeMillis,
		logger:          log.GetDefaultLogger(),
		metrics:         NewNoopMetrics(),
		ops:             opmetrics.NewAtomicCollector(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if err := r.recover(); err != nil {
		return nil, err
	}

	return r, nil
}

// recover performs the idempotent crash-recovery sweep: a ".backup"
// sidecar means a rewrite crashed after renaming the old content aside, so
// the old content is restored; a ".no_backup" marker means the target did
// not previously exist, so both the marker and any partially written
// target are removed.
func (r *FileRotator) recover() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return fmt.Errorf("rotator: read base path: %w", err)
	}

	start := r.ops.StartRecovery()
	var fromBackup, fromMarker uint64

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, r.codec.Prefix) {
			continue
		}

		switch {
		case strings.HasSuffix(name, backupSuffix):
			base := strings.TrimSuffix(name, backupSuffix)
			backupPath := filepath.Join(r.basePath, name)
			basePath := filepath.Join(r.basePath, base)
			if err := os.Rename(backupPath, basePath); err != nil {
				return fmt.Errorf("rotator: recover backup %s: %w", name, err)
			}
			r.logger.Info("recovered %s from backup sidecar", base)
			r.metrics.RecordRecovery(context.Background(), true)
			r.appendJournal(journal.Event{Type: journal.EventRewriteAbortRecovered, Name: base, Detail: "backup"})
			fromBackup++

		case strings.HasSuffix(name, noBackupSuffix):
			base := strings.TrimSuffix(name, noBackupSuffix)
			markerPath := filepath.Join(r.basePath, name)
			basePath := filepath.Join(r.basePath, base)
			if err := os.Remove(markerPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("rotator: recover marker %s: %w", name, err)
			}
			if err := os.Remove(basePath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("rotator: recover marker target %s: %w", base, err)
			}
			r.logger.Info("recovered %s from no_backup marker", base)
			r.metrics.RecordRecovery(context.Background(), false)
			r.appendJournal(journal.Event{Type: journal.EventRewriteAbortRecovered, Name: base, Detail: "marker"})
			fromMarker++
		}
	}

	r.ops.FinishRecovery(start, fromBackup, fromMarker)
	return nil
}

// managedFile pairs a filename with its decoded time range.
type managedFile struct {
	name  string
	start int64
	end   int64
}

// listManaged returns every directory entry the codec accepts, in
// unspecified order.
func (r *FileRotator) listManaged() ([]managedFile, error) {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return nil, fmt.Errorf("rotator: read base path: %w", err)
	}

	var files []managedFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		start, end, ok := r.codec.Parse(entry.Name())
		if !ok {
			continue
		}
		files = append(files, managedFile{name: entry.Name(), start: start, end: end})
	}
	return files, nil
}

// DeleteAll removes every file this rotator manages.
func (r *FileRotator) DeleteAll() error {
	files, err := r.listManaged()
	if err != nil {
		return err
	}

	for _, f := range files {
		path := filepath.Join(r.basePath, f.name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("deleteAll: failed to remove %s: %v", f.name, err)
			continue
		}
		r.ops.TrackOperation(opmetrics.OpDelete)
		r.metrics.RecordDeletion(context.Background(), f.name)
	}
	return nil
}

// pickActive implements the active-file selection policy for
// RewriteActive: among active files with start < nowMillis, the one with
// the smallest start; if none exists, a name is synthesized (the file need
// not yet exist on disk).
func (r *FileRotator) pickActive(nowMillis int64) (string, error) {
	files, err := r.listManaged()
	if err != nil {
		return "", err
	}

	best := managedFile{start: Infinity}
	found := false
	for _, f := range files {
		if !IsActive(f.end) {
			continue
		}
		if f.start >= nowMillis {
			continue
		}
		if !found || f.start < best.start {
			best = f
			found = true
		}
	}

	if found {
		return best.name, nil
	}

	return r.codec.Build(nowMillis, Infinity), nil
}

// RewriteActive rewrites the current active file (synthesizing its name if
// none exists yet) using rewriter.
func (r *FileRotator) RewriteActive(rewriter Rewriter, nowMillis int64) error {
	name, err := r.pickActive(nowMillis)
	if err != nil {
		return err
	}
	return r.rewriteSingle(rewriter, name)
}

// RewriteAll rewrites every codec-accepted file using rewriter. Reset
// delimits the boundary between files; rewriter implementations must be
// commutative since visitation order is unspecified.
func (r *FileRotator) RewriteAll(rewriter Rewriter) error {
	files, err := r.listManaged()
	if err != nil {
		return err
	}

	for _, f := range files {
		if err := r.rewriteSingle(rewriter, f.name); err != nil {
			return err
		}
	}
	return nil
}

// ReadMatching streams every codec-accepted file whose [start, end] range
// intersects [fromMillis, toMillis] (closed intervals) to reader, in
// unspecified order.
func (r *FileRotator) ReadMatching(reader Reader, fromMillis, toMillis int64) error {
	files, err := r.listManaged()
	if err != nil {
		return err
	}

	for _, f := range files {
		if !(f.start <= toMillis && fromMillis <= f.end) {
			continue
		}

		path := filepath.Join(r.basePath, f.name)
		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("rotator: open %s: %w", f.name, err)
		}

		readErr := reader.Read(bufio.NewReader(file))
		closeErr := file.Close()
		if readErr != nil {
			return fmt.Errorf("rotator: read %s: %w", f.name, readErr)
		}
		if closeErr != nil {
			return fmt.Errorf("rotator: close %s: %w", f.name, closeErr)
		}

		if info, err := os.Stat(path); err == nil {
			r.ops.TrackBytes(false, uint64(info.Size()))
		}
	}
	return nil
}

// RotationPlan describes the action MaybeRotate would take for one managed
// file, without applying it. See cmd/netstatsctl for a dry-run consumer.
type RotationPlan struct {
	Name   string
	Action string // "none", "rotate", "delete"
}

// Plan reports, for every managed file, what MaybeRotate would do at
// nowMillis without mutating the directory.
func (r *FileRotator) Plan(nowMillis int64) ([]RotationPlan, error) {
	files, err := r.listManaged()
	if err != nil {
		return nil, err
	}

	plans := make([]RotationPlan, 0, len(files))
	for _, f := range files {
		action := "none"
		switch {
		case IsActive(f.end) && f.start <= nowMillis-r.rotateAgeMillis:
			action = "rotate"
		case !IsActive(f.end) && f.end <= nowMillis-r.deleteAgeMillis:
			action = "delete"
		}
		plans = append(plans, RotationPlan{Name: f.name, Action: action})
	}

	sort.Slice(plans, func(i, j int) bool { return plans[i].Name < plans[j].Name })
	return plans, nil
}

// MaybeRotate seals active files old enough to rotate and deletes sealed
// files old enough to expire.
func (r *FileRotator) MaybeRotate(nowMillis int64) error {
	files, err := r.listManaged()
	if err != nil {
		return err
	}

	for _, f := range files {
		switch {
		case IsActive(f.end) && f.start <= nowMillis-r.rotateAgeMillis:
			oldPath := filepath.Join(r.basePath, f.name)
			newName := r.codec.Build(f.start, nowMillis)
			newPath := filepath.Join(r.basePath, newName)
			if err := os.Rename(oldPath, newPath); err != nil {
				r.logger.Warn("maybeRotate: failed to seal %s: %v", f.name, err)
				continue
			}
			r.ops.TrackOperation(opmetrics.OpRotate)
			r.metrics.RecordRotation(context.Background(), newName)
			r.appendJournal(journal.Event{Type: journal.EventRotate, Name: newName, Detail: f.name})

		case !IsActive(f.end) && f.end <= nowMillis-r.deleteAgeMillis:
			path := filepath.Join(r.basePath, f.name)
			if err := os.Remove(path); err != nil {
				r.logger.Warn("maybeRotate: failed to delete %s: %v", f.name, err)
				continue
			}
			r.ops.TrackOperation(opmetrics.OpDelete)
			r.metrics.RecordDeletion(context.Background(), f.name)
			r.appendJournal(journal.Event{Type: journal.EventDelete, Name: f.name})
		}
	}
	return nil
}

// rewriteSingle runs the atomic read-modify-write protocol on one managed
// filename (spec.md §4.2 "Atomic rewrite protocol").
func (r *FileRotator) rewriteSingle(rewriter Rewriter, name string) (err error) {
	started := time.Now()
	wrote := false
	var bytesWritten int64

	defer func() {
		r.metrics.RecordRewrite(context.Background(), time.Since(started), wrote, bytesWritten)
		r.ops.TrackOperation(opmetrics.OpRewrite)
		if wrote {
			r.appendJournal(journal.Event{Type: journal.EventRewriteCommit, Name: name, Detail: fmt.Sprintf("bytes=%d", bytesWritten)})
		}
	}()

	r.appendJournal(journal.Event{Type: journal.EventRewriteBegin, Name: name})
	rewriter.Reset()

	path := filepath.Join(r.basePath, name)
	_, statErr := os.Stat(path)
	exists := statErr == nil
	if statErr != nil && !os.IsNotExist(statErr) {
		return fmt.Errorf("rotator: stat %s: %w", name, statErr)
	}

	if exists {
		if err := r.readExisting(rewriter, path, name); err != nil {
			return err
		}

		if !rewriter.ShouldWrite() {
			return nil
		}

		bytesWritten, err = r.rewriteWithBackup(rewriter, path, name)
		wrote = err == nil
		return err
	}

	bytesWritten, err = r.createWithMarker(rewriter, path, name)
	wrote = err == nil
	return err
}

func (r *FileRotator) readExisting(rewriter Rewriter, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("rotator: open %s for read: %w", name, err)
	}
	defer file.Close()

	if err := rewriter.Read(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("rotator: read %s: %w", name, err)
	}
	return nil
}

// rewriteWithBackup implements the "present" branch of the atomic rewrite
// protocol: rename the old content aside, write fresh content, and either
// drop the backup (success) or restore it (failure).
func (r *FileRotator) rewriteWithBackup(rewriter Rewriter, path, name string) (int64, error) {
	backupPath := path + backupSuffix
	if err := os.Rename(path, backupPath); err != nil {
		return 0, fmt.Errorf("rotator: rename %s to backup: %w", name, err)
	}

	n, writeErr := writeAndSync(path, rewriter)
	if writeErr != nil {
		os.Remove(path)
		if renameErr := os.Rename(backupPath, path); renameErr != nil {
			return 0, fmt.Errorf("rotator: restore backup for %s after write failure (%v): %w", name, writeErr, renameErr)
		}
		return 0, fmt.Errorf("rotator: write %s: %w", name, writeErr)
	}

	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		return n, fmt.Errorf("rotator: remove backup for %s: %w", name, err)
	}
	return n, nil
}

// createWithMarker implements the "absent" branch: a zero-byte marker
// records that there was nothing here before the write started.
func (r *FileRotator) createWithMarker(rewriter Rewriter, path, name string) (int64, error) {
	markerPath := path + noBackupSuffix
	if err := os.WriteFile(markerPath, nil, 0644); err != nil {
		return 0, fmt.Errorf("rotator: create marker for %s: %w", name, err)
	}

	n, writeErr := writeAndSync(path, rewriter)
	if writeErr != nil {
		os.Remove(path)
		os.Remove(markerPath)
		return 0, fmt.Errorf("rotator: write %s: %w", name, writeErr)
	}

	if err := os.Remove(markerPath); err != nil && !os.IsNotExist(err) {
		return n, fmt.Errorf("rotator: remove marker for %s: %w", name, err)
	}
	return n, nil
}

// writeAndSync opens path for writing, lets rewriter.Write fill it through
// a buffered writer, then flushes user-space buffers before fsyncing the
// descriptor — flush first, fsync second (spec.md §9).
func writeAndSync(path string, rewriter Rewriter) (int64, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("open for write: %w", err)
	}

	cw := &countingWriter{w: file}
	buf := bufio.NewWriter(cw)

	writeErr := rewriter.Write(buf)
	if writeErr == nil {
		writeErr = buf.Flush()
	}
	if writeErr == nil {
		writeErr = file.Sync()
	}

	if closeErr := file.Close(); writeErr == nil {
		writeErr = closeErr
	}

	return cw.n, writeErr
}

type countingWriter struct {
	w *os.File
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
