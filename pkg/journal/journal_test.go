package journal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.log")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	events := []Event{
		{Type: EventRewriteBegin, Name: "netstats.db.1000-"},
		{Type: EventRewriteCommit, Name: "netstats.db.1000-", Detail: "bytes=128"},
		{Type: EventRotate, Name: "netstats.db.1000-2000"},
		{Type: EventNonMonotonic, Name: "uid=10", Detail: "rx_bytes"},
	}

	for _, e := range events {
		if err := j.Append(e); err != nil {
			t.Fatalf("Append(%v): %v", e.Type, err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	replayed, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(replayed) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(replayed))
	}
	for i, e := range events {
		if replayed[i].Type != e.Type || replayed[i].Name != e.Name || replayed[i].Detail != e.Detail {
			t.Errorf("event %d mismatch: got %+v, want %+v", i, replayed[i], e)
		}
	}
}

func TestReplayMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	events, err := Replay(filepath.Join(dir, "does-not-exist.log"))
	if err != nil {
		t.Fatalf("Replay on missing file: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestReplayStopsAtCorruptTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.log")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Append(Event{Type: EventDelete, Name: "netstats.db.0-100"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := f.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	events, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 valid event before the corrupt trailer, got %d", len(events))
	}
}

func TestEventTypeString(t *testing.T) {
	if EventRotate.String() != "rotate" {
		t.Errorf("expected \"rotate\", got %q", EventRotate.String())
	}
	if EventType(250).String() != "unknown" {
		t.Errorf("expected unknown type to stringify as \"unknown\"")
	}
}
