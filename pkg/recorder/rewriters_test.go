package recorder

import (
	"bytes"
	"testing"
	"time"

	"github.com/netstatsd/netstatsd/pkg/collection"
	"github.com/netstatsd/netstatsd/pkg/identity"
)

func TestCombiningRewriterFoldsOnDiskContentIntoPending(t *testing.T) {
	onDisk := collection.New(time.Hour)
	onDisk.RecordData(collection.Key{IdentitySet: "mobile", UID: 10, SetKind: identity.SetDefault}, 0, 1000, collection.Entry{RxBytes: 100})
	var diskBuf bytes.Buffer
	if err := onDisk.Write(&diskBuf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	pending := collection.New(time.Hour)
	pending.RecordData(collection.Key{IdentitySet: "mobile", UID: 10, SetKind: identity.SetDefault}, 0, 1000, collection.Entry{RxBytes: 50})

	rewriter := NewCombiningRewriter(pending)
	rewriter.Reset()
	if err := rewriter.Read(bytes.NewReader(diskBuf.Bytes())); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !rewriter.ShouldWrite() {
		t.Fatalf("expected ShouldWrite to always be true")
	}

	var out bytes.Buffer
	if err := rewriter.Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}

	result := collection.New(time.Hour)
	if err := result.Read(bytes.NewReader(out.Bytes())); err != nil {
		t.Fatalf("Read result: %v", err)
	}
	summary := result.Summary(collection.Template{MatchAnyUID: true, MatchAnySet: true, MatchAnyTag: true}, 0, 1<<40)
	if summary.RxBytes != 150 {
		t.Errorf("expected combined RxBytes=150 (100 on-disk + 50 pending), got %d", summary.RxBytes)
	}
	if !pending.IsEmpty() {
		t.Errorf("expected pending consumed after Write")
	}
}

func TestRemoveUidRewriterSkipsWriteWhenUidAbsent(t *testing.T) {
	onDisk := collection.New(time.Hour)
	onDisk.RecordData(collection.Key{IdentitySet: "mobile", UID: 10, SetKind: identity.SetDefault}, 0, 1000, collection.Entry{RxBytes: 100})
	var diskBuf bytes.Buffer
	if err := onDisk.Write(&diskBuf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rewriter := NewRemoveUidRewriter(time.Hour, 99)
	rewriter.Reset()
	if err := rewriter.Read(bytes.NewReader(diskBuf.Bytes())); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rewriter.ShouldWrite() {
		t.Errorf("expected ShouldWrite=false when the uid being removed is absent from the file")
	}
}

func TestRemoveUidRewriterStripsMatchingUid(t *testing.T) {
	onDisk := collection.New(time.Hour)
	onDisk.RecordData(collection.Key{IdentitySet: "mobile", UID: 10, SetKind: identity.SetDefault}, 0, 1000, collection.Entry{RxBytes: 100})
	onDisk.RecordData(collection.Key{IdentitySet: "mobile", UID: 20, SetKind: identity.SetDefault}, 0, 1000, collection.Entry{RxBytes: 200})
	var diskBuf bytes.Buffer
	if err := onDisk.Write(&diskBuf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rewriter := NewRemoveUidRewriter(time.Hour, 10)
	rewriter.Reset()
	if err := rewriter.Read(bytes.NewReader(diskBuf.Bytes())); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !rewriter.ShouldWrite() {
		t.Fatalf("expected ShouldWrite=true when the uid being removed is present")
	}

	var out bytes.Buffer
	if err := rewriter.Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}

	result := collection.New(time.Hour)
	if err := result.Read(bytes.NewReader(out.Bytes())); err != nil {
		t.Fatalf("Read result: %v", err)
	}
	s10 := result.Summary(collection.Template{UID: 10, MatchAnySet: true, MatchAnyTag: true}, 0, 1<<40)
	s20 := result.Summary(collection.Template{UID: 20, MatchAnySet: true, MatchAnyTag: true}, 0, 1<<40)
	if s10.RxBytes != 0 {
		t.Errorf("expected uid 10 removed, got RxBytes=%d", s10.RxBytes)
	}
	if s20.RxBytes != 200 {
		t.Errorf("expected uid 20 untouched, got RxBytes=%d", s20.RxBytes)
	}
}

func TestRemoveUidsRewriterStripsMultipleUids(t *testing.T) {
	onDisk := collection.New(time.Hour)
	onDisk.RecordData(collection.Key{IdentitySet: "mobile", UID: 10, SetKind: identity.SetDefault}, 0, 1000, collection.Entry{RxBytes: 100})
	onDisk.RecordData(collection.Key{IdentitySet: "mobile", UID: 20, SetKind: identity.SetDefault}, 0, 1000, collection.Entry{RxBytes: 200})
	onDisk.RecordData(collection.Key{IdentitySet: "mobile", UID: 30, SetKind: identity.SetDefault}, 0, 1000, collection.Entry{RxBytes: 300})
	var diskBuf bytes.Buffer
	if err := onDisk.Write(&diskBuf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rewriter := NewRemoveUidsRewriter(time.Hour, []int32{10, 20})
	rewriter.Reset()
	if err := rewriter.Read(bytes.NewReader(diskBuf.Bytes())); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !rewriter.ShouldWrite() {
		t.Fatalf("expected ShouldWrite=true")
	}

	var out bytes.Buffer
	if err := rewriter.Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}

	result := collection.New(time.Hour)
	if err := result.Read(bytes.NewReader(out.Bytes())); err != nil {
		t.Fatalf("Read result: %v", err)
	}
	s30 := result.Summary(collection.Template{UID: 30, MatchAnySet: true, MatchAnyTag: true}, 0, 1<<40)
	if s30.RxBytes != 300 {
		t.Errorf("expected uid 30 untouched, got RxBytes=%d", s30.RxBytes)
	}
}
