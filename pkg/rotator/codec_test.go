package rotator

import "testing"

func TestCodecBuildParseRoundTrip(t *testing.T) {
	codec := NewCodec("netstats.db")

	cases := []struct {
		name  string
		start int64
		end   int64
	}{
		{"active file", 1000, Infinity},
		{"sealed file", 1000, 2000},
		{"zero start", 0, 500},
		{"large timestamps", 1700000000000, 1700003600000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			name := codec.Build(tc.start, tc.end)

			start, end, ok := codec.Parse(name)
			if !ok {
				t.Fatalf("Parse(%q) failed to parse a name this codec built", name)
			}
			if start != tc.start || end != tc.end {
				t.Errorf("round trip mismatch: built (%d,%d), parsed (%d,%d)", tc.start, tc.end, start, end)
			}
		})
	}
}

func TestCodecParseRejectsForeignNames(t *testing.T) {
	codec := NewCodec("netstats.db")

	cases := []string{
		"",
		"netstats.db",
		"other.db.1000-2000",
		"netstats.db.abc-2000",
		"netstats.db.1000-abc",
		"netstats.db-1000.2000",
		"netstats.db.1000",
	}

	for _, name := range cases {
		if _, _, ok := codec.Parse(name); ok {
			t.Errorf("Parse(%q) unexpectedly succeeded", name)
		}
	}
}

func TestCodecActiveFileHasEmptyEndSuffix(t *testing.T) {
	codec := NewCodec("netstats.db")

	name := codec.Build(1000, Infinity)
	if name != "netstats.db.1000-" {
		t.Errorf("expected active filename to end with a bare dash, got %q", name)
	}
	if !IsActive(Infinity) {
		t.Error("IsActive(Infinity) should be true")
	}
	if IsActive(2000) {
		t.Error("IsActive(2000) should be false")
	}
}

func TestCodecDifferentPrefixesDoNotCollide(t *testing.T) {
	a := NewCodec("xt_qtaguid")
	b := NewCodec("xt_qtaguid_uid")

	name := a.Build(1000, 2000)
	if _, _, ok := b.Parse(name); ok {
		t.Errorf("%q built by prefix %q should not parse under prefix %q", name, a.Prefix, b.Prefix)
	}
}
