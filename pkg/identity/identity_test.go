package identity

import "testing"

func TestStaticResolverResolve(t *testing.T) {
	r := NewStaticResolver(map[string]Set{
		"rmnet0": "mobile",
		"wlan0":  "wifi",
	})

	if set, ok := r.Resolve("rmnet0"); !ok || set != "mobile" {
		t.Errorf("expected rmnet0 -> mobile, got (%q, %v)", set, ok)
	}
	if _, ok := r.Resolve("eth0"); ok {
		t.Error("expected eth0 to be unresolved")
	}
}

func TestStaticResolverAddRemove(t *testing.T) {
	r := NewStaticResolver(nil)

	if _, ok := r.Resolve("wlan1"); ok {
		t.Fatal("expected empty resolver to miss")
	}

	r.Add("wlan1", "wifi")
	if set, ok := r.Resolve("wlan1"); !ok || set != "wifi" {
		t.Errorf("expected wlan1 -> wifi after Add, got (%q, %v)", set, ok)
	}

	r.Remove("wlan1")
	if _, ok := r.Resolve("wlan1"); ok {
		t.Error("expected wlan1 to miss after Remove")
	}
}

func TestUnknownInterfacesTracksAndClears(t *testing.T) {
	u := NewUnknownInterfaces()

	u.Record("rmnet5")
	u.Record("rmnet5")
	u.Record("usb0")

	names := u.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 distinct unknown interfaces, got %v", names)
	}

	u.Clear()
	if names := u.Names(); len(names) != 0 {
		t.Errorf("expected empty set after Clear, got %v", names)
	}
}

func TestSetKindString(t *testing.T) {
	cases := map[SetKind]string{
		SetDefault:    "default",
		SetForeground: "foreground",
		SetAll:        "all",
		SetKind(99):   "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("SetKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
