package strtab

import "testing"

func TestInternRoundTrip(t *testing.T) {
	tab := New()
	cases := []string{"main", "java/lang/Object", "fact", ""}
	keys := make([]Key, len(cases))
	for i, s := range cases {
		k, err := tab.Intern([]byte(s))
		if err != nil {
			t.Fatalf("Intern(%q): %v", s, err)
		}
		keys[i] = k
	}
	for i, s := range cases {
		if got := tab.String(keys[i]); got != s {
			t.Errorf("String(Intern(%q)) = %q", s, got)
		}
	}
}

func TestInternDeduplicates(t *testing.T) {
	tab := New()
	k1, _ := tab.Intern([]byte("java/lang/String"))
	k2, _ := tab.Intern([]byte("java/lang/String"))
	if k1 != k2 {
		t.Fatalf("expected identical keys for equal strings, got %d and %d", k1, k2)
	}
	k3, _ := tab.Intern([]byte("java/lang/Object"))
	if k3 == k1 {
		t.Fatal("different strings must not share a key")
	}
}

func TestDecodeEmbeddedNUL(t *testing.T) {
	tab := New()
	// The overlong-NUL encoding (C0 80) must decode to a single NUL rune.
	k, err := tab.Intern([]byte{'a', 0xC0, 0x80, 'b'})
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	s := tab.String(k)
	if len(s) != 3 || s[0] != 'a' || s[1] != 0 || s[2] != 'b' {
		t.Fatalf("decoded %q (%v), want a\\x00b", s, []byte(s))
	}
}

func TestParseDescriptor(t *testing.T) {
	tab := New()
	sig, err := ParseDescriptor("(ILjava/lang/String;)J", tab)
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	if len(sig.Args) != 2 {
		t.Fatalf("got %d args, want 2", len(sig.Args))
	}
	if sig.Args[0].Kind != SlotInt {
		t.Errorf("arg0 kind = %c, want I", sig.Args[0].Kind)
	}
	if !sig.Args[1].IsReference() {
		t.Errorf("arg1 should be a reference slot")
	}
	if sig.Ret.Kind != SlotLong || sig.Ret.Width() != 2 {
		t.Errorf("ret = %+v, want long(width 2)", sig.Ret)
	}
}

func TestParseDescriptorArray(t *testing.T) {
	tab := New()
	sig, err := ParseDescriptor("([IB)V", tab)
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	if !sig.Args[0].IsReference() {
		t.Error("array argument must be a reference slot")
	}
	if sig.Args[1].Kind != SlotByte {
		t.Errorf("arg1 = %c, want B", sig.Args[1].Kind)
	}
	if sig.Ret.Kind != SlotVoid || sig.Ret.Width() != 0 {
		t.Errorf("ret = %+v, want void(width 0)", sig.Ret)
	}
}

func TestTypeKeyPacking(t *testing.T) {
	tk := MakeTypeKey(0x1234, 0x5678)
	if tk.Name() != 0x1234 || tk.Sig() != 0x5678 {
		t.Fatalf("TypeKey round trip failed: name=%x sig=%x", tk.Name(), tk.Sig())
	}
}
