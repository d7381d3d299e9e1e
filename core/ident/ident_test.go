package ident

import (
	"strings"
	"testing"
)

func TestNewCarriesPrefix(t *testing.T) {
	id := New(PrefixAccount)
	if !strings.HasPrefix(id, "acc_") {
		t.Fatalf("unexpected id %q", id)
	}
	if got := Prefix(id); got != PrefixAccount {
		t.Fatalf("prefix = %q, want %q", got, PrefixAccount)
	}
	if !Valid(id, PrefixAccount) {
		t.Fatalf("id %q should validate", id)
	}
	if Valid(id, PrefixWallet) {
		t.Fatalf("id %q should not validate as wallet", id)
	}
}

func TestPrefixRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "acc", "_01H", "acc_notaulid", "acc_"} {
		if got := Prefix(id); got != "" {
			t.Fatalf("Prefix(%q) = %q, want empty", id, got)
		}
	}
}

func TestNewAPIKeyShape(t *testing.T) {
	key, err := NewAPIKey()
	if err != nil {
		t.Fatalf("new api key: %v", err)
	}
	if !strings.HasPrefix(key, "sk_agt_") {
		t.Fatalf("unexpected key prefix: %q", key)
	}
	if len(key) != len("sk_agt_")+64 {
		t.Fatalf("unexpected key length %d", len(key))
	}
	other, err := NewAPIKey()
	if err != nil {
		t.Fatalf("new api key: %v", err)
	}
	if key == other {
		t.Fatal("keys must be unique")
	}
}

func TestKeyPrefixDeterministic(t *testing.T) {
	a := KeyPrefix("sk_agt_deadbeef")
	b := KeyPrefix("sk_agt_deadbeef")
	if a != b {
		t.Fatalf("prefix not deterministic: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("prefix length = %d, want 16", len(a))
	}
	if a == KeyPrefix("sk_agt_deadbeee") {
		t.Fatal("distinct keys should not share a prefix")
	}
}
