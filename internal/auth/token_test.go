package auth

import "testing"

func TestNewTokenUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		token, err := NewToken()
		if err != nil {
			t.Fatalf("NewToken failed: %v", err)
		}
		if len(token) != 64 {
			t.Fatalf("expected 64 hex chars, got %d", len(token))
		}
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate token produced: %s", token)
		}
		seen[token] = struct{}{}
	}
}

func TestHashTokenDeterministic(t *testing.T) {
	a := HashToken("some-token")
	b := HashToken("some-token")
	if a != b {
		t.Errorf("hash not deterministic: %s vs %s", a, b)
	}
	if a == HashToken("other-token") {
		t.Error("different tokens hashed equal")
	}
	if len(a) != 64 {
		t.Errorf("expected sha256 hex length 64, got %d", len(a))
	}
}

func TestSecureEqual(t *testing.T) {
	if !SecureEqual("owner-code", "owner-code") {
		t.Error("equal secrets did not match")
	}
	if SecureEqual("owner-code", "OWNER-CODE") {
		t.Error("mismatched secrets matched")
	}
	if SecureEqual("", "") {
		t.Error("empty expected secret must never match")
	}
	if SecureEqual("", "anything") {
		t.Error("empty expected secret must never match")
	}
}
