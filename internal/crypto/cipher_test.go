package crypto

import (
	"strings"
	"testing"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestSecret_RoundTrip(t *testing.T) {
	c := testCipher(t)

	for _, plaintext := range []string{
		"sensitive data",
		"",
		"a",
		"exactly sixteen!",
		strings.Repeat("x", 10*1024),
		"unicode: héllo wörld 金匮",
	} {
		enc, err := c.EncryptSecret(plaintext)
		if err != nil {
			t.Fatalf("EncryptSecret(%q): %v", plaintext, err)
		}
		if !strings.Contains(enc, ":") {
			t.Fatalf("encrypted value %q missing separator", enc)
		}

		got, err := c.DecryptSecret(enc)
		if err != nil {
			t.Fatalf("DecryptSecret: %v", err)
		}
		if got != plaintext {
			t.Fatalf("round trip: got %q, want %q", got, plaintext)
		}
	}
}

func TestSecret_FreshIVPerCall(t *testing.T) {
	c := testCipher(t)

	a, err := c.EncryptSecret("same plaintext")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.EncryptSecret("same plaintext")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("two encryptions of the same plaintext produced identical output")
	}
}

func TestSecret_WrongKey(t *testing.T) {
	c := testCipher(t)
	other := testCipher(t)

	enc, err := c.EncryptSecret("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.DecryptSecret(enc); err == nil {
		t.Fatal("expected error decrypting with wrong key")
	}
}

func TestSecret_InvalidFormat(t *testing.T) {
	c := testCipher(t)

	for _, bad := range []string{"", "nocolon", "a:b:c", "::", "deadbeef"} {
		_, err := c.DecryptSecret(bad)
		if err == nil {
			t.Fatalf("DecryptSecret(%q): expected error", bad)
		}
	}
}

func TestNewCipher_PassphraseDeterministic(t *testing.T) {
	a, err := NewCipher("correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewCipher("correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}

	enc, err := a.EncryptSecret("value")
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.DecryptSecret(enc)
	if err != nil {
		t.Fatalf("DecryptSecret with independently derived key: %v", err)
	}
	if got != "value" {
		t.Fatalf("got %q, want %q", got, "value")
	}
}

func TestNewCipher_EmptyKey(t *testing.T) {
	if _, err := NewCipher(""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		value   string
		visible int
		want    string
	}{
		{"", 4, ""},
		{"abc", 4, "***"},
		{"12345678", 4, "********"},
		{"123456789", 4, "1234****6789"},
		{"sk_live_abcdef123456", 4, "sk_l************3456"},
		{"shortie", 2, "sh****ie"},
	}

	for _, tt := range tests {
		got := MaskSecret(tt.value, tt.visible)
		if got != tt.want {
			t.Errorf("MaskSecret(%q, %d) = %q, want %q", tt.value, tt.visible, got, tt.want)
		}
	}
}

func TestMaskSecret_LengthPreserved(t *testing.T) {
	v := "a-rather-long-secret-value"
	got := MaskSecret(v, 4)
	if len(got) != len(v) {
		t.Fatalf("masked length %d, want %d", len(got), len(v))
	}
	if !strings.HasPrefix(got, v[:4]) || !strings.HasSuffix(got, v[len(v)-4:]) {
		t.Fatalf("mask edges wrong: %q", got)
	}
}
