package account

import (
	"strings"
	"testing"
)

func testCrypto(t *testing.T) *Crypto {
	t.Helper()
	return NewCrypto(strings.Repeat("k", 32))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := testCrypto(t)
	cases := []string{
		"",
		"short",
		`{"access_token":"sk-ant-oat01-xyz","refresh_token":"sk-ant-ort01-abc","expires_at_ms":1750000000000}`,
		strings.Repeat("long payload ", 500),
		"unicode: 你好 🙂",
	}
	for _, plain := range cases {
		enc, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plain[:min(len(plain), 20)], err)
		}
		dec, err := c.Decrypt(enc)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if dec != plain {
			t.Fatalf("round trip mismatch: got %q want %q", dec, plain)
		}
	}
}

func TestEncryptUsesRandomIV(t *testing.T) {
	c := testCrypto(t)
	a, _ := c.Encrypt("same input")
	b, _ := c.Encrypt("same input")
	if a == b {
		t.Fatal("two encryptions of the same plaintext should differ")
	}
}

func TestDecryptWithWrongKeyErrors(t *testing.T) {
	c1 := NewCrypto(strings.Repeat("a", 32))
	c2 := NewCrypto(strings.Repeat("b", 32))

	enc, err := c1.Encrypt("secret payload that is long enough to span blocks")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := c2.Decrypt(enc); err == nil {
		t.Fatal("decrypt with the wrong key should error, not return garbage")
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	c := testCrypto(t)
	for _, bad := range []string{"", "no-colon", "zz:zz", "abcd:1234"} {
		if _, err := c.Decrypt(bad); err == nil {
			t.Fatalf("malformed input %q should error", bad)
		}
	}
}

func TestHashAPIKeyIsStable(t *testing.T) {
	c := testCrypto(t)
	if c.HashAPIKey("cr_test") != c.HashAPIKey("cr_test") {
		t.Fatal("hash should be deterministic")
	}
	if c.HashAPIKey("cr_test") == c.HashAPIKey("cr_other") {
		t.Fatal("different keys should hash differently")
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
