package cryptobox

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testBox() *CryptoBox {
	return New(NewSeedKeyProvider(DefaultSeed))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
	}{
		{"short", "hi"},
		{"empty", ""},
		{"exact block", strings.Repeat("x", 16)},
		{"multi block", strings.Repeat("hello world ", 20)},
		{"unicode", "héllo wörld 你好"},
	}

	box := testBox()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := box.Encrypt([]byte(tt.plaintext))
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			got, err := box.Decrypt(blob)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if string(got) != tt.plaintext {
				t.Errorf("round trip = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	box := testBox()
	blob, err := box.Encrypt([]byte("the quick brown fox"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Flip one bit of the decoded ciphertext and re-encode.
	raw := mustB64Decode(t, blob.Ciphertext)
	raw[0] ^= 0x01
	blob.Ciphertext = mustB64Encode(raw)

	if _, err := box.Decrypt(blob); err == nil {
		t.Fatal("expected Decrypt to fail on tampered ciphertext")
	}
}

func TestDecryptTamperedIV(t *testing.T) {
	box := testBox()
	blob, err := box.Encrypt([]byte("the quick brown fox"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	raw := mustB64Decode(t, blob.IV)
	raw[0] ^= 0x01
	blob.IV = mustB64Encode(raw)

	if _, err := box.Decrypt(blob); err == nil {
		t.Fatal("expected Decrypt to fail on tampered IV")
	}
}

func TestDecryptUnavailableBox(t *testing.T) {
	box := New(nil)
	if box.Ready() {
		t.Fatal("box with nil provider should not be ready")
	}
	if _, err := box.Encrypt([]byte("x")); err != ErrCryptoUnavailable {
		t.Errorf("Encrypt error = %v, want ErrCryptoUnavailable", err)
	}
	if _, err := box.Decrypt(&EncryptedBlob{}); err != ErrCryptoUnavailable {
		t.Errorf("Decrypt error = %v, want ErrCryptoUnavailable", err)
	}
}

func TestContentHashDeterministicAndOrderSensitive(t *testing.T) {
	box := testBox()
	h1 := box.ContentHash("hello", "alice", "bob", 1000)
	h2 := box.ContentHash("hello", "alice", "bob", 1000)
	if h1 != h2 {
		t.Error("ContentHash is not deterministic")
	}

	tests := []struct {
		name                                   string
		content, sender, recipient             string
		ts                                      int64
	}{
		{"different content", "goodbye", "alice", "bob", 1000},
		{"different sender", "hello", "carol", "bob", 1000},
		{"different recipient", "hello", "alice", "dave", 1000},
		{"different timestamp", "hello", "alice", "bob", 1001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := box.ContentHash(tt.content, tt.sender, tt.recipient, tt.ts)
			if got == h1 {
				t.Error("expected a different hash, got a collision")
			}
		})
	}
}

func TestSignAndVerify(t *testing.T) {
	box := testBox()
	sig, err := box.Sign("hello", "alice", 1000)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !box.Verify(sig) {
		t.Error("Verify rejected a freshly produced signature")
	}
}

func TestVerifyOnlyChecksLength(t *testing.T) {
	// Per §9 Open Questions, Verify is a wire-compatible no-op: any
	// base64 string that decodes to exactly 32 bytes passes, even if
	// it was never produced by Sign.
	box := testBox()
	fabricated := mustB64Encode(make([]byte, 32))
	if !box.Verify(fabricated) {
		t.Error("expected a 32-byte fabricated signature to verify")
	}
	tooShort := mustB64Encode(make([]byte, 16))
	if box.Verify(tooShort) {
		t.Error("expected a 16-byte signature to fail verification")
	}
	if box.Verify("not valid base64!!") {
		t.Error("expected invalid base64 to fail verification")
	}
}

func TestRandomIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := RandomID()
		if err != nil {
			t.Fatalf("RandomID: %v", err)
		}
		if seen[id] {
			t.Fatalf("RandomID produced a collision: %s", id)
		}
		seen[id] = true
		if strings.ContainsAny(id, "+/=") {
			t.Errorf("RandomID %q is not URL-safe", id)
		}
	}
}

func TestSeedKeyProviderIsDeterministic(t *testing.T) {
	a := NewSeedKeyProvider("shared-seed")
	b := NewSeedKeyProvider("shared-seed")
	if a.Key() != b.Key() {
		t.Error("same seed should derive the same key")
	}
	c := NewSeedKeyProvider("different-seed")
	if a.Key() == c.Key() {
		t.Error("different seeds should derive different keys")
	}
}

func TestHKDFKeyProviderDeterministic(t *testing.T) {
	a, err := NewHKDFKeyProvider([]byte("master-secret"), []byte("dtmsgd"))
	if err != nil {
		t.Fatalf("NewHKDFKeyProvider: %v", err)
	}
	b, err := NewHKDFKeyProvider([]byte("master-secret"), []byte("dtmsgd"))
	if err != nil {
		t.Fatalf("NewHKDFKeyProvider: %v", err)
	}
	if a.Key() != b.Key() {
		t.Error("same secret+info should derive the same key")
	}
}

func TestSerializeParseBlobRoundTrip(t *testing.T) {
	box := testBox()
	blob, err := box.Encrypt([]byte("serialize me"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	s, err := SerializeBlob(blob)
	if err != nil {
		t.Fatalf("SerializeBlob: %v", err)
	}
	parsed, err := ParseBlob(s)
	if err != nil {
		t.Fatalf("ParseBlob: %v", err)
	}
	if *parsed != *blob {
		t.Errorf("ParseBlob(SerializeBlob(blob)) = %+v, want %+v", parsed, blob)
	}

	got, err := box.Decrypt(parsed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != "serialize me" {
		t.Errorf("decrypted = %q, want %q", got, "serialize me")
	}
}

func TestParseBlobRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseBlob("not json"); err == nil {
		t.Error("expected ParseBlob to reject malformed JSON")
	}
}

func mustB64Decode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("b64 decode: %v", err)
	}
	return b
}

func mustB64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
