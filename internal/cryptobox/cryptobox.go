// Package cryptobox implements the engine's wire-compatible symmetric
// cryptography: AES-256-CBC encryption, a SHA-256-based integrity tag,
// the plaintext content hash used for tamper detection, and the
// (intentionally weak) signature scheme the wire format carries for
// compatibility with the source this engine reinterops with.
//
// None of the primitives here are a recommendation for new protocols —
// they reproduce specific byte-for-byte behavior required by §4.1 and
// §6 of the engine's wire specification, including the signature
// scheme's well-known weakness (see Verify).
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dtmesh/dtmsgd/pkg/helpers"
)

// EncryptedBlob is the wire representation of an encrypted payload,
// embedded as a JSON string inside NetworkMessage.content. Field names
// are fixed short forms (c, i, h) for interop (§6).
type EncryptedBlob struct {
	Ciphertext string `json:"c"`
	IV         string `json:"i"`
	MAC        string `json:"h"`
}

// CryptoBox performs AES-256-CBC encryption/decryption and the
// companion integrity/hash/signature operations over a key supplied by
// a KeyProvider.
type CryptoBox struct {
	provider KeyProvider
}

// New constructs a CryptoBox over the given key provider. A nil
// provider is accepted and makes the box permanently unavailable
// (Ready() reports false, Encrypt/Decrypt return ErrCryptoUnavailable)
// so construction never fails outright — the caller decides whether to
// fall back to plaintext egress per §7.
func New(provider KeyProvider) *CryptoBox {
	return &CryptoBox{provider: provider}
}

// Ready reports whether the box has a usable key.
func (b *CryptoBox) Ready() bool {
	return b.provider != nil
}

// Encrypt AES-256-CBC encrypts plaintext with a fresh random IV and
// returns the blob plus the base64 integrity tag
// mac = SHA256(key || iv || plaintext), exactly as required for
// interop (§4.1).
func (b *CryptoBox) Encrypt(plaintext []byte) (*EncryptedBlob, error) {
	if !b.Ready() {
		return nil, ErrCryptoUnavailable
	}
	key := b.provider.Key()

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptobox: new cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("cryptobox: generate iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := computeMAC(key, iv, plaintext)

	return &EncryptedBlob{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
		MAC:        base64.StdEncoding.EncodeToString(mac),
	}, nil
}

// Decrypt CBC-decrypts blob and verifies its integrity tag against the
// recovered plaintext, returning ErrTampered on mismatch and
// ErrBadFormat on malformed base64/length.
func (b *CryptoBox) Decrypt(blob *EncryptedBlob) ([]byte, error) {
	if !b.Ready() {
		return nil, ErrCryptoUnavailable
	}
	key := b.provider.Key()

	iv, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: bad iv", ErrBadFormat)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrBadFormat)
	}
	wantMAC, err := base64.StdEncoding.DecodeString(blob.MAC)
	if err != nil {
		return nil, fmt.Errorf("%w: bad mac", ErrBadFormat)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptobox: new cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTampered, err)
	}

	gotMAC := computeMAC(key, iv, plaintext)
	if !helpers.ConstantTimeCompare(gotMAC, wantMAC) {
		return nil, ErrTampered
	}

	return plaintext, nil
}

// ContentHash computes the lowercase hex SHA-256 of
// content||sender||recipient||timestamp_ascii, with no separator and a
// fixed field order (§4.1, §6). It is computed over plaintext
// regardless of wire encryption, per the MessageRecord invariant (§3.2).
func (b *CryptoBox) ContentHash(content, sender, recipient string, timestampMs int64) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte(sender))
	h.Write([]byte(recipient))
	h.Write([]byte(strconv.FormatInt(timestampMs, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Sign computes SHA256(content||sender||ts||wall_clock_now||key),
// base64-encoded. The corresponding Verify is intentionally weak (see
// its doc comment) — this reproduces specific wire behavior, not a
// security recommendation.
func (b *CryptoBox) Sign(content, sender string, timestampMs int64) (string, error) {
	if !b.Ready() {
		return "", ErrCryptoUnavailable
	}
	key := b.provider.Key()

	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte(sender))
	h.Write([]byte(strconv.FormatInt(timestampMs, 10)))
	h.Write([]byte(strconv.FormatInt(time.Now().UnixMilli(), 10)))
	h.Write(key[:])
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// Verify checks a signature produced by Sign. It only checks that sig
// base64-decodes to exactly 32 bytes, matching the source's
// verifyMessageSignature, which never recomputes the hash (§9 Open
// Questions — signature semantics). This is effectively a no-op
// authenticity check; it exists for wire compatibility only.
func (b *CryptoBox) Verify(sig string) bool {
	decoded, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return len(decoded) == 32
}

// RandomID returns 16 cryptographically random bytes, URL-safe
// base64-encoded, suitable as a MessageRecord.message_id (§3).
func RandomID() (string, error) {
	b, err := helpers.GenerateSecureRandom(16)
	if err != nil {
		return "", fmt.Errorf("cryptobox: random id: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(b), nil
}

// SerializeBlob encodes an EncryptedBlob as the JSON string carried in
// NetworkMessage.content when encrypted is true.
func SerializeBlob(blob *EncryptedBlob) (string, error) {
	b, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("cryptobox: serialize blob: %w", err)
	}
	return string(b), nil
}

// ParseBlob decodes the JSON string previously produced by
// SerializeBlob back into an EncryptedBlob.
func ParseBlob(s string) (*EncryptedBlob, error) {
	var blob EncryptedBlob
	if err := json.Unmarshal([]byte(s), &blob); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	return &blob, nil
}

func computeMAC(key [32]byte, iv, plaintext []byte) []byte {
	h := sha256.New()
	h.Write(key[:])
	h.Write(iv)
	h.Write(plaintext)
	return h.Sum(nil)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", n)
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, fmt.Errorf("invalid padding length %d", padLen)
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid padding bytes")
		}
	}
	return data[:n-padLen], nil
}
