package cryptobox

import (
	"crypto/sha256"

	"golang.org/x/crypto/hkdf"
)

// KeyProvider yields the 32-byte AES-256 key a CryptoBox encrypts and
// decrypts with. Swapping the provider must never require touching a
// caller of CryptoBox — the interface exists purely so the demo
// build-time-seed key can be replaced without changing call sites.
type KeyProvider interface {
	Key() [32]byte
}

// SeedKeyProvider derives the key deterministically from a build-time
// seed via SHA-256. This is the wire-compatible demo scheme: any two
// binaries built with the same seed interoperate, and none other does
// (§4.1, §9 Open Questions — key provenance).
type SeedKeyProvider struct {
	key [32]byte
}

// DefaultSeed is the demo seed baked into this binary.
const DefaultSeed = "dt-messaging-engine-demo-seed-v1"

// NewSeedKeyProvider derives a key from an arbitrary seed string via
// SHA-256. Passing DefaultSeed reproduces the engine's out-of-the-box key.
func NewSeedKeyProvider(seed string) *SeedKeyProvider {
	return &SeedKeyProvider{key: sha256.Sum256([]byte(seed))}
}

// Key returns the derived 32-byte key.
func (p *SeedKeyProvider) Key() [32]byte { return p.key }

// HKDFKeyProvider derives the key from a master secret and a context
// label via HKDF-SHA256. It implements the same KeyProvider interface
// as SeedKeyProvider and is offered as a stronger alternative for
// deployments that can distribute a master secret out of band; it is
// not wired in by default because the demo build has no such secret to
// draw from.
type HKDFKeyProvider struct {
	key [32]byte
}

// NewHKDFKeyProvider derives a 32-byte key from secret and info using
// HKDF-SHA256 with no salt.
func NewHKDFKeyProvider(secret, info []byte) (*HKDFKeyProvider, error) {
	r := hkdf.New(sha256.New, secret, nil, info)
	var key [32]byte
	if _, err := r.Read(key[:]); err != nil {
		return nil, err
	}
	return &HKDFKeyProvider{key: key}, nil
}

// Key returns the derived 32-byte key.
func (p *HKDFKeyProvider) Key() [32]byte { return p.key }
