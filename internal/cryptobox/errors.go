package cryptobox

import "errors"

// Sentinel errors surfaced by CryptoBox operations. Callers match with
// errors.Is; the engine never treats these as fatal, only as reasons to
// fall back to plaintext on egress or to drop on ingest (§7).
var (
	// ErrCryptoUnavailable means the box was never successfully initialized.
	ErrCryptoUnavailable = errors.New("cryptobox: unavailable")

	// ErrBadFormat means a blob could not be parsed into an EncryptedBlob.
	ErrBadFormat = errors.New("cryptobox: bad format")

	// ErrTampered means a blob parsed fine but its integrity tag did not
	// match the recovered plaintext.
	ErrTampered = errors.New("cryptobox: tampered")
)
