package trust

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrCertificateRejected is returned when the peer presented a
	// certificate that differs from the pinned one and the user declined
	// the change. The connection is never established.
	ErrCertificateRejected = errors.New("peer certificate changed and was rejected")

	// ErrTrustDeclined is returned when the user declined to trust a peer
	// seen for the first time.
	ErrTrustDeclined = errors.New("peer certificate was not trusted")

	// ErrNoCertificate is returned when the peer presented no certificate
	// at all.
	ErrNoCertificate = errors.New("peer presented no certificate")
)

// Prompter is the synchronous decision point the presentation layer supplies
// for certificate trust. Both calls block the connecting goroutine until the
// user answers.
type Prompter interface {
	// ConfirmNewCertificate is asked on first contact with a host. Returning
	// true pins the fingerprint.
	ConfirmNewCertificate(addr, fingerprint string) bool

	// ConfirmChangedCertificate is asked when a host presents a certificate
	// that does not match its pin (possible man-in-the-middle). Returning
	// true replaces the pin.
	ConfirmChangedCertificate(addr, pinned, presented string) bool
}

// Fingerprint returns the SHA-256 digest of the certificate's DER encoding in
// hex, the form stored in the trust store.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// ClientTLSConfig builds a TLS config that replaces chain validation with
// trust-on-first-use pinning against the store. Servers present self-signed
// certificates, so standard PKI verification is disabled and every connection
// is judged purely by its pinned fingerprint.
func ClientTLSConfig(addr string, store *Store, prompter Prompter) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, // verification happens in VerifyPeerCertificate
		MinVersion:         tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPinned(addr, rawCerts, store, prompter)
		},
	}
}

func verifyPinned(addr string, rawCerts [][]byte, store *Store, prompter Prompter) error {
	if len(rawCerts) == 0 {
		return ErrNoCertificate
	}

	presented := Fingerprint(rawCerts[0])

	pinned, known := store.Lookup(addr)
	if !known {
		if !prompter.ConfirmNewCertificate(addr, presented) {
			return ErrTrustDeclined
		}
		if err := store.Pin(addr, presented); err != nil {
			return fmt.Errorf("failed to pin certificate: %w", err)
		}
		return nil
	}

	if pinned == presented {
		return nil
	}

	if !prompter.ConfirmChangedCertificate(addr, pinned, presented) {
		return ErrCertificateRejected
	}
	if err := store.Pin(addr, presented); err != nil {
		return fmt.Errorf("failed to pin certificate: %w", err)
	}
	return nil
}
