package trust

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePrompter scripts the trust decisions a user would make.
type fakePrompter struct {
	acceptNew     bool
	acceptChanged bool

	newAsks     int
	changedAsks int
}

func (p *fakePrompter) ConfirmNewCertificate(addr, fingerprint string) bool {
	p.newAsks++
	return p.acceptNew
}

func (p *fakePrompter) ConfirmChangedCertificate(addr, pinned, presented string) bool {
	p.changedAsks++
	return p.acceptChanged
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_peers")

	s, err := OpenStore(path)
	require.NoError(t, err)

	_, ok := s.Lookup("host:19000")
	assert.False(t, ok)

	require.NoError(t, s.Pin("host:19000", "aabbcc"))
	require.NoError(t, s.Pin("other:19000", "ddeeff"))

	// Reload from disk
	s2, err := OpenStore(path)
	require.NoError(t, err)

	fp, ok := s2.Lookup("host:19000")
	assert.True(t, ok)
	assert.Equal(t, "aabbcc", fp)

	fp, ok = s2.Lookup("other:19000")
	assert.True(t, ok)
	assert.Equal(t, "ddeeff", fp)
}

func TestStoreFileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_peers")
	require.NoError(t, os.WriteFile(path, []byte(
		"# comment line\n"+
			"host:19000 aabbcc\n"+
			"\n"+
			"malformed-line-without-space\n"+
			"other:19000 ddeeff\n"), 0600))

	s, err := OpenStore(path)
	require.NoError(t, err)

	fp, ok := s.Lookup("host:19000")
	assert.True(t, ok)
	assert.Equal(t, "aabbcc", fp)

	_, ok = s.Lookup("malformed-line-without-space")
	assert.False(t, ok)
}

func TestVerifyFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_peers")
	store, err := OpenStore(path)
	require.NoError(t, err)

	der := []byte("fake-der-certificate")

	t.Run("accepted and pinned", func(t *testing.T) {
		p := &fakePrompter{acceptNew: true}
		err := verifyPinned("host:19000", [][]byte{der}, store, p)
		require.NoError(t, err)
		assert.Equal(t, 1, p.newAsks)

		fp, ok := store.Lookup("host:19000")
		assert.True(t, ok)
		assert.Equal(t, Fingerprint(der), fp)

		// Second connection with the same certificate: silent accept
		err = verifyPinned("host:19000", [][]byte{der}, store, p)
		require.NoError(t, err)
		assert.Equal(t, 1, p.newAsks, "no second prompt for a matching pin")
	})

	t.Run("declined", func(t *testing.T) {
		p := &fakePrompter{acceptNew: false}
		err := verifyPinned("unseen:19000", [][]byte{der}, store, p)
		assert.ErrorIs(t, err, ErrTrustDeclined)

		_, ok := store.Lookup("unseen:19000")
		assert.False(t, ok, "declined certificate must not be pinned")
	})
}

func TestVerifyChangedCertificate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_peers")
	store, err := OpenStore(path)
	require.NoError(t, err)

	oldDER := []byte("old-certificate")
	newDER := []byte("new-certificate")
	require.NoError(t, store.Pin("host:19000", Fingerprint(oldDER)))

	t.Run("rejected", func(t *testing.T) {
		p := &fakePrompter{acceptChanged: false}
		err := verifyPinned("host:19000", [][]byte{newDER}, store, p)
		assert.ErrorIs(t, err, ErrCertificateRejected)
		assert.Equal(t, 1, p.changedAsks)

		fp, _ := store.Lookup("host:19000")
		assert.Equal(t, Fingerprint(oldDER), fp, "rejected change must keep the old pin")
	})

	t.Run("accepted replaces pin", func(t *testing.T) {
		p := &fakePrompter{acceptChanged: true}
		err := verifyPinned("host:19000", [][]byte{newDER}, store, p)
		require.NoError(t, err)

		fp, _ := store.Lookup("host:19000")
		assert.Equal(t, Fingerprint(newDER), fp)
	})
}

func TestVerifyNoCertificate(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "trusted_peers"))
	require.NoError(t, err)

	err = verifyPinned("host:19000", nil, store, &fakePrompter{acceptNew: true})
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestLoadOrCreateServerCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	cert, err := LoadOrCreateServerCertificate(certPath, keyPath)
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	// Second load must reuse the generated certificate, not mint a new one
	cert2, err := LoadOrCreateServerCertificate(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(cert.Certificate[0]), Fingerprint(cert2.Certificate[0]))
}
