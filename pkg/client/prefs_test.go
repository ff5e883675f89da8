package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")

	p, err := OpenPrefs(path)
	require.NoError(t, err)

	assert.Equal(t, "", p.LastNickname())
	require.NoError(t, p.SetLastNickname("alice"))
	require.NoError(t, p.RememberServer("192.168.1.10:19000", "Office Server"))
	require.NoError(t, p.Close())

	// Values survive reopening
	p, err = OpenPrefs(path)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "alice", p.LastNickname())
	servers, err := p.KnownServers()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "Office Server", servers[0].Name)
}

func TestPrefsOverwrite(t *testing.T) {
	p, err := OpenPrefs(filepath.Join(t.TempDir(), "prefs.db"))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Set("theme", "dark"))
	require.NoError(t, p.Set("theme", "light"))
	value, err := p.Get("theme")
	require.NoError(t, err)
	assert.Equal(t, "light", value)
}
