package auth

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	t.Run("missing file is not an error", func(t *testing.T) {
		store := NewFileStore(filepath.Join(t.TempDir(), "session.json"))

		_, ok, err := store.Load()
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("save and load roundtrip", func(t *testing.T) {
		store := NewFileStore(filepath.Join(t.TempDir(), "nested", "session.json"))
		cred := Credential{AccessToken: "access-1", RefreshToken: "refresh-1"}

		require.NoError(t, store.Save(cred))

		got, ok, err := store.Load()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, cred, got)
	})

	t.Run("save replaces the pair wholesale", func(t *testing.T) {
		store := NewFileStore(filepath.Join(t.TempDir(), "session.json"))

		require.NoError(t, store.Save(Credential{AccessToken: "a1", RefreshToken: "r1"}))
		require.NoError(t, store.Save(Credential{AccessToken: "a2", RefreshToken: "r2"}))

		got, ok, err := store.Load()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, Credential{AccessToken: "a2", RefreshToken: "r2"}, got)
	})

	t.Run("clear removes the session", func(t *testing.T) {
		store := NewFileStore(filepath.Join(t.TempDir(), "session.json"))

		require.NoError(t, store.Save(Credential{AccessToken: "a", RefreshToken: "r"}))
		require.NoError(t, store.Clear())

		_, ok, err := store.Load()
		require.NoError(t, err)
		assert.False(t, ok)

		// clearing twice is fine
		require.NoError(t, store.Clear())
	})
}
