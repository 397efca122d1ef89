package statestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteCreatesFileAndParentDir(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "state.yaml")

	require.NoError(t, AtomicWrite(target, []byte("hello"), 0o644))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestAtomicWriteOverwritesExistingFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "state.yaml")

	require.NoError(t, AtomicWrite(target, []byte("first"), 0o644))
	require.NoError(t, AtomicWrite(target, []byte("second"), 0o644))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestAtomicWriteLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "state.yaml")
	require.NoError(t, AtomicWrite(target, []byte("data"), 0o644))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.yaml", entries[0].Name())
}

func TestLegacySessionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	ptr := LegacySessionPointer{SessionID: "sess-1"}
	require.NoError(t, s.WriteLegacySession("worker", ptr))

	got, err := s.ReadLegacySession("worker")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.SessionID)
}

func TestReadLegacySessionMissingReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ReadLegacySession("nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}
