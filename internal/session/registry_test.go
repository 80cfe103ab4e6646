package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := newSession("a", nil)
	b := newSession("b", nil)

	require.NoError(t, r.Insert(a))
	require.NoError(t, r.Insert(b))
	assert.ErrorIs(t, r.Insert(newSession("a", nil)), ErrDuplicateID)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"a", "b"}, r.IDs())

	got, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	assert.True(t, r.Update("b", func(s *Session) { s.language = "go" }))
	assert.False(t, r.Update("missing", func(*Session) { t.Fatal("must not run") }))
	assert.Equal(t, "go", b.Language())

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, StatusIdle, snap[0].Status)

	removed, ok := r.Delete("a")
	assert.True(t, ok)
	assert.Same(t, a, removed)
	_, ok = r.Delete("a")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRuneBoundary(t *testing.T) {
	euro := []byte("€") // 3 bytes

	assert.Equal(t, 5, runeBoundary([]byte("hello")))
	assert.Equal(t, 3, runeBoundary(append([]byte("abc"), euro[:2]...)))
	assert.Equal(t, 6, runeBoundary(append([]byte("abc"), euro...)))
	assert.Equal(t, 0, runeBoundary(euro[:1]))
}
