package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScreenshotPath(t *testing.T) {
	got := ScreenshotPath("2026-08-25", "10.0.0.4", 1000, 1599, "c3")
	assert.Equal(t, "2026-08-25/10_0_0_4_1000_1599_c3.jpg", got)
}

func TestDetectedPath(t *testing.T) {
	assert.Equal(t, "2026-08-25/10_0_0_4_1000_1599_c3_detected.jpg",
		DetectedPath("2026-08-25/10_0_0_4_1000_1599_c3.jpg"))
}

func TestFSStoreRoundTrip(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	rel := "2026-08-25/shot.jpg"
	require.NoError(t, s.Put(rel, []byte("jpeg-bytes")))

	ok, err := s.Stat(rel)
	require.NoError(t, err)
	assert.True(t, ok)

	raw, err := s.Get(rel)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), raw)

	require.NoError(t, s.Delete(rel))
	ok, err = s.Stat(rel)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFSStoreDeleteMissingIsNoop(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, s.Delete("never/written.jpg"))
}

func TestFSStoreRejectsEscapes(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	for _, rel := range []string{"../outside.jpg", "a/../../outside.jpg"} {
		assert.Error(t, s.Put(rel, []byte("x")), rel)
		_, err := s.Get(rel)
		assert.Error(t, err, rel)
	}
}
