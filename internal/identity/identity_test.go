package identity

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameGeneratedOnceAndPersisted(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	first, err := s.Name()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := s.Name()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A fresh store over the same root reads the cached name.
	again, err := NewStore(root).Name()
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestGenerateShape(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]+-[a-z]+-[0-9a-f]{4}$`)
	name, err := Generate()
	require.NoError(t, err)
	assert.Regexp(t, pattern, name)
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("swift-otter-3f2a")
	b := Fingerprint("swift-otter-3f2a")
	c := Fingerprint("calm-heron-0001")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 8)
}
