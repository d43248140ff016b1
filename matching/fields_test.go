package matching

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFieldIndex(t *testing.T) {
	idx := DefaultFieldIndex()
	assert.Greater(t, idx.Groups(), 5)
	assert.Same(t, idx, DefaultFieldIndex())

	assert.True(t, idx.Related("Computer Science", "Information Systems"))
	assert.False(t, idx.Related("Computer Science", "Nursing"))
	assert.True(t, idx.Related("ai", "Artificial Intelligence"))
	assert.False(t, idx.Related("Chair", "Machine Learning"))
	assert.True(t, idx.Related("Computer Sciences", "Software Engineering"), "long entries match as substrings")
}

func TestContainsWords(t *testing.T) {
	assert.True(t, containsWords("ai", "ai"))
	assert.True(t, containsWords("applied ai", "ai"))
	assert.True(t, containsWords("ai/ml", "ai"))
	assert.False(t, containsWords("chair", "ai"))
	assert.False(t, containsWords("maintenance", "ai"))
	assert.True(t, containsWords("bsc computer science", "computer science"))
	assert.False(t, containsWords("", "ai"))
}

func TestParseFieldIndex(t *testing.T) {
	idx, err := ParseFieldIndex([]byte(`
related_fields:
  - name: arts
    fields: ["  Painting ", "Sculpture", ""]
  - name: empty
    fields: []
`))
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Groups())
	assert.True(t, idx.Related("oil painting", "SCULPTURE"))
	assert.False(t, idx.Related("painting", ""))

	_, err = ParseFieldIndex([]byte("related_fields: [unclosed"))
	assert.Error(t, err)
}

func TestLoadFieldIndex(t *testing.T) {
	idx, err := LoadFieldIndex("")
	require.NoError(t, err)
	assert.Equal(t, DefaultFieldIndex().Groups(), idx.Groups())

	path := filepath.Join(t.TempDir(), "fields.yaml")
	require.NoError(t, os.WriteFile(path, []byte("related_fields:\n  - name: x\n    fields: [law, legal studies]\n"), 0o644))
	idx, err = LoadFieldIndex(path)
	require.NoError(t, err)
	assert.True(t, idx.Related("Law", "Legal Studies"))

	s := NewScorer(idx)
	assert.Equal(t, RelatedFieldPoints, s.Explain(Requester{Major: "Law"}, Candidate{Major: "Legal Studies"}).Field)

	_, err = LoadFieldIndex(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
