package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studymate/backend/matching"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestScoreCommand(t *testing.T) {
	requester := writeTemp(t, "requester.json", `{
		"university": "Aalto University",
		"major": "Computer Science",
		"learningNeeds": ["algorithms"],
		"mbtiType": "ENTP",
		"age": 23
	}`)
	candidate := writeTemp(t, "candidate.json", `{
		"userId": 9,
		"university": "aalto university",
		"major": "Software Engineering",
		"subjects": ["Algorithms", "graphs"],
		"age": 23
	}`)

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"score", "--requester", requester, "--candidate", candidate})
	require.NoError(t, cmd.Execute())

	var b matching.Breakdown
	require.NoError(t, json.Unmarshal(out.Bytes(), &b))
	assert.Equal(t, 20, b.Institution)
	assert.Equal(t, 10, b.Field)
	assert.Equal(t, 20, b.LearningNeeds)
	assert.Equal(t, 5, b.Personality)
	assert.Equal(t, 5, b.Age)
	assert.Equal(t, 60, b.Points)
	assert.Equal(t, 60, b.Score)
}

func TestScoreCommandMissingFile(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"score", "--requester", "/nonexistent.json", "--candidate", "/nonexistent.json"})
	assert.Error(t, cmd.Execute())
}

func TestSeedRejectsTinyCount(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"seed", "--count", "1"})
	assert.ErrorContains(t, cmd.Execute(), "--count")
}
