package main

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanTags(t *testing.T) {
	assert.Equal(t, []string{"Calculus", "physics"}, cleanTags([]string{" Calculus ", "", "calculus", "physics", "  "}))
	assert.Equal(t, []string{}, cleanTags(nil))
	assert.Equal(t, []string{"calculus", "physics"}, lowerTags([]string{"Calculus", "PHYSICS", "physics"}))
}

func TestMBTIRule(t *testing.T) {
	type form struct {
		Type string `json:"mbti_type" validate:"mbti"`
	}
	assert.NoError(t, validate.Struct(form{Type: "intj"}))
	assert.NoError(t, validate.Struct(form{Type: ""}))

	err := validate.Struct(form{Type: "ABCD"})
	require.Error(t, err)
	assert.Equal(t, map[string]string{"mbti_type": "mbti"}, validationFields(err))
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query string
		want  int
		err   bool
	}{
		{"", 20, false},
		{"limit=5", 5, false},
		{"limit=0", 1, false},
		{"limit=500", 100, false},
		{"limit=-3", 1, false},
		{"limit=ten", 0, true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/x?"+tt.query, nil)
		got, err := queryInt(r, "limit", 20, 1, 100)
		if tt.err {
			assert.Error(t, err, tt.query)
			continue
		}
		require.NoError(t, err, tt.query)
		assert.Equal(t, tt.want, got, tt.query)
	}
}

func TestNonNil(t *testing.T) {
	var s []int
	assert.NotNil(t, nonNil(s))
	assert.Equal(t, []int{1}, nonNil([]int{1}))
}
