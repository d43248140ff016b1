package matching

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed related_fields.yaml
var embeddedRelatedFields []byte

type relatedFieldsFile struct {
	RelatedFields []struct {
		Name   string   `yaml:"name"`
		Fields []string `yaml:"fields"`
	} `yaml:"related_fields"`
}

// FieldIndex is the set of related field-of-study groups. It is built once
// and never modified, so a single index can be shared by every request.
type FieldIndex struct {
	groups [][]string
}

// ParseFieldIndex builds an index from the YAML table format used by
// related_fields.yaml. Entries are trimmed and lower-cased; blank entries and
// empty groups are dropped.
func ParseFieldIndex(data []byte) (*FieldIndex, error) {
	var file relatedFieldsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse related fields: %w", err)
	}

	idx := &FieldIndex{groups: make([][]string, 0, len(file.RelatedFields))}
	for _, g := range file.RelatedFields {
		terms := make([]string, 0, len(g.Fields))
		for _, f := range g.Fields {
			if f = normalize(f); f != "" {
				terms = append(terms, f)
			}
		}
		if len(terms) > 0 {
			idx.groups = append(idx.groups, terms)
		}
	}
	return idx, nil
}

// LoadFieldIndex reads the table from path, or uses the embedded table when
// path is empty.
func LoadFieldIndex(path string) (*FieldIndex, error) {
	if path == "" {
		return ParseFieldIndex(embeddedRelatedFields)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read related fields %s: %w", path, err)
	}
	return ParseFieldIndex(data)
}

var defaultFieldIndex = sync.OnceValue(func() *FieldIndex {
	idx, err := ParseFieldIndex(embeddedRelatedFields)
	if err != nil {
		panic(err)
	}
	return idx
})

// DefaultFieldIndex returns the index built from the embedded table.
func DefaultFieldIndex() *FieldIndex {
	return defaultFieldIndex()
}

// Groups reports how many groups the index holds.
func (idx *FieldIndex) Groups() int {
	return len(idx.groups)
}

// Related reports whether a and b both fall into the same group. A field is in
// a group when it contains one of the group's entries, ignoring case. Entries
// of up to shortTermLen bytes must appear as whole words.
func (idx *FieldIndex) Related(a, b string) bool {
	a, b = normalize(a), normalize(b)
	if a == "" || b == "" {
		return false
	}
	for _, group := range idx.groups {
		if containsAny(a, group) && containsAny(b, group) {
			return true
		}
	}
	return false
}

const shortTermLen = 3

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if len(t) <= shortTermLen {
			if containsWords(s, t) {
				return true
			}
		} else if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// containsWords reports whether term occurs in s bounded by non-alphanumerics
// or the ends of s.
func containsWords(s, term string) bool {
	for from := 0; from+len(term) <= len(s); {
		i := strings.Index(s[from:], term)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(term)
		if !isWordByte(s, start-1) && !isWordByte(s, end) {
			return true
		}
		from = start + 1
	}
	return false
}

func isWordByte(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return false
	}
	c := s[i]
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c >= 0x80
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
