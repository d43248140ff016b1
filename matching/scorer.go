// Package matching scores how well a study partner fits a requester.
//
// The score is a weighted sum over seven independent dimensions. Every
// dimension's maximum is always counted towards the denominator, so a
// requester with missing profile data scores lower than one with the same
// real overlap and a complete profile.
package matching

import (
	"math"
	"strings"
)

// Points per dimension. The personality dimension is declared at 10 but only
// ever awards PersonalityPoints, which caps a perfect pair at 95.
const (
	InstitutionWeight  = 20
	FieldWeight        = 20
	RelatedFieldPoints = 10
	NeedsWeight        = 20
	GoalsWeight        = 15
	HabitsWeight       = 10
	PersonalityWeight  = 10
	PersonalityPoints  = 5
	AgeWeight          = 5

	MaxPossibleScore = InstitutionWeight + FieldWeight + NeedsWeight + GoalsWeight +
		HabitsWeight + PersonalityWeight + AgeWeight
)

var personalityTypes = map[string]struct{}{
	"INTJ": {}, "INTP": {}, "ENTJ": {}, "ENTP": {},
	"INFJ": {}, "INFP": {}, "ENFJ": {}, "ENFP": {},
	"ISTJ": {}, "ISFJ": {}, "ESTJ": {}, "ESFJ": {},
	"ISTP": {}, "ISFP": {}, "ESTP": {}, "ESFP": {},
}

// IsPersonalityType reports whether s is one of the 16 MBTI codes.
func IsPersonalityType(s string) bool {
	_, ok := personalityTypes[strings.ToUpper(strings.TrimSpace(s))]
	return ok
}

// Requester holds the attributes of the user looking for a partner.
// Zero values mean "not provided".
type Requester struct {
	University    string   `json:"university,omitempty"`
	Major         string   `json:"major,omitempty"`
	LearningNeeds []string `json:"learningNeeds,omitempty"`
	LearningGoals []string `json:"learningGoals,omitempty"`
	StudyHabits   []string `json:"studyHabits,omitempty"`
	MBTIType      string   `json:"mbtiType,omitempty"`
	Age           int      `json:"age,omitempty"`
}

// Candidate holds the attributes of a published partner profile.
type Candidate struct {
	UserID     int      `json:"userId"`
	University string   `json:"university"`
	Major      string   `json:"major"`
	Subjects   []string `json:"subjects"`
	Goals      []string `json:"goals"`
	StudyStyle []string `json:"studyStyle"`
	Age        int      `json:"age"`
}

// ScoredCandidate is a candidate with its score attached.
type ScoredCandidate struct {
	Candidate
	MatchScore int `json:"matchScore"`
}

// Breakdown lists the points awarded per dimension.
type Breakdown struct {
	Institution   int `json:"institution"`
	Field         int `json:"field"`
	LearningNeeds int `json:"learningNeeds"`
	LearningGoals int `json:"learningGoals"`
	StudyHabits   int `json:"studyHabits"`
	Personality   int `json:"personality"`
	Age           int `json:"age"`
	Points        int `json:"points"`
	MaxPossible   int `json:"maxPossible"`
	Score         int `json:"score"`
}

// Scorer computes match scores. It holds no mutable state and is safe for
// concurrent use.
type Scorer struct {
	fields *FieldIndex
}

// NewScorer returns a scorer using fields for the related-field rule. A nil
// index falls back to the embedded table.
func NewScorer(fields *FieldIndex) *Scorer {
	if fields == nil {
		fields = DefaultFieldIndex()
	}
	return &Scorer{fields: fields}
}

// Score returns the compatibility of c for r as a percentage in [0,100].
func (s *Scorer) Score(r Requester, c Candidate) int {
	return s.Explain(r, c).Score
}

// ScoreAll scores every candidate independently and returns them in input order.
func (s *Scorer) ScoreAll(r Requester, cs []Candidate) []ScoredCandidate {
	out := make([]ScoredCandidate, len(cs))
	for i, c := range cs {
		out[i] = ScoredCandidate{Candidate: c, MatchScore: s.Score(r, c)}
	}
	return out
}

// Explain returns the per-dimension points behind Score.
func (s *Scorer) Explain(r Requester, c Candidate) Breakdown {
	b := Breakdown{MaxPossible: MaxPossibleScore}

	if u := normalize(r.University); u != "" && u == normalize(c.University) {
		b.Institution = InstitutionWeight
	}
	b.Field = s.fieldPoints(r.Major, c.Major)
	b.LearningNeeds = weighted(NeedsWeight, overlapRatio(r.LearningNeeds, c.Subjects))
	b.LearningGoals = weighted(GoalsWeight, overlapRatio(r.LearningGoals, c.Goals))
	b.StudyHabits = weighted(HabitsWeight, overlapRatio(r.StudyHabits, c.StudyStyle))
	if strings.TrimSpace(r.MBTIType) != "" {
		b.Personality = PersonalityPoints
	}
	if r.Age > 0 && c.Age > 0 {
		b.Age = agePoints(r.Age - c.Age)
	}

	b.Points = b.Institution + b.Field + b.LearningNeeds + b.LearningGoals +
		b.StudyHabits + b.Personality + b.Age
	b.Score = percent(b.Points, b.MaxPossible)
	return b
}

func (s *Scorer) fieldPoints(a, b string) int {
	na, nb := normalize(a), normalize(b)
	switch {
	case na == "" || nb == "":
		return 0
	case na == nb:
		return FieldWeight
	case s.fields.Related(na, nb):
		return RelatedFieldPoints
	}
	return 0
}

func agePoints(delta int) int {
	if delta < 0 {
		delta = -delta
	}
	switch {
	case delta == 0:
		return 5
	case delta <= 2:
		return 4
	case delta <= 5:
		return 3
	case delta <= 10:
		return 1
	}
	return 0
}

// overlapRatio is |a∩b| / min(|a|,|b|) over trimmed, lower-cased sets.
func overlapRatio(a, b []string) float64 {
	setA, setB := tagSet(a), tagSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	shared := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(min(len(setA), len(setB)))
}

func tagSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t = normalize(t); t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

func weighted(weight int, ratio float64) int {
	return int(math.Round(float64(weight) * ratio))
}

func percent(points, maxPossible int) int {
	if maxPossible <= 0 {
		return 0
	}
	p := int(math.Round(100 * float64(points) / float64(maxPossible)))
	return max(0, min(100, p))
}
