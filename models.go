package main

import (
	"time"

	"github.com/lib/pq"

	"github.com/studymate/backend/matching"
)

// Profile is the personal study profile; it is the requester side of matching.
type Profile struct {
	UserID        int            `json:"user_id" db:"user_id"`
	DisplayName   string         `json:"display_name" db:"display_name"`
	Bio           string         `json:"bio" db:"bio"`
	AvatarURL     string         `json:"avatar_url" db:"avatar_url"`
	University    string         `json:"university" db:"university"`
	Major         string         `json:"major" db:"major"`
	Age           int            `json:"age" db:"age"`
	MBTIType      string         `json:"mbti_type" db:"mbti_type"`
	LearningNeeds pq.StringArray `json:"learning_needs" db:"learning_needs"`
	LearningGoals pq.StringArray `json:"learning_goals" db:"learning_goals"`
	StudyHabits   pq.StringArray `json:"study_habits" db:"study_habits"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

const profileColumns = `user_id, display_name, bio, avatar_url, university, major, age, mbti_type,
	learning_needs, learning_goals, study_habits, updated_at`

func (p Profile) requester() matching.Requester {
	return matching.Requester{
		University:    p.University,
		Major:         p.Major,
		LearningNeeds: p.LearningNeeds,
		LearningGoals: p.LearningGoals,
		StudyHabits:   p.StudyHabits,
		MBTIType:      p.MBTIType,
		Age:           p.Age,
	}
}

// PartnerProfile is a published "looking for a study partner" listing.
type PartnerProfile struct {
	UserID       int            `json:"user_id" db:"user_id"`
	University   string         `json:"university" db:"university"`
	Major        string         `json:"major" db:"major"`
	Age          int            `json:"age" db:"age"`
	Subjects     pq.StringArray `json:"subjects" db:"subjects"`
	Goals        pq.StringArray `json:"goals" db:"goals"`
	StudyStyle   pq.StringArray `json:"study_style" db:"study_style"`
	Availability string         `json:"availability" db:"availability"`
	Description  string         `json:"description" db:"description"`
	IsActive     bool           `json:"is_active" db:"is_active"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

const partnerProfileColumns = `user_id, university, major, age, subjects, goals, study_style,
	availability, description, is_active, created_at, updated_at`

func (p PartnerProfile) candidate() matching.Candidate {
	return matching.Candidate{
		UserID:     p.UserID,
		University: p.University,
		Major:      p.Major,
		Subjects:   p.Subjects,
		Goals:      p.Goals,
		StudyStyle: p.StudyStyle,
		Age:        p.Age,
	}
}

// UserSummary is the public card shown next to anything a user authored.
type UserSummary struct {
	ID          int    `json:"id" db:"id"`
	DisplayName string `json:"display_name" db:"display_name"`
	AvatarURL   string `json:"avatar_url" db:"avatar_url"`
	Reputation  int    `json:"reputation" db:"reputation"`
}
