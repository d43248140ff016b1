package main

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

type seedOptions struct {
	Count    int
	Seed     int64
	Password string // same password for everyone (easy login)
	Truncate bool
}

func seedCmd(c *cli) *cobra.Command {
	var opts seedOptions
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the database with deterministic demo data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Count < 2 {
				return fmt.Errorf("--count must be at least 2")
			}
			cfg, err := c.config()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := runSeed(ctx, db, opts); err != nil {
				return err
			}
			return resetLeaderboardCache(ctx, cfg.RedisURL)
		},
	}
	cmd.Flags().IntVar(&opts.Count, "count", 100, "number of users to create")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 42, "RNG seed (deterministic)")
	cmd.Flags().StringVar(&opts.Password, "password", "test1234", "password assigned to all users")
	cmd.Flags().BoolVar(&opts.Truncate, "truncate", false, "TRUNCATE seeded tables first")
	return cmd
}

// runSeed writes everything in one transaction so a constraint failure
// leaves the database untouched.
func runSeed(ctx context.Context, db *sqlx.DB, opts seedOptions) error {
	r := rand.New(rand.NewSource(opts.Seed))

	pwHash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return withTx(ctx, db, func(tx *sqlx.Tx) error {
		if opts.Truncate {
			if err := truncateSeeded(ctx, tx); err != nil {
				return fmt.Errorf("truncate: %w", err)
			}
			log.Info().Msg("truncated seeded tables")
		}

		ids, err := seedUsers(ctx, tx, r, opts.Count, string(pwHash))
		if err != nil {
			return fmt.Errorf("insert users: %w", err)
		}
		log.Info().Int("count", len(ids)).Msg("inserted users")

		if err := seedProfiles(ctx, tx, r, ids); err != nil {
			return fmt.Errorf("insert profiles: %w", err)
		}
		if err := seedPartnerProfiles(ctx, tx, r, ids); err != nil {
			return fmt.Errorf("insert partner profiles: %w", err)
		}
		log.Info().Msg("inserted profiles and partner profiles")

		// The two demo accounts start out as partners so chat works right away.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO partnerships (requester_id, addressee_id, status) VALUES ($1, $2, 'accepted')
		`, ids[0], ids[1]); err != nil {
			return fmt.Errorf("connect demo users: %w", err)
		}

		if err := seedGroups(ctx, tx, r, ids); err != nil {
			return fmt.Errorf("insert groups: %w", err)
		}
		if err := seedQuestions(ctx, tx, r, ids); err != nil {
			return fmt.Errorf("insert questions: %w", err)
		}
		log.Info().Msg("seed complete")
		return nil
	})
}

// resetLeaderboardCache drops cached boards after the tables behind them
// changed.
func resetLeaderboardCache(ctx context.Context, redisURL string) error {
	rdb, err := openRedis(ctx, redisURL)
	if err != nil || rdb == nil {
		return err
	}
	defer rdb.Close()
	if err := NewLeaderboard(rdb).Clear(ctx); err != nil {
		return fmt.Errorf("clear cached leaderboards: %w", err)
	}
	log.Info().Msg("cached leaderboards cleared")
	return nil
}

func truncateSeeded(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, `
		TRUNCATE TABLE reputation_events, reputation, competition_entries, competitions,
			notes, answer_votes, answers, questions, group_members, study_groups,
			messages, partnerships, dismissed_partners, partner_profiles, profiles, users
		RESTART IDENTITY CASCADE
	`)
	return err
}

var (
	seedFirstNames   = []string{"Alex", "Sam", "Mia", "Lauri", "Noah", "Olivia", "Leo", "Emil", "Sara", "Luca", "Milla", "Mikko", "Eeva", "Niklas", "Sofia"}
	seedLastNames    = []string{"Korhonen", "Virtanen", "Nieminen", "Laine", "Heikkinen", "Koski", "Mäki", "Aho", "Salmi", "Rantanen"}
	seedUniversities = []string{"University of Helsinki", "Aalto University", "Tampere University", "University of Turku", "University of Oulu"}
	seedMajors       = []string{"Computer Science", "Software Engineering", "Mathematics", "Statistics", "Physics", "Biology", "Chemistry", "Economics", "Finance", "Psychology", "Mechanical Engineering"}
	seedSubjects     = []string{"calculus", "linear algebra", "algorithms", "databases", "statistics", "organic chemistry", "microeconomics", "physics", "machine learning", "writing"}
	seedGoals        = []string{"pass exams", "deep understanding", "exam prep", "build projects", "improve grades", "research"}
	seedStyles       = []string{"visual", "discussion", "practice problems", "flashcards", "group study", "quiet study", "pomodoro"}
	seedAvailability = []string{"weekday evenings", "weekends", "mornings", "flexible"}
	seedMBTI         = []string{"INTJ", "INTP", "ENTJ", "ENTP", "INFJ", "INFP", "ENFJ", "ENFP", "ISTJ", "ISFJ", "ESTJ", "ESFJ", "ISTP", "ISFP", "ESTP", "ESFP"}
)

func pick(r *rand.Rand, opts []string) string {
	return opts[r.Intn(len(opts))]
}

// pickSome returns n distinct entries of opts.
func pickSome(r *rand.Rand, opts []string, n int) []string {
	perm := r.Perm(len(opts))
	if n > len(opts) {
		n = len(opts)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = opts[perm[i]]
	}
	return out
}

func seedUsers(ctx context.Context, tx *sqlx.Tx, r *rand.Rand, n int, pwHash string) ([]int, error) {
	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO users (email, password_hash, last_online)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			last_online = EXCLUDED.last_online
		RETURNING id`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	used := make(map[string]struct{}, n)
	ids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		var email string
		lastOnline := time.Now().Add(-time.Duration(r.Intn(14*24)) * time.Hour)
		if i < 2 {
			// Fixed demo accounts.
			email = fmt.Sprintf("user%d@test.local", i+1)
			lastOnline = time.Now()
		} else {
			email = uniqueEmail(r, used)
		}

		var id int
		if err := stmt.GetContext(ctx, &id, email, pwHash, lastOnline); err != nil {
			return nil, fmt.Errorf("insert user %d (%s): %w", i, email, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func uniqueEmail(r *rand.Rand, used map[string]struct{}) string {
	for {
		local := strings.ToLower(pick(r, seedFirstNames) + "." + pick(r, seedLastNames))
		domain := pick(r, []string{"example.com", "mail.test", "uni.local"})
		email := fmt.Sprintf("%s+%d@%s", local, r.Intn(1000000), domain)
		if _, ok := used[email]; !ok {
			used[email] = struct{}{}
			return email
		}
	}
}

func seedProfiles(ctx context.Context, tx *sqlx.Tx, r *rand.Rand, ids []int) error {
	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO profiles (user_id, display_name, bio, university, major, age, mbti_type,
			learning_needs, learning_goals, study_habits)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, uid := range ids {
		name := pick(r, seedFirstNames) + " " + pick(r, seedLastNames)
		if i < 2 {
			name = fmt.Sprintf("Test User %d", i+1)
		}
		if _, err := stmt.ExecContext(ctx, uid, name,
			"Always learning new things.",
			pick(r, seedUniversities), pick(r, seedMajors), 18+r.Intn(15), pick(r, seedMBTI),
			pq.StringArray(pickSome(r, seedSubjects, 1+r.Intn(3))),
			pq.StringArray(pickSome(r, seedGoals, 1+r.Intn(2))),
			pq.StringArray(pickSome(r, seedStyles, 1+r.Intn(3))),
		); err != nil {
			return fmt.Errorf("insert profile for user %d: %w", uid, err)
		}
	}
	return nil
}

func seedPartnerProfiles(ctx context.Context, tx *sqlx.Tx, r *rand.Rand, ids []int) error {
	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO partner_profiles (user_id, university, major, age, subjects, goals, study_style,
			availability, description, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
		ON CONFLICT (user_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, uid := range ids {
		// Roughly four in five users publish a partner profile.
		if r.Float64() >= 0.8 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, uid,
			pick(r, seedUniversities), pick(r, seedMajors), 18+r.Intn(15),
			pq.StringArray(pickSome(r, seedSubjects, 1+r.Intn(4))),
			pq.StringArray(pickSome(r, seedGoals, 1+r.Intn(2))),
			pq.StringArray(pickSome(r, seedStyles, 1+r.Intn(3))),
			pick(r, seedAvailability), "Looking for a study partner.",
		); err != nil {
			return fmt.Errorf("insert partner profile for user %d: %w", uid, err)
		}
	}
	return nil
}

func seedGroups(ctx context.Context, tx *sqlx.Tx, r *rand.Rand, ids []int) error {
	n := len(ids)/10 + 1
	for i := 0; i < n; i++ {
		owner := ids[r.Intn(len(ids))]
		subject := pick(r, seedSubjects)
		var groupID int
		if err := tx.GetContext(ctx, &groupID, `
			INSERT INTO study_groups (owner_id, name, subject, description, max_members, is_private)
			VALUES ($1, $2, $3, $4, $5, FALSE)
			RETURNING id
		`, owner, "Study circle: "+subject, subject, "Weekly sessions.", 5+r.Intn(10)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, user_id, role) VALUES ($1, $2, 'owner')
		`, groupID, owner); err != nil {
			return err
		}
	}
	return nil
}

func seedQuestions(ctx context.Context, tx *sqlx.Tx, r *rand.Rand, ids []int) error {
	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO questions (author_id, title, body, tags) VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	n := len(ids)/5 + 1
	for i := 0; i < n; i++ {
		subject := pick(r, seedSubjects)
		if _, err := stmt.ExecContext(ctx, ids[r.Intn(len(ids))],
			"How do I get started with "+subject+"?",
			"Any tips or resources for learning "+subject+" would help.",
			pq.StringArray([]string{strings.ReplaceAll(subject, " ", "-")}),
		); err != nil {
			return err
		}
	}
	return nil
}
