package model

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by the store when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrActiveSessionExists is returned when a second active session would be
	// created for the same user and certification.
	ErrActiveSessionExists = errors.New("active exam session already exists")
	// ErrUsernameTaken is returned when a user is created with a username in use.
	ErrUsernameTaken = errors.New("username already taken")
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher is a teacher user role.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is one of the known tiers.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// QuestionType tells single-select from multi-select questions.
type QuestionType string

const (
	QuestionSingle   QuestionType = "single"
	QuestionMultiple QuestionType = "multiple"
)

// Certification owns a question bank and one exam blueprint.
type Certification struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Chapter is a named subdivision of a certification's question bank.
type Chapter struct {
	ID              int64  `json:"id"`
	CertificationID int64  `json:"certification_id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Order           int    `json:"order"`
}

// Answer is one option of a question. IDs are unique within a question only.
type Answer struct {
	ID      int64  `json:"id" yaml:"id"`
	Text    string `json:"text" yaml:"text"`
	Correct bool   `json:"correct" yaml:"correct"`
}

// Question is a certification question owned by exactly one chapter.
type Question struct {
	ID         int64      `json:"id"`
	ChapterID  int64      `json:"chapter_id"`
	Text       string     `json:"text"`
	Difficulty Difficulty `json:"difficulty"`
	Points     int        `json:"points"`
	Answers    []Answer   `json:"answers"`
}

// Type derives the question type from the number of correct answers.
func (q Question) Type() QuestionType {
	n := 0
	for _, a := range q.Answers {
		if a.Correct {
			n++
		}
	}
	if n > 1 {
		return QuestionMultiple
	}
	return QuestionSingle
}

// CorrectAnswerIDs returns the ids of all correct answers in answer order.
func (q Question) CorrectAnswerIDs() []int64 {
	var ids []int64
	for _, a := range q.Answers {
		if a.Correct {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// ChapterQuota is one entry of a blueprint's chapter distribution.
type ChapterQuota struct {
	ChapterID int64 `json:"chapter_id" yaml:"chapter_id"`
	Count     int   `json:"count" yaml:"count"`
}

// ExamBlueprint is the per-certification exam configuration. Distribution
// order is the order chapters are drawn in.
type ExamBlueprint struct {
	ID                  int64          `json:"id"`
	CertificationID     int64          `json:"certification_id"`
	ChapterDistribution []ChapterQuota `json:"chapter_distribution"`
	TotalQuestions      int            `json:"total_questions"`
	TimeLimit           int            `json:"time_limit"`    // minutes
	PassingScore        int            `json:"passing_score"` // percent
}

// DistributionTotal sums the requested question counts.
func (bp ExamBlueprint) DistributionTotal() int {
	total := 0
	for _, q := range bp.ChapterDistribution {
		total += q.Count
	}
	return total
}

// ExamAnswer is an answer as shown inside an exam. It carries no correctness.
type ExamAnswer struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

// ExamQuestion is the projection of a question frozen into an exam payload.
type ExamQuestion struct {
	QuestionID int64        `json:"question_id"`
	Chapter    string       `json:"chapter"`
	Text       string       `json:"question"`
	Answers    []ExamAnswer `json:"answers"`
	Type       QuestionType `json:"type"`
	Difficulty Difficulty   `json:"difficulty"`
	Points     int          `json:"points"`
}

// ExamPayload is a generated, randomized exam snapshot.
type ExamPayload struct {
	CertificationID int64          `json:"certification_id"`
	Questions       []ExamQuestion `json:"questions"`
	TimeLimit       int            `json:"time_limit"`
	TotalPoints     int            `json:"total_points"`
	TotalQuestions  int            `json:"total_questions"`
}

// SessionStatus represents the status of an exam session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusSubmitted SessionStatus = "submitted"
	StatusExpired   SessionStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusSubmitted || s == StatusExpired
}

// AnswerSheet maps a question id to the selected answer ids.
type AnswerSheet map[int64][]int64

// ExamSession is one user's timed attempt at a certification exam.
type ExamSession struct {
	ID              string        `json:"id"`
	UserID          int64         `json:"user_id"`
	CertificationID int64         `json:"certification_id"`
	ExamData        ExamPayload   `json:"exam_data"`
	Answers         AnswerSheet   `json:"answers"`
	Status          SessionStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	SubmittedAt     *time.Time    `json:"submitted_at,omitempty"`
	Score           *float64      `json:"score,omitempty"`
}

// TimeExpired reports whether the deadline has passed at now.
func (s *ExamSession) TimeExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// RemainingSeconds is the time left before the deadline, never negative.
func (s *ExamSession) RemainingSeconds(now time.Time) int64 {
	if !s.ExpiresAt.After(now) {
		return 0
	}
	return int64(s.ExpiresAt.Sub(now) / time.Second)
}

// AnsweredCount counts questions with at least one selected answer.
func (s *ExamSession) AnsweredCount() int {
	n := 0
	for _, ids := range s.Answers {
		if len(ids) > 0 {
			n++
		}
	}
	return n
}

// QuestionResult is the per-question breakdown of a detailed result.
type QuestionResult struct {
	QuestionID     int64      `json:"question_id"`
	Chapter        string     `json:"chapter"`
	Question       string     `json:"question"`
	UserAnswer     string     `json:"user_answer"`
	CorrectAnswer  string     `json:"correct_answer"`
	IsCorrect      bool       `json:"is_correct"`
	PointsEarned   int        `json:"points_earned"`
	PointsPossible int        `json:"points_possible"`
	Difficulty     Difficulty `json:"difficulty"`
	Feedback       string     `json:"feedback"`
}

// DetailedResult is the full outcome of a terminal session.
type DetailedResult struct {
	SessionID         string           `json:"session_id"`
	Status            SessionStatus    `json:"status"`
	CertificationName string           `json:"certification_name"`
	Score             float64          `json:"score"`
	PassingScore      int              `json:"passing_score"`
	Passed            bool             `json:"passed"`
	AttemptNumber     int              `json:"attempt_number"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	TotalQuestions    int              `json:"total_questions"`
	CorrectAnswers    int              `json:"correct_answers"`
	EarnedPoints      int              `json:"earned_points"`
	TotalPoints       int              `json:"total_points"`
	Questions         []QuestionResult `json:"questions"`
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	SecureCookies bool          // Set Secure flag on cookies (disable for local dev)
	JWTSecret     string        // HMAC key for access tokens
	TokenTTL      time.Duration // access token lifetime
	CORSOrigins   []string
	Lang          string
}
