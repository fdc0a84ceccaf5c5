package model

import "time"

// ResultsExport is the top-level JSON structure for exam result export.
type ResultsExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Results    []StudentResult `json:"results"`
}

// StudentResult holds one terminal exam session for export.
type StudentResult struct {
	SessionID       string             `json:"session_id"`
	Username        string             `json:"username"`
	DisplayName     string             `json:"display_name"`
	CertificationID int64              `json:"certification_id"`
	Certification   string             `json:"certification"`
	AttemptNumber   int                `json:"attempt_number"`
	Status          SessionStatus      `json:"status"`
	Score           float64            `json:"score"`
	Passed          bool               `json:"passed"`
	StartedAt       time.Time          `json:"started_at"`
	SubmittedAt     *time.Time         `json:"submitted_at,omitempty"`
	Questions       []ExportedQuestion `json:"questions"`
}

// ExportedQuestion holds per-question data for export.
type ExportedQuestion struct {
	QuestionID int64      `json:"question_id"`
	Chapter    string     `json:"chapter"`
	Difficulty Difficulty `json:"difficulty"`
	Points     int        `json:"points"`
	Selected   []int64    `json:"selected"`
	Correct    bool       `json:"correct"`
}
