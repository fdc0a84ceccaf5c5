package exam

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigurationMissing means the certification has no usable blueprint.
	ErrConfigurationMissing = errors.New("exam configuration is missing or has no chapter distribution")
	// ErrTimeExpired rejects a mutation attempted after the session deadline.
	ErrTimeExpired = errors.New("exam time has expired")
	// ErrSessionExpired rejects a late submission; the session is expired instead.
	ErrSessionExpired = errors.New("exam session expired before submission")
	// ErrNotActive rejects a mutation on a submitted or expired session.
	ErrNotActive = errors.New("exam session is not active")
	// ErrStillActive is returned when a result is requested before the session ends.
	ErrStillActive = errors.New("exam session is still in progress")
	// ErrUnauthorized rejects access to a session owned by another user.
	ErrUnauthorized = errors.New("exam session belongs to another user")
	// ErrInvalidAnswer rejects a question or answer id that is not part of the exam.
	ErrInvalidAnswer = errors.New("answer does not belong to this exam")
)

// ChapterNotFoundError reports a blueprint entry pointing at a missing chapter.
type ChapterNotFoundError struct {
	ChapterID int64
}

func (e *ChapterNotFoundError) Error() string {
	return fmt.Sprintf("chapter %d not found", e.ChapterID)
}

// InsufficientQuestionsError reports a chapter holding fewer questions than
// the blueprint asks for.
type InsufficientQuestionsError struct {
	Chapter   string
	Available int
	Required  int
}

func (e *InsufficientQuestionsError) Error() string {
	return fmt.Sprintf("chapter %q has %d questions available but %d are required",
		e.Chapter, e.Available, e.Required)
}
