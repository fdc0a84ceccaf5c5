package exam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/certexam/internal/model"
)

// SessionRepository persists exam sessions. Transitions are conditional on the
// session still being active so concurrent callers cannot both win.
type SessionRepository interface {
	CreateSession(ctx context.Context, sess *model.ExamSession) error
	GetSession(ctx context.Context, id string) (model.ExamSession, error)
	ActiveSession(ctx context.Context, userID, certificationID int64) (model.ExamSession, error)
	SaveAnswer(ctx context.Context, sessionID string, questionID int64, answerIDs []int64, at time.Time) (bool, error)
	FinishSession(ctx context.Context, id string, status model.SessionStatus, score float64, at time.Time) (bool, error)
	ExpiredActiveSessions(ctx context.Context, now time.Time) ([]string, error)
	CountPriorAttempts(ctx context.Context, userID, certificationID int64, sessionID string) (int, error)
	ListUserSessions(ctx context.Context, userID, certificationID int64) ([]model.ExamSession, error)
}

// CertificationSource looks up certifications by id.
type CertificationSource interface {
	GetCertification(ctx context.Context, id int64) (model.Certification, error)
}

// Manager runs the lifecycle of exam sessions.
type Manager struct {
	gen      *Generator
	scorer   *Scorer
	sessions SessionRepository
	certs    CertificationSource
	now      func() time.Time
	feedback FeedbackFunc
}

// NewManager creates a Manager that generates exams with gen.
func NewManager(gen *Generator, sessions SessionRepository, certs CertificationSource) *Manager {
	return &Manager{
		gen:      gen,
		scorer:   NewScorer(gen.bank),
		sessions: sessions,
		certs:    certs,
		now:      time.Now,
		feedback: DefaultFeedback,
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetFeedback replaces the remark picker used in detailed results.
func (m *Manager) SetFeedback(f FeedbackFunc) { m.feedback = f }

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.now() }

// Generator returns the generator the manager draws exams from.
func (m *Manager) Generator() *Generator { return m.gen }

// Start returns the user's running session for the certification, or
// generates a new exam and opens a session for it. An active session found
// past its deadline is expired first. The boolean is true when an existing
// session is returned.
func (m *Manager) Start(ctx context.Context, userID, certificationID int64) (model.ExamSession, bool, error) {
	// Two passes: a concurrent start may create the session between our read and insert.
	for range 2 {
		sess, err := m.sessions.ActiveSession(ctx, userID, certificationID)
		switch {
		case err == nil:
			if !sess.TimeExpired(m.now()) {
				return sess, true, nil
			}
			if _, err := m.expire(ctx, &sess); err != nil {
				return model.ExamSession{}, false, err
			}
		case !errors.Is(err, model.ErrNotFound):
			return model.ExamSession{}, false, fmt.Errorf("load active session: %w", err)
		}

		payload, err := m.gen.GenerateExam(ctx, certificationID)
		if err != nil {
			return model.ExamSession{}, false, err
		}
		now := m.now()
		sess = model.ExamSession{
			ID:              uuid.NewString(),
			UserID:          userID,
			CertificationID: certificationID,
			ExamData:        payload,
			Answers:         model.AnswerSheet{},
			Status:          model.StatusActive,
			StartedAt:       now,
			ExpiresAt:       now.Add(time.Duration(payload.TimeLimit) * time.Minute),
		}
		err = m.sessions.CreateSession(ctx, &sess)
		if errors.Is(err, model.ErrActiveSessionExists) {
			continue
		}
		if err != nil {
			return model.ExamSession{}, false, fmt.Errorf("create session: %w", err)
		}
		slog.Info("exam session started",
			"session_id", sess.ID,
			"user_id", userID,
			"certification_id", certificationID,
			"questions", payload.TotalQuestions,
			"expires_at", sess.ExpiresAt,
		)
		return sess, false, nil
	}
	return model.ExamSession{}, false, model.ErrActiveSessionExists
}

// Session loads a session and checks that userID owns it.
func (m *Manager) Session(ctx context.Context, userID int64, sessionID string) (model.ExamSession, error) {
	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return sess, err
	}
	if sess.UserID != userID {
		return model.ExamSession{}, ErrUnauthorized
	}
	return sess, nil
}

// SaveAnswer replaces the selected answers for one question. It never changes
// the session status; a late save is only rejected.
func (m *Manager) SaveAnswer(ctx context.Context, userID int64, sessionID string, questionID int64, answerIDs []int64) error {
	sess, err := m.Session(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	return m.saveAnswer(ctx, &sess, questionID, answerIDs)
}

func (m *Manager) saveAnswer(ctx context.Context, sess *model.ExamSession, questionID int64, answerIDs []int64) error {
	now := m.now()
	if sess.TimeExpired(now) {
		slog.Warn("answer rejected after deadline", "session_id", sess.ID, "question_id", questionID)
		return ErrTimeExpired
	}
	if sess.Status != model.StatusActive {
		return ErrNotActive
	}
	if err := checkAnswer(sess.ExamData, questionID, answerIDs); err != nil {
		return err
	}
	ids := normalizeIDs(answerIDs)
	ok, err := m.sessions.SaveAnswer(ctx, sess.ID, questionID, ids, now)
	if err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	if !ok {
		return ErrNotActive
	}
	if sess.Answers == nil {
		sess.Answers = model.AnswerSheet{}
	}
	sess.Answers[questionID] = ids
	return nil
}

func checkAnswer(exam model.ExamPayload, questionID int64, answerIDs []int64) error {
	for _, q := range exam.Questions {
		if q.QuestionID != questionID {
			continue
		}
		for _, id := range answerIDs {
			known := false
			for _, a := range q.Answers {
				if a.ID == id {
					known = true
					break
				}
			}
			if !known {
				return fmt.Errorf("%w: answer %d of question %d", ErrInvalidAnswer, id, questionID)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: question %d", ErrInvalidAnswer, questionID)
}

// Submit grades the session and closes it. Extra answers, if any, are saved
// first. A session past its deadline is expired instead and ErrSessionExpired
// is returned.
func (m *Manager) Submit(ctx context.Context, userID int64, sessionID string, answers model.AnswerSheet) (model.DetailedResult, error) {
	sess, err := m.Session(ctx, userID, sessionID)
	if err != nil {
		return model.DetailedResult{}, err
	}
	if sess.Status != model.StatusActive {
		return model.DetailedResult{}, ErrNotActive
	}
	if sess.TimeExpired(m.now()) {
		if _, err := m.expire(ctx, &sess); err != nil {
			return model.DetailedResult{}, err
		}
		slog.Warn("late submission converted to expiry", "session_id", sess.ID)
		return model.DetailedResult{}, ErrSessionExpired
	}
	// Reject the whole sheet before writing any of it.
	for qID, ids := range answers {
		if err := checkAnswer(sess.ExamData, qID, ids); err != nil {
			return model.DetailedResult{}, err
		}
	}
	in, err := m.resultInputs(ctx, &sess)
	if err != nil {
		return model.DetailedResult{}, err
	}
	for qID, ids := range answers {
		if err := m.saveAnswer(ctx, &sess, qID, ids); err != nil {
			return model.DetailedResult{}, err
		}
	}

	card, err := m.scorer.Score(ctx, &sess)
	if err != nil {
		return model.DetailedResult{}, err
	}
	now := m.now()
	ok, err := m.sessions.FinishSession(ctx, sess.ID, model.StatusSubmitted, card.Score, now)
	if err != nil {
		return model.DetailedResult{}, fmt.Errorf("submit session: %w", err)
	}
	if !ok {
		return model.DetailedResult{}, ErrNotActive
	}
	sess.Status = model.StatusSubmitted
	sess.SubmittedAt = &now
	sess.Score = &card.Score
	slog.Info("exam session submitted", "session_id", sess.ID, "score", card.Score)
	return m.detailedResult(ctx, &sess, card, in), nil
}

// Expire closes an active session as expired with its current score. It is a
// no-op returning false for a session that is already terminal.
func (m *Manager) Expire(ctx context.Context, sessionID string) (bool, error) {
	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return m.expire(ctx, &sess)
}

func (m *Manager) expire(ctx context.Context, sess *model.ExamSession) (bool, error) {
	if sess.Status != model.StatusActive {
		return false, nil
	}
	card, err := m.scorer.Score(ctx, sess)
	if err != nil {
		return false, err
	}
	now := m.now()
	ok, err := m.sessions.FinishSession(ctx, sess.ID, model.StatusExpired, card.Score, now)
	if err != nil {
		return false, fmt.Errorf("expire session: %w", err)
	}
	if !ok {
		return false, nil
	}
	sess.Status = model.StatusExpired
	sess.SubmittedAt = &now
	sess.Score = &card.Score
	slog.Info("exam session expired", "session_id", sess.ID, "score", card.Score)
	return true, nil
}

// SweepExpired expires every active session past its deadline and returns
// how many sessions it closed. Failures on single sessions do not stop the
// sweep; they are joined into the returned error.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	ids, err := m.sessions.ExpiredActiveSessions(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	count := 0
	var errs []error
	for _, id := range ids {
		ok, err := m.Expire(ctx, id)
		if err != nil {
			slog.Error("failed to expire session", "session_id", id, "error", err)
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		if ok {
			count++
		}
	}
	return count, errors.Join(errs...)
}

// StatusView is the progress summary of a session.
type StatusView struct {
	SessionID            string              `json:"session_id"`
	Status               model.SessionStatus `json:"status"`
	StartedAt            time.Time           `json:"started_at"`
	ExpiresAt            time.Time           `json:"expires_at"`
	RemainingTimeSeconds int64               `json:"remaining_time_seconds"`
	AnsweredQuestions    int                 `json:"answered_questions"`
	TotalQuestions       int                 `json:"total_questions"`
}

// Status reports progress of a session owned by userID.
func (m *Manager) Status(ctx context.Context, userID int64, sessionID string) (StatusView, error) {
	sess, err := m.Session(ctx, userID, sessionID)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		SessionID:            sess.ID,
		Status:               sess.Status,
		StartedAt:            sess.StartedAt,
		ExpiresAt:            sess.ExpiresAt,
		RemainingTimeSeconds: sess.RemainingSeconds(m.now()),
		AnsweredQuestions:    sess.AnsweredCount(),
		TotalQuestions:       sess.ExamData.TotalQuestions,
	}, nil
}

// Result returns the detailed result of a finished session owned by userID.
func (m *Manager) Result(ctx context.Context, userID int64, sessionID string) (model.DetailedResult, error) {
	sess, err := m.Session(ctx, userID, sessionID)
	if err != nil {
		return model.DetailedResult{}, err
	}
	if !sess.Status.Terminal() {
		return model.DetailedResult{}, ErrStillActive
	}
	return m.Evaluate(ctx, &sess)
}

// Evaluate grades a session and builds its detailed result without any
// ownership check or state change.
func (m *Manager) Evaluate(ctx context.Context, sess *model.ExamSession) (model.DetailedResult, error) {
	in, err := m.resultInputs(ctx, sess)
	if err != nil {
		return model.DetailedResult{}, err
	}
	card, err := m.scorer.Score(ctx, sess)
	if err != nil {
		return model.DetailedResult{}, err
	}
	return m.detailedResult(ctx, sess, card, in), nil
}

// Attempts lists the user's sessions for a certification, newest first.
func (m *Manager) Attempts(ctx context.Context, userID, certificationID int64) ([]model.ExamSession, error) {
	return m.sessions.ListUserSessions(ctx, userID, certificationID)
}

const answerSeparator = "; "

// resultInputs holds what a detailed result needs besides the score card.
type resultInputs struct {
	cert  model.Certification
	bp    model.ExamBlueprint
	prior int
}

func (m *Manager) resultInputs(ctx context.Context, sess *model.ExamSession) (resultInputs, error) {
	var in resultInputs
	var err error
	in.cert, err = m.certs.GetCertification(ctx, sess.CertificationID)
	if err != nil {
		return in, fmt.Errorf("load certification: %w", err)
	}
	in.bp, err = m.gen.blueprints.BlueprintForCertification(ctx, sess.CertificationID)
	if errors.Is(err, model.ErrNotFound) {
		return in, ErrConfigurationMissing
	}
	if err != nil {
		return in, fmt.Errorf("load blueprint: %w", err)
	}
	in.prior, err = m.sessions.CountPriorAttempts(ctx, sess.UserID, sess.CertificationID, sess.ID)
	if err != nil {
		return in, fmt.Errorf("count attempts: %w", err)
	}
	return in, nil
}

func (m *Manager) detailedResult(ctx context.Context, sess *model.ExamSession, card ScoreCard, in resultInputs) model.DetailedResult {
	res := model.DetailedResult{
		SessionID:         sess.ID,
		Status:            sess.Status,
		CertificationName: in.cert.Name,
		Score:             card.Score,
		PassingScore:      in.bp.PassingScore,
		Passed:            Passed(card.Score, in.bp.PassingScore),
		AttemptNumber:     in.prior + 1,
		CompletedAt:       sess.SubmittedAt,
		TotalQuestions:    len(card.Questions),
		CorrectAnswers:    card.CorrectAnswers,
		EarnedPoints:      card.EarnedPoints,
		TotalPoints:       card.TotalPoints,
		Questions:         make([]model.QuestionResult, 0, len(card.Questions)),
	}
	for _, sq := range card.Questions {
		res.Questions = append(res.Questions, model.QuestionResult{
			QuestionID:     sq.Live.ID,
			Chapter:        sq.Exam.Chapter,
			Question:       sq.Live.Text,
			UserAnswer:     answerTexts(sq.Live, sq.Selected),
			CorrectAnswer:  answerTexts(sq.Live, sq.Live.CorrectAnswerIDs()),
			IsCorrect:      sq.Correct,
			PointsEarned:   sq.Earned,
			PointsPossible: sq.Live.Points,
			Difficulty:     sq.Live.Difficulty,
			Feedback:       m.feedback(ctx, sq.Correct),
		})
	}
	return res
}

// answerTexts joins the texts of the given answer ids in question order.
func answerTexts(q model.Question, ids []int64) string {
	var texts []string
	for _, a := range q.Answers {
		for _, id := range ids {
			if a.ID == id {
				texts = append(texts, a.Text)
				break
			}
		}
	}
	return strings.Join(texts, answerSeparator)
}
