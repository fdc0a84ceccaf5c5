package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/certexam/internal/model"
)

const sessionColumns = `id, user_id, certification_id, exam_data, status, started_at, expires_at, submitted_at, score`

// CreateSession inserts a new exam session. It returns
// model.ErrActiveSessionExists if the user already has an active session for
// the certification.
func (s *Store) CreateSession(ctx context.Context, sess *model.ExamSession) error {
	data, err := json.Marshal(sess.ExamData)
	if err != nil {
		return fmt.Errorf("encode exam data: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO exam_sessions (id, user_id, certification_id, exam_data, status, started_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.UserID, sess.CertificationID, string(data), sess.Status,
		toMillis(sess.StartedAt), toMillis(sess.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrActiveSessionExists
		}
		return err
	}
	return nil
}

func scanSession(row rowScanner) (model.ExamSession, error) {
	var sess model.ExamSession
	var data string
	var started, expires int64
	var submitted sql.NullInt64
	var score sql.NullFloat64
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.CertificationID, &data, &sess.Status,
		&started, &expires, &submitted, &score); err != nil {
		return sess, err
	}
	if err := json.Unmarshal([]byte(data), &sess.ExamData); err != nil {
		return sess, fmt.Errorf("decode exam data of session %s: %w", sess.ID, err)
	}
	sess.StartedAt = fromMillis(started)
	sess.ExpiresAt = fromMillis(expires)
	if submitted.Valid {
		t := fromMillis(submitted.Int64)
		sess.SubmittedAt = &t
	}
	if score.Valid {
		v := score.Float64
		sess.Score = &v
	}
	return sess, nil
}

// GetSession returns a session with its answer sheet.
func (s *Store) GetSession(ctx context.Context, id string) (model.ExamSession, error) {
	sess, err := scanSession(s.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
	if err != nil {
		return sess, notFound(err)
	}
	sess.Answers, err = s.answerSheet(ctx, id)
	return sess, err
}

// ActiveSession returns the active session of a user for a certification.
func (s *Store) ActiveSession(ctx context.Context, userID, certificationID int64) (model.ExamSession, error) {
	sess, err := scanSession(s.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE user_id = $1 AND certification_id = $2 AND status = 'active'`, userID, certificationID))
	if err != nil {
		return sess, notFound(err)
	}
	sess.Answers, err = s.answerSheet(ctx, sess.ID)
	return sess, err
}

func (s *Store) answerSheet(ctx context.Context, sessionID string) (model.AnswerSheet, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT question_id, answer_ids FROM exam_session_answers WHERE session_id = $1`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sheet := model.AnswerSheet{}
	for rows.Next() {
		var qID int64
		var raw string
		if err := rows.Scan(&qID, &raw); err != nil {
			return nil, err
		}
		var ids []int64
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, fmt.Errorf("decode answers for question %d: %w", qID, err)
		}
		sheet[qID] = ids
	}
	return sheet, rows.Err()
}

// SaveAnswer replaces the selected answers of one question. The write only
// happens while the session is active; ok is false otherwise.
func (s *Store) SaveAnswer(ctx context.Context, sessionID string, questionID int64, answerIDs []int64, at time.Time) (ok bool, err error) {
	if answerIDs == nil {
		answerIDs = []int64{}
	}
	raw, err := json.Marshal(answerIDs)
	if err != nil {
		return false, err
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO exam_session_answers (session_id, question_id, answer_ids, updated_at)
		 SELECT CAST($1 AS TEXT), CAST($2 AS BIGINT), CAST($3 AS TEXT), CAST($4 AS BIGINT)
		 WHERE EXISTS (SELECT 1 FROM exam_sessions WHERE id = $1 AND status = 'active')
		 ON CONFLICT (session_id, question_id) DO UPDATE SET
			answer_ids = excluded.answer_ids,
			updated_at = excluded.updated_at`,
		sessionID, questionID, string(raw), toMillis(at),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishSession moves an active session to a terminal status with its score.
// It reports false when the session was no longer active.
func (s *Store) FinishSession(ctx context.Context, id string, status model.SessionStatus, score float64, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE exam_sessions SET status = $1, score = $2, submitted_at = $3
		 WHERE id = $4 AND status = 'active'`,
		status, score, toMillis(at), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ExpiredActiveSessions returns the ids of active sessions whose deadline is before now.
func (s *Store) ExpiredActiveSessions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id FROM exam_sessions WHERE status = 'active' AND expires_at < $1 ORDER BY expires_at`,
		toMillis(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountPriorAttempts counts the submitted or expired sessions of a user for a
// certification that started no later than sessionID, leaving sessionID out.
func (s *Store) CountPriorAttempts(ctx context.Context, userID, certificationID int64, sessionID string) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exam_sessions
		 WHERE user_id = $1 AND certification_id = $2 AND status IN ('submitted', 'expired') AND id <> $3
		   AND started_at <= (SELECT started_at FROM exam_sessions WHERE id = $3)`,
		userID, certificationID, sessionID,
	).Scan(&count)
	return count, err
}

// ListUserSessions returns a user's sessions for a certification, newest first.
// Answer sheets are not loaded.
func (s *Store) ListUserSessions(ctx context.Context, userID, certificationID int64) ([]model.ExamSession, error) {
	return s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE user_id = $1 AND certification_id = $2 ORDER BY started_at DESC`,
		userID, certificationID)
}

func (s *Store) listSessions(ctx context.Context, query string, args ...any) ([]model.ExamSession, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.ExamSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
