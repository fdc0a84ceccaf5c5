package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/certexam/internal/model"
)

// TerminalSession pairs a finished session with its owner for export.
type TerminalSession struct {
	Session     model.ExamSession
	Username    string
	DisplayName string
}

// ListTerminalSessions returns every submitted or expired session with its
// answer sheet and owner, oldest first.
func (s *Store) ListTerminalSessions(ctx context.Context) ([]TerminalSession, error) {
	sessions, err := s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE status IN ('submitted', 'expired') ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	users := make(map[int64]*model.User)
	var out []TerminalSession
	for _, sess := range sessions {
		sess.Answers, err = s.answerSheet(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("answers of session %s: %w", sess.ID, err)
		}
		u, ok := users[sess.UserID]
		if !ok {
			u, err = s.GetUserByID(ctx, sess.UserID)
			if err != nil && err != model.ErrNotFound {
				return nil, fmt.Errorf("get user %d: %w", sess.UserID, err)
			}
			users[sess.UserID] = u
		}
		ts := TerminalSession{Session: sess}
		if u != nil {
			ts.Username = u.Username
			ts.DisplayName = u.DisplayName
		}
		out = append(out, ts)
	}
	return out, nil
}
