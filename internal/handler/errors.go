package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pavelanni/certexam/internal/exam"
	appI18n "github.com/pavelanni/certexam/internal/i18n"
	"github.com/pavelanni/certexam/internal/model"
)

var (
	errBadRequest         = errors.New("bad request")
	errAuthRequired       = errors.New("authentication required")
	errForbidden          = errors.New("forbidden")
	errInvalidCredentials = errors.New("invalid credentials")
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code   string   `json:"code"`
	Errors []string `json:"errors"`
}

// classify maps an error to its HTTP status, a stable code and a localized
// message.
func classify(ctx context.Context, err error) (int, string, string) {
	var insufficient *exam.InsufficientQuestionsError
	var chapter *exam.ChapterNotFoundError
	switch {
	case errors.As(err, &insufficient):
		return http.StatusUnprocessableEntity, "insufficient_questions",
			appI18n.Td(ctx, "ErrInsufficientQuestions", map[string]any{
				"Chapter":   insufficient.Chapter,
				"Available": insufficient.Available,
				"Required":  insufficient.Required,
			})
	case errors.As(err, &chapter):
		return http.StatusUnprocessableEntity, "chapter_not_found",
			appI18n.Td(ctx, "ErrChapterNotFound", map[string]any{"ChapterID": chapter.ChapterID})
	case errors.Is(err, exam.ErrConfigurationMissing):
		return http.StatusUnprocessableEntity, "configuration_missing", appI18n.T(ctx, "ErrConfigurationMissing")
	case errors.Is(err, exam.ErrTimeExpired):
		return http.StatusUnprocessableEntity, "time_expired", appI18n.T(ctx, "ErrTimeExpired")
	case errors.Is(err, exam.ErrSessionExpired):
		return http.StatusUnprocessableEntity, "session_expired", appI18n.T(ctx, "ErrSessionExpired")
	case errors.Is(err, exam.ErrNotActive):
		return http.StatusUnprocessableEntity, "not_active", appI18n.T(ctx, "ErrNotActive")
	case errors.Is(err, exam.ErrStillActive):
		return http.StatusUnprocessableEntity, "still_active", appI18n.T(ctx, "ErrStillActive")
	case errors.Is(err, exam.ErrInvalidAnswer):
		return http.StatusUnprocessableEntity, "invalid_answer", appI18n.T(ctx, "ErrInvalidAnswer")
	case errors.Is(err, exam.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized", appI18n.T(ctx, "ErrUnauthorized")
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found", appI18n.T(ctx, "ErrNotFound")
	case errors.Is(err, model.ErrActiveSessionExists):
		return http.StatusConflict, "active_session_exists", appI18n.T(ctx, "ErrActiveSessionExists")
	case errors.Is(err, model.ErrUsernameTaken):
		return http.StatusConflict, "username_taken", appI18n.T(ctx, "ErrUsernameTaken")
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request", appI18n.T(ctx, "ErrBadRequest")
	case errors.Is(err, errAuthRequired):
		return http.StatusUnauthorized, "auth_required", appI18n.T(ctx, "ErrAuthRequired")
	case errors.Is(err, errInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials", appI18n.T(ctx, "ErrInvalidCredentials")
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden", appI18n.T(ctx, "ErrForbidden")
	default:
		return http.StatusInternalServerError, "internal", appI18n.T(ctx, "ErrInternal")
	}
}

// localize returns the user-facing message for err.
func localize(ctx context.Context, err error) string {
	_, _, msg := classify(ctx, err)
	return msg
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(r.Context(), err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Debug("request rejected", "path", r.URL.Path, "code", code, "error", err)
	}
	writeJSON(w, status, errorBody{Code: code, Errors: []string{msg}})
}

// writeProblems answers 422 with one message per problem.
func writeProblems(w http.ResponseWriter, r *http.Request, code string, problems []error) {
	msgs := make([]string, 0, len(problems))
	for _, p := range problems {
		if _, c, msg := classify(r.Context(), p); c != "internal" {
			msgs = append(msgs, msg)
		} else {
			msgs = append(msgs, p.Error())
		}
	}
	writeJSON(w, http.StatusUnprocessableEntity, errorBody{Code: code, Errors: msgs})
}
