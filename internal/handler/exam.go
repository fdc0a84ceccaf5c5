package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/certexam/internal/model"
)

type startResponse struct {
	SessionID            string            `json:"session_id"`
	ExamData             model.ExamPayload `json:"exam_data"`
	StartedAt            time.Time         `json:"started_at"`
	ExpiresAt            time.Time         `json:"expires_at"`
	RemainingTimeSeconds int64             `json:"remaining_time_seconds"`
	TotalQuestions       int               `json:"total_questions"`
	Resumed              bool              `json:"resumed"`
}

type saveAnswerRequest struct {
	QuestionID int64   `json:"question_id"`
	AnswerIDs  []int64 `json:"answer_ids"`
}

type submitRequest struct {
	Answers model.AnswerSheet `json:"answers"`
}

type validateResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

type attemptView struct {
	SessionID   string              `json:"session_id"`
	Status      model.SessionStatus `json:"status"`
	Score       *float64            `json:"score,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	SubmittedAt *time.Time          `json:"submitted_at,omitempty"`
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	certID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	payload, err := h.manager.Generator().GenerateExam(r.Context(), certID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	certID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := h.manager.Generator().ValidateExamGeneration(r.Context(), certID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := validateResponse{Valid: v.Valid, Errors: make([]string, 0, len(v.Problems))}
	for _, p := range v.Problems {
		resp.Errors = append(resp.Errors, localize(r.Context(), p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	certID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	if _, err := h.store.GetCertification(r.Context(), certID); err != nil {
		writeError(w, r, err)
		return
	}
	sess, resumed, err := h.manager.Start(r.Context(), user.ID, certID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		SessionID:            sess.ID,
		ExamData:             sess.ExamData,
		StartedAt:            sess.StartedAt,
		ExpiresAt:            sess.ExpiresAt,
		RemainingTimeSeconds: sess.RemainingSeconds(h.manager.Now()),
		TotalQuestions:       sess.ExamData.TotalQuestions,
		Resumed:              resumed,
	})
}

func (h *Handler) handleAttempts(w http.ResponseWriter, r *http.Request) {
	certID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	sessions, err := h.manager.Attempts(r.Context(), user.ID, certID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]attemptView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, attemptView{
			SessionID:   s.ID,
			Status:      s.Status,
			Score:       s.Score,
			StartedAt:   s.StartedAt,
			SubmittedAt: s.SubmittedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSaveAnswer(w http.ResponseWriter, r *http.Request) {
	var req saveAnswerRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	err := h.manager.SaveAnswer(r.Context(), user.ID, chi.URLParam(r, "id"), req.QuestionID, req.AnswerIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": true, "question_id": req.QuestionID})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	res, err := h.manager.Submit(r.Context(), user.ID, chi.URLParam(r, "id"), req.Answers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	st, err := h.manager.Status(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	res, err := h.manager.Result(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
