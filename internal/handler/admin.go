package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/certexam/internal/bank"
	"github.com/pavelanni/certexam/internal/exam"
	"github.com/pavelanni/certexam/internal/model"
)

// maxUploadBytes caps question-bank uploads.
const maxUploadBytes = 10 << 20

type blueprintRequest struct {
	ChapterDistribution []model.ChapterQuota `json:"chapter_distribution"`
	TotalQuestions      int                  `json:"total_questions"`
	TimeLimit           int                  `json:"time_limit"`
	PassingScore        int                  `json:"passing_score"`
}

type createUserRequest struct {
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Password    string         `json:"password"`
	Role        model.UserRole `json:"role"`
}

func (h *Handler) handleGetBlueprint(w http.ResponseWriter, r *http.Request) {
	certID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	bp, err := h.store.BlueprintForCertification(r.Context(), certID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bp)
}

func (h *Handler) handlePutBlueprint(w http.ResponseWriter, r *http.Request) {
	certID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req blueprintRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.store.GetCertification(r.Context(), certID); err != nil {
		writeError(w, r, err)
		return
	}

	bp := exam.NormalizeBlueprint(model.ExamBlueprint{
		CertificationID:     certID,
		ChapterDistribution: req.ChapterDistribution,
		TotalQuestions:      req.TotalQuestions,
		TimeLimit:           req.TimeLimit,
		PassingScore:        req.PassingScore,
	})
	problems, err := exam.ValidateBlueprint(r.Context(), h.store, bp)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(problems) > 0 {
		writeProblems(w, r, "invalid_blueprint", problems)
		return
	}
	if bp.ID, err = h.store.SaveBlueprint(r.Context(), bp); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("blueprint saved", "certification_id", certID, "total_questions", bp.TotalQuestions)
	writeJSON(w, http.StatusOK, bp)
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	res, err := bank.Import(r.Context(), h.store, "upload:"+header.Filename, data)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Code: "invalid_bank", Errors: []string{err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.manager.SweepExpired(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, r, fmt.Errorf("%w: username and password required", errBadRequest))
		return
	}
	switch req.Role {
	case "":
		req.Role = model.UserRoleStudent
	case model.UserRoleStudent, model.UserRoleTeacher, model.UserRoleAdmin:
	default:
		writeError(w, r, fmt.Errorf("%w: unknown role %q", errBadRequest, req.Role))
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, r, err)
		return
	}
	u := model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	}
	if u.ID, err = h.store.CreateUser(r.Context(), u); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.ToggleUserActive(r.Context(), id); err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			slog.Error("failed to toggle user active", "id", id, "error", err)
		}
		writeError(w, r, err)
		return
	}
	u, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
