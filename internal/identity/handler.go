package identity

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joao-fontenele/nfthub/internal/domain"
)

type Handler struct {
	repo   *UserRepository
	logger *slog.Logger
}

func NewHandler(repo *UserRepository, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		logger: logger,
	}
}

type createUserRequest struct {
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Role     domain.Role `json:"role"`
}

func (h *Handler) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if len(req.Username) < 3 || len(req.Username) > 30 || !strings.Contains(req.Email, "@") {
		h.writeError(w, http.StatusBadRequest, "invalid username or email")
		return
	}
	if req.Role != "" && !req.Role.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid role")
		return
	}

	user := &domain.User{Username: req.Username, Email: req.Email, Role: req.Role}
	if err := h.repo.Create(r.Context(), user); err != nil {
		if errors.Is(err, ErrUserExists) {
			h.writeError(w, http.StatusConflict, "username or email already taken")
			return
		}
		h.logger.Error("failed to create user", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("user created", "user_id", user.ID, "role", user.Role)
	h.writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, user)
}

func (h *Handler) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, user.Subscription())
}

type UpdateSubscriptionRequest struct {
	Active     bool       `json:"active"`
	Expiration *time.Time `json:"expiration"`
}

func (h *Handler) HandleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	var req UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Active && req.Expiration == nil {
		h.writeError(w, http.StatusBadRequest, "active subscription requires an expiration")
		return
	}

	user, err := h.repo.UpdateSubscription(r.Context(), userID, req.Active, req.Expiration)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.logger.Error("failed to update subscription", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("subscription updated", "user_id", userID, "active", user.IsSubscribed,
		"expiration", user.SubscriptionExpires)
	h.writeJSON(w, http.StatusOK, user.Subscription())
}

func (h *Handler) loadUser(w http.ResponseWriter, r *http.Request) (*domain.User, bool) {
	userID := r.PathValue("id")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "missing user id")
		return nil, false
	}

	user, err := h.repo.Get(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get user", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	if user == nil {
		h.writeError(w, http.StatusNotFound, "user not found")
		return nil, false
	}
	return user, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
