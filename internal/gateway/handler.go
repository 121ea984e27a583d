package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sage-ai/sage/internal/chat"
	"github.com/sage-ai/sage/internal/identity"
	"github.com/sage-ai/sage/internal/ledger"
	"github.com/sage-ai/sage/internal/provider"
)

// Handler exposes the chat gateway over HTTP. Rendering is the client's
// concern; these endpoints speak plain JSON.
type Handler struct {
	gateway      *Gateway
	chats        *chat.Service
	usage        *ledger.Ledger
	defaultModel string
}

func NewHandler(g *Gateway, chats *chat.Service, usage *ledger.Ledger, defaultModel string) *Handler {
	return &Handler{
		gateway:      g,
		chats:        chats,
		usage:        usage,
		defaultModel: defaultModel,
	}
}

// Routes mounts the authenticated API surface.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/conversations", h.HandleCreateConversation)
	r.Get("/v1/conversations", h.HandleListConversations)
	r.Get("/v1/conversations/{id}/messages", h.HandleListMessages)
	r.Post("/v1/conversations/{id}/messages", h.HandleTurn)
	r.Get("/v1/usage", h.HandleUsage)
}

func (h *Handler) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var body struct {
		Model string `json:"model"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Model == "" {
		body.Model = h.defaultModel
	}

	conv, err := h.chats.Create(r.Context(), userID, body.Model)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	convs, err := h.chats.AllFor(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

func (h *Handler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	msgs, err := h.chats.List(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.gateway.Turn(r.Context(), userID, chi.URLParam(r, "id"), body.Content)
	if err != nil {
		h.writeTurnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeTurnError maps turn failures to statuses. Provider failures come back
// as a plain-text error on the assistant turn; the user retries by sending
// another message.
func (h *Handler) writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, "daily call limit reached, try again tomorrow")
	case errors.Is(err, ErrSpendingLimit):
		writeError(w, http.StatusPaymentRequired, "spending limit reached")
	case errors.Is(err, provider.ErrNotConfigured):
		var pErr *provider.Error
		errors.As(err, &pErr)
		writeError(w, http.StatusServiceUnavailable, "provider "+pErr.Provider+" is not configured")
	default:
		var pErr *provider.Error
		if errors.As(err, &pErr) {
			writeError(w, http.StatusBadGateway, pErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.usage.Get(userID))
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := identity.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
