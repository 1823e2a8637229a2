package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/projecta/assistant/internal/chat"
)

type createMessageRequest struct {
	Content string `json:"content"`
}

type apiError struct {
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	items, err := s.chat.List(r.Context(), userID(r))
	if err != nil {
		log.Printf("list messages failed: %v", err)
		respondJSON(w, http.StatusInternalServerError, apiError{Message: "Database Error: Could not fetch messages", Detail: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondJSON(w, http.StatusBadRequest, apiError{Message: "Invalid request body", Detail: err.Error()})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondJSON(w, http.StatusBadRequest, apiError{Message: "Message content is required", Field: "content"})
		return
	}

	reply, err := s.chat.Send(r.Context(), userID(r), req.Content)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyContent) {
			respondJSON(w, http.StatusBadRequest, apiError{Message: "Message content is required", Field: "content"})
			return
		}
		respondJSON(w, http.StatusInternalServerError, apiError{Message: chat.UserMessage(err), Detail: err.Error()})
		return
	}
	respondJSON(w, http.StatusCreated, reply)
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.Clear(r.Context(), userID(r)); err != nil {
		log.Printf("clear messages failed: %v", err)
		respondJSON(w, http.StatusInternalServerError, apiError{Message: "Failed to clear messages", Detail: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
