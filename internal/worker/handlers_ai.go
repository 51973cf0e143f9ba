package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/cohive/internal/assistant"
)

type aiRequest struct {
	Prompt string `json:"prompt"`
}

// handleAIResult runs a prompt outside of any room and returns the parsed
// envelope.
func (s *Service) handleAIResult(w http.ResponseWriter, r *http.Request) {
	var req aiRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	env, err := s.assistant.Ask(r.Context(), req.Prompt)
	switch {
	case errors.Is(err, assistant.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, "Prompt is required")
	case errors.Is(err, assistant.ErrPromptTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, assistant.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "AI request timed out")
	case err != nil:
		log.Error().Err(err).Msg("AI request failed")
		writeError(w, http.StatusBadGateway, "AI request failed")
	default:
		writeJSON(w, http.StatusOK, env)
	}
}
