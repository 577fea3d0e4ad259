package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/org/admingate/internal/auth"
	"github.com/rs/zerolog/log"
)

type createTokenRequest struct {
	Owner  string   `json:"owner"`
	Scopes []string `json:"scopes"`
}

// TokenCreateHandler handles POST /api/v1/tokens. The secret appears in
// this response only.
func (s *Server) TokenCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	issued, err := s.tokens.Issue(r.Context(), req.Owner, req.Scopes)
	if err != nil {
		s.writeTokenError(w, err)
		return
	}
	s.refreshTokenGauge(r.Context())

	log.Info().
		Str("request_id", requestIDFromCtx(r.Context())).
		Str("token_id", issued.ID).
		Str("owner", issued.Owner).
		Strs("scopes", issued.Scopes).
		Msg("token issued")
	writeData(w, http.StatusCreated, issued)
}

// TokenListHandler handles GET /api/v1/tokens
func (s *Server) TokenListHandler(w http.ResponseWriter, r *http.Request) {
	views, err := s.tokens.List(r.Context())
	if err != nil {
		s.writeTokenError(w, err)
		return
	}
	writeData(w, http.StatusOK, views)
}

// TokenGetHandler handles GET /api/v1/tokens/{id}
func (s *Server) TokenGetHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.tokens.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeTokenError(w, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

// TokenRevokeHandler handles POST /api/v1/tokens/{id}/revoke. Revoking an
// already revoked token succeeds and leaves it unchanged.
func (s *Server) TokenRevokeHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.tokens.Revoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeTokenError(w, err)
		return
	}
	s.refreshTokenGauge(r.Context())

	log.Info().
		Str("request_id", requestIDFromCtx(r.Context())).
		Str("token_id", view.ID).
		Msg("token revoked")
	writeData(w, http.StatusOK, view)
}

func (s *Server) writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, http.StatusNotFound, "token not found")
	default:
		log.Error().Err(err).Msg("token operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
