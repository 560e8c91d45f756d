package server

import (
	"net/http"

	"github.com/me/rollupd/pkg/model"
)

type loadRequest struct {
	Query           model.QueryRequest `json:"query"`
	SecurityContext map[string]any     `json:"securityContext"`
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req loadRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	if len(req.Query.Measures) == 0 && len(req.Query.Dimensions) == 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("empty query",
				model.FieldError{Field: "query", Message: "at least one measure or dimension is required"}))
		return
	}

	rc := &model.RequestContext{RequestID: reqID, SecurityContext: req.SecurityContext}
	res, err := s.core.Load(r.Context(), rc, req.Query)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, res)
}

type connectionsResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleTestConnections(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if err := s.core.TestConnections(r.Context()); err != nil {
		respondError(w, reqID, http.StatusServiceUnavailable,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	respondOK(w, reqID, connectionsResponse{Status: "ok"})
}
