package server

import (
	"net/http"

	"github.com/me/rollupd/pkg/model"
)

type preAggregationsRequest struct {
	model.PreAggregationsQueryingOptions
	SecurityContext map[string]any `json:"securityContext"`
}

func (s *Server) decodePreAggregations(w http.ResponseWriter, r *http.Request, reqID string) (*preAggregationsRequest, bool) {
	var req preAggregationsRequest
	if !decodeBody(w, r, reqID, &req) {
		return nil, false
	}
	if len(req.PreAggregations) == 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "preAggregations", Message: "at least one pre-aggregation is required"}))
		return nil, false
	}
	for _, sel := range req.PreAggregations {
		if sel.ID == "" {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("missing required field",
					model.FieldError{Field: "preAggregations.id", Message: "id is required"}))
			return nil, false
		}
	}
	return &req, true
}

func (s *Server) handlePreAggregationPartitions(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	req, ok := s.decodePreAggregations(w, r, reqID)
	if !ok {
		return
	}

	rc := &model.RequestContext{RequestID: reqID, SecurityContext: req.SecurityContext}
	plans, err := s.core.PreAggregationPartitions(r.Context(), rc, req.PreAggregationsQueryingOptions)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, plans)
}

type buildResponse struct {
	// Finished is false when the build continues in the background.
	Finished bool `json:"finished"`
}

func (s *Server) handleBuildPreAggregations(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	req, ok := s.decodePreAggregations(w, r, reqID)
	if !ok {
		return
	}

	rc := &model.RequestContext{RequestID: reqID, SecurityContext: req.SecurityContext}
	if err := s.core.BuildPreAggregations(r.Context(), rc, req.PreAggregationsQueryingOptions); err != nil {
		respondErr(w, reqID, err)
		return
	}
	if !req.ThrowErrors {
		respondAccepted(w, reqID, buildResponse{Finished: false})
		return
	}
	respondOK(w, reqID, buildResponse{Finished: true})
}

type jobsResponse struct {
	Tokens []string `json:"tokens"`
}

func (s *Server) handlePostBuildJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	req, ok := s.decodePreAggregations(w, r, reqID)
	if !ok {
		return
	}

	rc := &model.RequestContext{RequestID: reqID, SecurityContext: req.SecurityContext}
	tokens, err := s.core.PostBuildJobs(r.Context(), rc, req.PreAggregationsQueryingOptions)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondAccepted(w, reqID, jobsResponse{Tokens: tokens})
}

type jobsStatusRequest struct {
	Tokens          []string       `json:"tokens"`
	SecurityContext map[string]any `json:"securityContext"`
}

func (s *Server) handleBuildJobsStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req jobsStatusRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	if len(req.Tokens) == 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "tokens", Message: "at least one token is required"}))
		return
	}

	rc := &model.RequestContext{RequestID: reqID, SecurityContext: req.SecurityContext}
	jobs, err := s.core.GetCachedBuildJobs(r.Context(), rc, req.Tokens)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, jobs)
}
