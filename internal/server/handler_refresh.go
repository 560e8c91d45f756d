package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/rollupd/pkg/model"
)

type runRefreshRequest struct {
	model.ScheduledRefreshOptions
	SecurityContext map[string]any `json:"securityContext"`
	AuthInfo        map[string]any `json:"authInfo"`
}

func (s *Server) handleRunScheduledRefresh(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req runRefreshRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	for i, idx := range req.WorkerIndices {
		if idx < 0 || (req.Concurrency > 0 && idx >= req.Concurrency) {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid worker index",
					model.FieldError{Field: "workerIndices[" + strconv.Itoa(i) + "]", Message: "must be in [0, concurrency)"}))
			return
		}
	}

	rc := &model.RequestContext{RequestID: reqID, SecurityContext: req.SecurityContext, AuthInfo: req.AuthInfo}
	res, err := s.core.RunScheduledRefresh(r.Context(), rc, req.ScheduledRefreshOptions)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, res)
}

func (s *Server) handleListRefreshRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.DefaultListOptions()
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid limit", model.FieldError{Field: "limit", Message: err.Error()}))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid offset", model.FieldError{Field: "offset", Message: err.Error()}))
			return
		}
		opts.Offset = n
	}
	opts.Tenant = q.Get("tenant")
	opts.Clamp()

	runs, total, err := s.core.RefreshRuns(r.Context(), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondList(w, reqID, runs, model.NewPagination(total, opts))
}

func (s *Server) handleGetRefreshRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.core.RefreshRun(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("refresh run", id))
		return
	}
	respondOK(w, reqID, run)
}
