package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "rollupd API",
		Version:     "v1",
		Description: "Pre-aggregation refresh scheduling and query execution",
		Endpoints: []endpointInfo{
			{"/api/v1/refresh/run", []string{"POST"}, "Run one scheduled refresh for a security context"},
			{"/api/v1/refresh/runs", []string{"GET"}, "List recorded scheduled refresh runs"},
			{"/api/v1/refresh/runs/{id}", []string{"GET"}, "Single refresh run"},
			{"/api/v1/pre-aggregations/partitions", []string{"POST"}, "Plan the partitions of selected pre-aggregations"},
			{"/api/v1/pre-aggregations/build", []string{"POST"}, "Build selected partitions with their dependencies"},
			{"/api/v1/pre-aggregations/jobs", []string{"POST"}, "Post background build jobs. Returns one token per partition"},
			{"/api/v1/pre-aggregations/jobs/status", []string{"POST"}, "Status of posted build jobs"},
			{"/api/v1/connections/test", []string{"POST"}, "Test the connections of every cached orchestrator"},
			{"/api/v1/load", []string{"POST"}, "Compile and run a query. Returns 202 with a stage while it is still running"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/metrics", []string{"GET"}, "Prometheus metrics"},
		},
	})
}
