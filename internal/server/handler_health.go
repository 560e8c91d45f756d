package server

import (
	"net/http"
	"runtime"
	"time"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

type healthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	GoVersion        string `json:"go_version"`
	Uptime           string `json:"uptime"`
	ScheduledRefresh string `json:"scheduled_refresh"`
	CacheDriver      string `json:"cache_driver"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	refresh := "disabled"
	if s.config.ScheduledRefresh.Enabled {
		refresh = "every " + s.config.ScheduledRefresh.Timer.String()
	}
	respondOK(w, reqID, healthResponse{
		Status:           "healthy",
		Version:          Version,
		GoVersion:        runtime.Version(),
		Uptime:           time.Since(s.startTime).Round(time.Second).String(),
		ScheduledRefresh: refresh,
		CacheDriver:      s.config.Cache.Driver,
	})
}
