// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/workerhost/internal/buildinfo"
)

// Status reports live worker host state.  Fields are sampled at request
// time via the callbacks passed to Handler.
type Status struct {
	TransportStarted func() bool
	ChannelCount     func() int
}

// Response represents the health check response body.
type Response struct {
	Status           string    `json:"status"`
	ServiceName      string    `json:"service_name"`
	Version          string    `json:"version"`
	Commit           string    `json:"commit"`
	BuildTime        string    `json:"build_time"`
	GoVersion        string    `json:"go_version"`
	OS               string    `json:"os"`
	Architecture     string    `json:"architecture"`
	Launcher         string    `json:"launcher"`
	TransportStarted bool      `json:"transport_started"`
	ChannelCount     int       `json:"channel_count"`
	Timestamp        time.Time `json:"timestamp"`
}

// Handler responds to health check requests.  It reports build info,
// the configured worker launcher, and the current transport/channel
// state.  The status is always "healthy" (200 OK): this is a liveness
// check, and a host running without its transport is degraded, not dead.
func Handler(launcher string, status Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  "workerhost",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Launcher:     launcher,
			Timestamp:    time.Now().UTC(),
		}
		if status.TransportStarted != nil {
			response.TransportStarted = status.TransportStarted()
		}
		if status.ChannelCount != nil {
			response.ChannelCount = status.ChannelCount()
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
