package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/3leaps/gojobs/pkg/job"
	"github.com/3leaps/gojobs/pkg/profile"
)

// VersionInfo is the body of /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// VersionHandler serves build metadata.
func VersionHandler(info VersionInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, info)
	}
}

// StatsSource is what the job endpoints read from; *job.JobSystem
// implements it.
type StatsSource interface {
	Stats() job.Stats
	Monitor() *job.Monitor
}

// StatsHandler serves a snapshot of the job system.
func StatsHandler(src StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			respondWithError(w, r, job.ErrShutdown)
			return
		}
		writeJSON(w, http.StatusOK, src.Stats())
	}
}

// ProfileResponse is the body of /profile. Durations are in microseconds,
// the resolution of the profile file.
type ProfileResponse struct {
	Labels map[string]int64 `json:"labels"`
}

// ProfileHandler serves the measured job durations. The optional match
// query parameter filters labels with a glob pattern.
func ProfileHandler(src StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			respondWithError(w, r, job.ErrShutdown)
			return
		}
		p := src.Monitor().Profile()
		if pattern := r.URL.Query().Get("match"); pattern != "" {
			var err error
			if p, err = p.Filter(pattern); err != nil {
				respondWithError(w, r, err)
				return
			}
		}
		resp := ProfileResponse{Labels: make(map[string]int64, len(p))}
		for label, d := range p {
			resp.Labels[label] = int64(d / profile.Resolution)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
