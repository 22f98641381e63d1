package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/spider-engine/internal/crawler"
	"github.com/JakeFAU/spider-engine/internal/engine"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// status handles GET /v1/status and returns the full engine snapshot.
func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Snapshot())
}

// listSpiders handles GET /v1/spiders?state=&limit=&offset=. It returns
// {"spiders": [...]} ordered by name, or 400 for invalid query parameters.
func (s *Server) listSpiders(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var want *crawler.State
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		state, parseErr := parseState(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		want = &state
	}

	all := s.source.AgentStatuses()
	filtered := make([]engine.AgentStatus, 0, len(all))
	for _, a := range all {
		if want == nil || a.State == *want {
			filtered = append(filtered, a)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"spiders": page(filtered, limit, offset),
	})
}

// getSpider handles GET /v1/spiders/{name}. It returns {"spider": {...}} or 404.
func (s *Server) getSpider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	status, ok := s.source.AgentStatus(name)
	if !ok {
		writeError(w, http.StatusNotFound, "spider not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spider": status})
}

// listJobs handles GET /v1/jobs?spider=&limit=&offset=.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spider := strings.TrimSpace(r.URL.Query().Get("spider"))
	all := s.source.JobStatuses()
	filtered := make([]engine.JobStatus, 0, len(all))
	for _, job := range all {
		if spider == "" || job.Spider == spider {
			filtered = append(filtered, job)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs": page(filtered, limit, offset),
	})
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseState(input string) (crawler.State, error) {
	switch crawler.State(strings.ToLower(input)) {
	case crawler.StateIdle:
		return crawler.StateIdle, nil
	case crawler.StateRunning:
		return crawler.StateRunning, nil
	case crawler.StateStopped:
		return crawler.StateStopped, nil
	default:
		return "", errors.New("invalid state")
	}
}
