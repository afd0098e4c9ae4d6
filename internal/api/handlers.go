package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gitpulse/gitpulse/internal/analytics"
	"github.com/gitpulse/gitpulse/internal/models"
)

const dateLayout = "2006-01-02"

// rangeParams holds the repository and date-range selection shared by every
// analytics endpoint. End dates arrive inclusive and are widened to the next
// midnight so the range covers the whole final day.
type rangeParams struct {
	key    models.RangeKey
	author string
}

func (s *Server) parseRangeParams(r *http.Request) (rangeParams, error) {
	q := r.URL.Query()

	owner := q.Get("repo_owner")
	if owner == "" {
		owner = s.defaultOwner
	}
	name := q.Get("repo_name")
	if name == "" {
		name = s.defaultRepo
	}

	now := time.Now().UTC()
	start := now.AddDate(0, 0, -365).Truncate(24 * time.Hour)
	end := now.AddDate(0, 0, -1).Truncate(24 * time.Hour)

	if raw := q.Get("start_date"); raw != "" {
		parsed, err := time.ParseInLocation(dateLayout, raw, time.UTC)
		if err != nil {
			return rangeParams{}, fmt.Errorf("invalid start_date %q, expected YYYY-MM-DD", raw)
		}
		start = parsed
	}
	if raw := q.Get("end_date"); raw != "" {
		parsed, err := time.ParseInLocation(dateLayout, raw, time.UTC)
		if err != nil {
			return rangeParams{}, fmt.Errorf("invalid end_date %q, expected YYYY-MM-DD", raw)
		}
		end = parsed
	}

	if end.Before(start) {
		return rangeParams{}, fmt.Errorf("end_date must not be before start_date")
	}

	// Inclusive end of day: the stored range runs to the following midnight.
	key := models.NewRangeKey(owner, name, start, end.AddDate(0, 0, 1))
	return rangeParams{key: key, author: q.Get("author")}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		s.logger.WithError(err).Error("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "unhealthy",
			"database": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": "connected",
	})
}

func (s *Server) handleAuthors(w http.ResponseWriter, r *http.Request) {
	params, err := s.parseRangeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	authors, err := s.engine.Authors(r.Context(), params.key)
	if err != nil {
		s.logger.WithError(err).Error("listing authors failed")
		writeError(w, http.StatusInternalServerError, "failed to list authors")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"authors": authors,
		"count":   len(authors),
	})
}

// commitDTO is the wire shape for a single outlier commit.
type commitDTO struct {
	SHA          string  `json:"sha"`
	AuthorName   string  `json:"author_name"`
	AuthorDate   string  `json:"author_date"`
	MessageTitle string  `json:"message_title"`
	Additions    int     `json:"additions"`
	Deletions    int     `json:"deletions"`
	TotalChanges int     `json:"total_changes"`
	ZScore       float64 `json:"z_score"`
}

func (s *Server) handleDeviations(w http.ResponseWriter, r *http.Request) {
	params, err := s.parseRangeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	commits, err := s.engine.Outliers(r.Context(), params.key)
	if err != nil {
		s.logger.WithError(err).Error("computing deviations failed")
		writeError(w, http.StatusInternalServerError, "failed to compute deviations")
		return
	}

	dtos := make([]commitDTO, 0, len(commits))
	for _, c := range commits {
		var z float64
		if c.ZScore != nil {
			z = math.Round(*c.ZScore*100) / 100
		}
		dtos = append(dtos, commitDTO{
			SHA:          c.SHA,
			AuthorName:   c.AuthorName,
			AuthorDate:   c.AuthorDate.UTC().Format(time.RFC3339),
			MessageTitle: c.MessageTitle,
			Additions:    c.Additions,
			Deletions:    c.Deletions,
			TotalChanges: c.TotalChanges,
			ZScore:       z,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commits": dtos,
		"count":   len(dtos),
	})
}

func (s *Server) handleDayOfWeek(w http.ResponseWriter, r *http.Request) {
	params, err := s.parseRangeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	metric := models.MetricCommits
	if raw := r.URL.Query().Get("metric_type"); raw != "" {
		metric, err = models.ParseMetricType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	activity, err := s.engine.DayOfWeek(r.Context(), params.key, metric, params.author)
	if err != nil {
		s.logger.WithError(err).Error("computing day-of-week activity failed")
		writeError(w, http.StatusInternalServerError, "failed to compute day-of-week activity")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"metric":       string(metric),
		"author":       params.author,
		"day_activity": activity,
	})
}

func (s *Server) handleWordFrequencies(w http.ResponseWriter, r *http.Request) {
	params, err := s.parseRangeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := analytics.DefaultWordLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q, expected a positive integer", raw))
			return
		}
	}

	words, err := s.engine.WordFrequencies(r.Context(), params.key, limit)
	if err != nil {
		s.logger.WithError(err).Error("computing word frequencies failed")
		writeError(w, http.StatusInternalServerError, "failed to compute word frequencies")
		return
	}

	freqs := make(map[string]int, len(words))
	for _, wc := range words {
		freqs[wc.Word] = wc.Count
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"word_frequencies": freqs,
		"count":            len(freqs),
	})
}

type fetchRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	RepoOwner string `json:"repo_owner"`
	RepoName  string `json:"repo_name"`
	UseCache  *bool  `json:"use_cache"`
}

func (s *Server) handleFetchData(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	owner := req.RepoOwner
	if owner == "" {
		owner = s.defaultOwner
	}
	name := req.RepoName
	if name == "" {
		name = s.defaultRepo
	}

	now := time.Now().UTC()
	start := now.AddDate(0, 0, -365).Truncate(24 * time.Hour)
	end := now.AddDate(0, 0, -1).Truncate(24 * time.Hour)

	if req.StartDate != "" {
		parsed, err := time.ParseInLocation(dateLayout, req.StartDate, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid start_date %q, expected YYYY-MM-DD", req.StartDate))
			return
		}
		start = parsed
	}
	if req.EndDate != "" {
		parsed, err := time.ParseInLocation(dateLayout, req.EndDate, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid end_date %q, expected YYYY-MM-DD", req.EndDate))
			return
		}
		end = parsed
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end_date must not be before start_date")
		return
	}

	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}

	result := s.orchestrator.EnsureData(r.Context(), owner, name, start, end.AddDate(0, 0, 1), !useCache)

	status := "success"
	if !result.Success {
		status = "error"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"message":       result.Message,
		"repository":    fmt.Sprintf("%s/%s", owner, name),
		"start_date":    start.Format(dateLayout),
		"end_date":      end.Format(dateLayout),
		"commit_count":  result.CommitCount,
		"pages_fetched": result.PagesFetched,
		"cache_used":    result.CacheUsed,
	})
}
