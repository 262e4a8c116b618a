package server

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/huyyxy/memmachine/internal/store"
)

func (s *Server) handleIngestMessage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req struct {
		Content    string         `json:"content"`
		Metadata   map[string]any `json:"metadata"`
		Isolations map[string]any `json:"isolations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, `{"error":"content required"}`, http.StatusBadRequest)
		return
	}

	err := s.memory.IngestMessage(r.Context(), userID, req.Content, req.Metadata, store.Isolations(req.Isolations))
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	// Profile distillation runs on the background worker.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	isolations, err := isolationsFromQuery(r)
	if err != nil {
		http.Error(w, `{"error":"invalid isolations"}`, http.StatusBadRequest)
		return
	}

	prof, err := s.memory.GetProfile(r.Context(), userID, isolations)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"user_id": userID,
		"profile": prof,
	})
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	isolations, err := isolationsFromQuery(r)
	if err != nil {
		http.Error(w, `{"error":"invalid isolations"}`, http.StatusBadRequest)
		return
	}

	if err := s.memory.DeleteProfile(r.Context(), userID, isolations); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func (s *Server) handleAddFeature(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req struct {
		Feature    string         `json:"feature"`
		Value      string         `json:"value"`
		Tag        string         `json:"tag"`
		Metadata   map[string]any `json:"metadata"`
		Isolations map[string]any `json:"isolations"`
		Citations  []int64        `json:"citations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Feature == "" || req.Value == "" || req.Tag == "" {
		http.Error(w, `{"error":"feature, value, and tag required"}`, http.StatusBadRequest)
		return
	}

	err := s.memory.AddFeature(r.Context(), userID, req.Feature, req.Value, req.Tag,
		req.Metadata, store.Isolations(req.Isolations), req.Citations)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteFeature(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req struct {
		Feature    string         `json:"feature"`
		Tag        string         `json:"tag"`
		Value      *string        `json:"value"`
		Isolations map[string]any `json:"isolations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Feature == "" || req.Tag == "" {
		http.Error(w, `{"error":"feature and tag required"}`, http.StatusBadRequest)
		return
	}

	err := s.memory.DeleteFeature(r.Context(), userID, req.Feature, req.Tag,
		req.Value, store.Isolations(req.Isolations))
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req struct {
		Query         string         `json:"query"`
		Limit         int            `json:"limit"`
		MinSimilarity *float64       `json:"min_similarity"`
		MaxRange      *float64       `json:"max_range"`
		MaxStd        *float64       `json:"max_std"`
		Isolations    map[string]any `json:"isolations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, `{"error":"query required"}`, http.StatusBadRequest)
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	minCos := -1.0
	if req.MinSimilarity != nil {
		minCos = *req.MinSimilarity
	}
	maxRange := math.Inf(1)
	if req.MaxRange != nil {
		maxRange = *req.MaxRange
	}
	maxStd := math.Inf(1)
	if req.MaxStd != nil {
		maxStd = *req.MaxStd
	}

	entries, err := s.memory.SemanticSearch(r.Context(), userID, req.Query,
		limit, minCos, maxRange, maxStd, store.Isolations(req.Isolations))
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	type resultJSON struct {
		ID         int64            `json:"id"`
		Feature    string           `json:"feature"`
		Tag        string           `json:"tag"`
		Value      string           `json:"value"`
		Score      float64          `json:"score"`
		Citations  []int64          `json:"citations,omitempty"`
		Isolations store.Isolations `json:"isolations,omitempty"`
	}

	out := make([]resultJSON, len(entries))
	for i, e := range entries {
		score, _ := e.Metadata["similarity_score"].(float64)
		out[i] = resultJSON{
			ID:         e.ID,
			Feature:    e.Feature,
			Tag:        e.Tag,
			Value:      e.Value,
			Score:      score,
			Citations:  e.Citations,
			Isolations: e.Isolations,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"query":   req.Query,
		"count":   len(out),
		"results": out,
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	isolations, err := isolationsFromQuery(r)
	if err != nil {
		http.Error(w, `{"error":"invalid isolations"}`, http.StatusBadRequest)
		return
	}
	start, end, err := timeRangeFromQuery(r)
	if err != nil {
		http.Error(w, `{"error":"invalid time range"}`, http.StatusBadRequest)
		return
	}

	messages, err := s.memory.GetHistory(r.Context(), userID, start, end, isolations)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"user_id":  userID,
		"count":    len(messages),
		"messages": messages,
	})
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	isolations, err := isolationsFromQuery(r)
	if err != nil {
		http.Error(w, `{"error":"invalid isolations"}`, http.StatusBadRequest)
		return
	}
	start, end, err := timeRangeFromQuery(r)
	if err != nil {
		http.Error(w, `{"error":"invalid time range"}`, http.StatusBadRequest)
		return
	}

	if err := s.memory.DeleteHistory(r.Context(), userID, start, end, isolations); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := s.memory.DeleteAll(r.Context()); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

// isolationsFromQuery decodes the optional "isolations" query parameter,
// a JSON object such as {"group":"g1","session":"s1"}.
func isolationsFromQuery(r *http.Request) (store.Isolations, error) {
	raw := r.URL.Query().Get("isolations")
	if raw == "" {
		return nil, nil
	}
	var iso store.Isolations
	if err := json.Unmarshal([]byte(raw), &iso); err != nil {
		return nil, err
	}
	return iso, nil
}

// timeRangeFromQuery decodes the optional RFC 3339 "start" and "end" query
// parameters. Absent bounds are zero times, meaning unbounded.
func timeRangeFromQuery(r *http.Request) (start, end time.Time, err error) {
	if raw := r.URL.Query().Get("start"); raw != "" {
		start, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		end, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return start, end, nil
}
