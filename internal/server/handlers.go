package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/marketkit/variantd/internal/apperr"
	"github.com/marketkit/variantd/internal/assign"
)

type HealthResponse struct {
	Status             string  `json:"status"`
	ActiveExperiments  int     `json:"active_experiments"`
	PendingEvents      int     `json:"pending_events"`
	SnapshotAgeSeconds float64 `json:"snapshot_age_seconds"`
	UptimeSeconds      int64   `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:             "ok",
		ActiveExperiments:  len(s.deps.Registry.Active()),
		PendingEvents:      s.deps.Ingestor.Pending(),
		SnapshotAgeSeconds: s.deps.Registry.SnapshotAge().Seconds(),
		UptimeSeconds:      int64(time.Since(s.startTime).Seconds()),
	}

	status := http.StatusOK
	if err := s.deps.DB.Ping(ctx); err != nil {
		response.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// unitFromQuery reads the identity and targeting attributes of a public
// request. Exactly one of user_id and session_id must be present.
func unitFromQuery(r *http.Request) (assign.Unit, assign.Attributes, error) {
	q := r.URL.Query()
	unit := assign.Unit{UserID: q.Get("user_id"), SessionID: q.Get("session_id")}
	if err := unit.Validate(); err != nil {
		return assign.Unit{}, assign.Attributes{}, err
	}

	origin := q.Get("origin")
	if origin == "" {
		origin = r.Header.Get("Origin")
	}
	attrs := assign.Attributes{
		Segment:    q.Get("segment"),
		Category:   q.Get("category"),
		SellerID:   q.Get("seller_id"),
		OrderValue: q.Get("order_value"),
		UserAgent:  r.UserAgent(),
		Origin:     origin,
		Referrer:   r.Referer(),
	}
	return unit, attrs, nil
}

// VariantResponse is the reply of the variant endpoint. Assigned is false
// when the caller should serve its default experience.
type VariantResponse struct {
	Assigned   bool            `json:"assigned"`
	Experiment string          `json:"experiment,omitempty"`
	Variant    string          `json:"variant,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
	Sticky     bool            `json:"sticky,omitempty"`
}

func (s *Server) handleVariant(w http.ResponseWriter, r *http.Request) {
	unit, attrs, err := unitFromQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	a, ok := s.deps.Engine.GetVariant(r.Context(), r.PathValue("name"), unit, attrs)
	if !ok {
		writeJSON(w, http.StatusOK, VariantResponse{})
		return
	}
	writeJSON(w, http.StatusOK, VariantResponse{
		Assigned:   true,
		Experiment: a.Experiment,
		Variant:    a.Variant,
		Config:     a.Config,
		Sticky:     a.Sticky,
	})
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	unit, attrs, err := unitFromQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.GetDisplayConfig(r.Context(), r.PathValue("productID"), unit, attrs))
}

// ConversionRequest reports an outcome for an assigned unit.
type ConversionRequest struct {
	Experiment string         `json:"experiment"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Kind       string         `json:"kind"`
	ProductID  string         `json:"product_id"`
	SellerID   string         `json:"seller_id"`
	AddonID    string         `json:"addon_id"`
	Metadata   map[string]any `json:"metadata"`
}

func (s *Server) handleConversion(w http.ResponseWriter, r *http.Request) {
	var req ConversionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Experiment == "" {
		s.fail(w, r, apperr.Validation("experiment", "is required"))
		return
	}

	tracked, err := s.deps.Engine.TrackConversion(r.Context(), req.Experiment,
		assign.Unit{UserID: req.UserID, SessionID: req.SessionID},
		assign.Conversion{
			Kind:      req.Kind,
			ProductID: req.ProductID,
			SellerID:  req.SellerID,
			AddonID:   req.AddonID,
			Metadata:  req.Metadata,
		})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"tracked": tracked})
}
