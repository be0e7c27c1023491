package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/marketkit/variantd/internal/apperr"
	"github.com/marketkit/variantd/internal/experiment"
	"github.com/marketkit/variantd/internal/results"
	"github.com/marketkit/variantd/internal/store"
)

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var def experiment.Definition
	if err := decodeJSON(w, r, &def); err != nil {
		s.fail(w, r, err)
		return
	}

	exp, err := s.deps.Registry.Create(r.Context(), def)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{Status: store.Status(q.Get("status"))}

	var err error
	if opts.Page, err = intParam(q.Get("page"), "page"); err != nil {
		s.fail(w, r, err)
		return
	}
	if opts.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		s.fail(w, r, err)
		return
	}

	page, err := s.deps.Registry.List(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.deps.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleUpdateExperiment(w http.ResponseWriter, r *http.Request) {
	var patch experiment.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.fail(w, r, err)
		return
	}

	exp, err := s.deps.Registry.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.deps.Registry.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handlePauseExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.deps.Registry.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleCompleteExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.deps.Analyzer.CompleteExperiment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// ResultsResponse is a report plus the auto-completion verdict.
type ResultsResponse struct {
	*results.Report
	ShouldAutoComplete bool `json:"should_auto_complete"`
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	exp, err := s.deps.Registry.Get(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.deps.Analyzer.ComputeResults(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ResultsResponse{
		Report:             report,
		ShouldAutoComplete: exp.Status == store.StatusActive && results.AutoCompleteDue(exp, report, time.Now()),
	})
}

func intParam(v, field string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation(field, "must be an integer")
	}
	return n, nil
}
