package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marketkit/variantd/internal/apperr"
	"github.com/marketkit/variantd/internal/store"
)

// handleSubmitEvents accepts one event object or an array of them. The whole
// request is validated before anything is buffered.
func (s *Server) handleSubmitEvents(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		s.fail(w, r, err)
		return
	}

	var batch []*store.Event
	body := bytes.TrimSpace(raw)
	if len(body) > 0 && body[0] == '[' {
		if err := strictUnmarshal(body, &batch); err != nil {
			s.fail(w, r, err)
			return
		}
	} else {
		var e store.Event
		if err := strictUnmarshal(body, &e); err != nil {
			s.fail(w, r, err)
			return
		}
		batch = []*store.Event{&e}
	}

	for i, e := range batch {
		if e == nil {
			s.fail(w, r, apperr.Validation("body", "event %d is null", i))
			return
		}
		if err := s.deps.Events.Validate(e); err != nil {
			s.fail(w, r, fmt.Errorf("event %d: %w", i, err))
			return
		}
	}
	for _, e := range batch {
		if err := s.deps.Ingestor.Submit(e); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(batch)})
}

func strictUnmarshal(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("body", "invalid JSON: %v", err)
	}
	return nil
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilter(r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	evs, err := s.deps.Events.Query(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if evs == nil {
		evs = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilter(r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	stats, err := s.deps.Events.Aggregate(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": stats})
}

// eventFilter parses the event query parameters. kind may be repeated or
// comma-separated; from and to are RFC 3339 timestamps.
func eventFilter(q url.Values) (store.EventFilter, error) {
	f := store.EventFilter{
		UserID:     q.Get("user_id"),
		SessionID:  q.Get("session_id"),
		ProductID:  q.Get("product_id"),
		SellerID:   q.Get("seller_id"),
		Experiment: q.Get("experiment"),
		Variant:    q.Get("variant"),
	}
	for _, v := range q["kind"] {
		for _, kind := range strings.Split(v, ",") {
			if kind = strings.TrimSpace(kind); kind != "" {
				f.Kinds = append(f.Kinds, kind)
			}
		}
	}

	var err error
	if f.Since, err = timeParam(q.Get("from"), "from"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(q.Get("to"), "to"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return f, err
	}
	return f, nil
}

func timeParam(v, field string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apperr.Validation(field, "must be an RFC 3339 timestamp")
	}
	return t, nil
}
