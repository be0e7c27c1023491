package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketkit/variantd/internal/apperr"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// requestID propagates X-Request-ID, generating one when absent.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored in ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error("panic in handler",
					zap.Any("panic", v), zap.String("path", r.URL.Path), zap.String("request_id", RequestID(r.Context())))
				writeError(w, r, http.StatusInternalServerError, "internal server error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// cors allows any origin on the public storefront endpoints.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		next.ServeHTTP(w, r)
	})
}

func chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message, field string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		Field:     field,
		RequestID: RequestID(r.Context()),
	})
}

// fail maps a core error onto a status code. Unexpected errors are logged
// and reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *apperr.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, r, http.StatusBadRequest, err.Error(), ve.Field)
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, apperr.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error(), "")
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal server error", "")
	}
}

// decodeJSON reads a JSON body into dst, reporting malformed input as a
// validation error on "body".
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("body", "invalid JSON: %v", err)
	}
	return nil
}

const maxBodyBytes = 1 << 20
