package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// RequestIDHeader is set on every response. A request ID sent by the client
// is reused.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += n
	return n, err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil && current.GetName() != "" {
			route = current.GetName()
		}
		s.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()

		s.requestLogger(r).WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"route":    route,
			"status":   rec.status,
			"bytes":    rec.bytes,
			"duration": time.Since(start),
		}).Info("Handled request")
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestLogger(r *http.Request) log.FieldLogger {
	if id := requestID(r); id != "" {
		return s.log.WithField("requestId", id)
	}
	return s.log
}

// truncateSlice shortens long lists of paths before they're logged.
func truncateSlice(slc []string, length int) []string {
	if len(slc) <= length {
		return slc
	}
	truncated := append([]string{}, slc[:length]...)
	return append(truncated, fmt.Sprintf("... %d more ...", len(slc)-length))
}
