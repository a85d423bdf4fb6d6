// Package httpapi serves the read-only query surface: klines, store
// stats, health and Prometheus metrics. It owns no fetch logic; every
// request goes through the Manager.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/candlekeep/klinevault"
	"github.com/candlekeep/klinevault/internal/fcperr"
)

// Server handles the API routes for one Manager.
type Server struct {
	mgr *klinevault.Manager
	log zerolog.Logger
}

func New(mgr *klinevault.Manager, log zerolog.Logger) *Server {
	return &Server{mgr: mgr, log: log.With().Str("component", "httpapi").Logger()}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.access)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/klines", s.handleKlines).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", s.mgr.Metrics().Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := klinevault.Query{
		Market:   q.Get("market"),
		Symbol:   q.Get("symbol"),
		Interval: q.Get("interval"),
	}
	if query.Market == "" {
		query.Market = "spot"
	}

	var err error
	if query.Start, err = parseTime(q.Get("start")); err != nil {
		s.writeError(w, fcperr.New(fcperr.KindUserInput, "httpapi.klines", "start: %v", err))
		return
	}
	if query.End, err = parseTime(q.Get("end")); err != nil {
		s.writeError(w, fcperr.New(fcperr.KindUserInput, "httpapi.klines", "end: %v", err))
		return
	}

	var opts []klinevault.QueryOption
	if flag(q, "no_cache") {
		opts = append(opts, klinevault.WithoutCache())
	}
	if src := q.Get("source"); src != "" {
		opts = append(opts, klinevault.WithSource(src))
	}
	if policy := q.Get("future_date_policy"); policy != "" {
		opts = append(opts, klinevault.WithFutureDatePolicy(policy))
	}
	if flag(q, "forming") {
		opts = append(opts, klinevault.WithFormingBar())
	}

	f, rep, err := s.mgr.GetWithReport(r.Context(), query, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := klinesResponse{
		Market:   f.Market.String(),
		Symbol:   f.Symbol,
		Interval: f.Interval.String(),
		Rows:     f.Len(),
		Klines:   rowsDTO(f, flag(q, "source_info")),
	}
	if flag(q, "report") {
		resp.Report = reportDTOOf(rep)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st, err := s.mgr.Stats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statsResponse{Cache: st.Cache, Budgets: st.Budgets})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if store := s.mgr.Store(); store != nil {
		if _, err := os.Stat(store.Root()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable,
				map[string]string{"status": "degraded", "reason": "cache root unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseTime accepts RFC 3339, a bare UTC date, or unix milliseconds.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

func flag(q url.Values, name string) bool {
	v, err := strconv.ParseBool(q.Get(name))
	return err == nil && v
}

func statusOf(kind fcperr.Kind) int {
	switch kind {
	case fcperr.KindUserInput:
		return http.StatusBadRequest
	case fcperr.KindRateLimited:
		return http.StatusTooManyRequests
	case fcperr.KindCancelled:
		return http.StatusServiceUnavailable
	case fcperr.KindSchema, fcperr.KindIntegrity:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := fcperr.KindOf(err)
	body := errorResponse{}
	body.Error.Kind = string(kind)
	body.Error.Message = err.Error()

	var fe *fcperr.Error
	if errors.As(err, &fe) {
		body.Error.Op = fe.Op
		body.Error.Details = fe.Details
	}
	var rl *fcperr.RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
	}
	s.writeJSON(w, statusOf(kind), body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

// access logs one line per request.
func (s *Server) access(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(started)).
			Msg("request served")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
