package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"plancal/internal/config"
	"plancal/internal/ics"
	appLog "plancal/internal/log"
	"plancal/internal/model"
	"plancal/internal/pipeline"
)

const eventsCacheTTL = 30 * time.Second

// Upper bounds of the /api/events window, in days.
const (
	maxEventsDays     = 366
	maxEventsBackfill = 366
)

// Server publishes the configured calendars as iCalendar feeds and a JSON
// occurrence API.
type Server struct {
	cfg    *config.Config
	conv   *pipeline.Converter
	router *mux.Router
	now    func() time.Time

	// In-memory cache for /api/events responses to avoid redundant
	// load/parse/expand work on every HTTP request.
	eventsMu    sync.RWMutex
	eventsCache map[eventsKey]*eventsCache
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, conv *pipeline.Converter) *Server {
	s := &Server{
		cfg:         cfg,
		conv:        conv,
		router:      mux.NewRouter(),
		now:         time.Now,
		eventsCache: make(map[eventsKey]*eventsCache),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="plancal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func StartServer(ctx context.Context, cfg *config.Config, conv *pipeline.Converter) error {
	s := NewServer(cfg, conv)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen, "calendars", len(cfg.Calendars))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	s.router.HandleFunc("/calendars/{name}.ics", s.handleFeed).Methods(http.MethodGet, http.MethodHead)
	s.router.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleFeed converts the named calendar on request and returns it as a
// subscription feed.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	calCfg, ok := s.cfg.Calendar(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown calendar")
		return
	}

	cal, err := s.conv.Convert(r.Context(), pipeline.Job{Name: calCfg.Name, Source: calCfg.Source})
	if err != nil {
		appLog.Error("feed: conversion failed", err, "calendar", name)
		writeError(w, http.StatusBadGateway, "failed to convert calendar")
		return
	}

	body := cal.Serialize()
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="`+name+`.ics"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte(body))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Occurrences     []occurrenceDTO `json:"occurrences"`
	TruncatedUIDs   []string        `json:"truncated_uids,omitempty"`
	FailedCalendars []string        `json:"failed_calendars,omitempty"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	DisplayTimeZone string          `json:"display_timezone"`
}

type eventsKey struct {
	days     int
	backfill int
}

// eventsCache holds a cached /api/events response and its timestamp.
type eventsCache struct {
	resp      eventsResponse
	updatedAt time.Time
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	Calendar    string    `json:"calendar"`
	UID         string    `json:"uid"`
	InstanceKey string    `json:"instance_key"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// handleEvents returns expanded occurrences of every configured calendar
// within a requested time window.
//
// GET /api/events?days=7&backfill=1
//   - days:     how many days ahead to include (default 7, at most 366)
//   - backfill: how many past days to include (default 1, at most 366)
//
// The display timezone is config.Timezone, or time.Local when invalid.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	days = min(days, maxEventsDays)
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}
	backfill = min(backfill, maxEventsBackfill)
	key := eventsKey{days: days, backfill: backfill}

	cacheNow := s.now()
	s.eventsMu.RLock()
	ec := s.eventsCache[key]
	s.eventsMu.RUnlock()
	if ec != nil && cacheNow.Sub(ec.updatedAt) < eventsCacheTTL {
		writeJSON(w, http.StatusOK, ec.resp)
		return
	}

	loc := resolveLocationOrLocal(s.cfg.Timezone)
	now := cacheNow.In(loc)
	rangeStart := now.AddDate(0, 0, -backfill)
	rangeEnd := now.AddDate(0, 0, days)

	appLog.Info("api events request",
		"days", days,
		"backfill", backfill,
		"range_start", rangeStart.Format(time.RFC3339),
		"range_end", rangeEnd.Format(time.RFC3339),
		"timezone", loc.String(),
	)

	jobs := make([]pipeline.Job, 0, len(s.cfg.Calendars))
	for _, c := range s.cfg.Calendars {
		jobs = append(jobs, pipeline.Job{Name: c.Name, Source: c.Source})
	}

	resp := eventsResponse{
		Occurrences:     []occurrenceDTO{},
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: loc.String(),
	}
	for _, res := range s.conv.ConvertAll(ctx, jobs) {
		if res.Err != nil {
			resp.FailedCalendars = append(resp.FailedCalendars, res.Job.Name)
			continue
		}
		expanded, err := ics.ExpandOccurrences(res.Calendar.Exported(), ics.ExpandConfig{
			Calendar:               res.Job.Name,
			DisplayLocation:        loc,
			RangeStart:             rangeStart,
			RangeEnd:               rangeEnd,
			MaxOccurrencesPerEvent: 5000,
		})
		if err != nil {
			appLog.Error("api events: expand failed", err, "calendar", res.Job.Name)
			writeError(w, http.StatusInternalServerError, "failed to expand events")
			return
		}
		resp.TruncatedUIDs = append(resp.TruncatedUIDs, expanded.TruncatedEvents...)
		for _, occ := range expanded.Occurrences {
			resp.Occurrences = append(resp.Occurrences, toDTO(occ))
		}
	}
	sort.SliceStable(resp.Occurrences, func(i, j int) bool {
		return resp.Occurrences[i].Start.Before(resp.Occurrences[j].Start)
	})

	// Partial failures are not cached so the next request retries them.
	if len(resp.FailedCalendars) == 0 {
		s.eventsMu.Lock()
		s.evictExpiredLocked(cacheNow)
		s.eventsCache[key] = &eventsCache{resp: resp, updatedAt: cacheNow}
		s.eventsMu.Unlock()
	}

	writeJSON(w, http.StatusOK, resp)
}

// evictExpiredLocked drops cached responses older than the TTL. The caller
// holds eventsMu.
func (s *Server) evictExpiredLocked(now time.Time) {
	for k, ec := range s.eventsCache {
		if now.Sub(ec.updatedAt) >= eventsCacheTTL {
			delete(s.eventsCache, k)
		}
	}
}

func toDTO(occ model.Occurrence) occurrenceDTO {
	return occurrenceDTO{
		Calendar:    occ.Calendar,
		UID:         occ.UID,
		InstanceKey: occ.InstanceKey,
		Summary:     occ.Summary,
		Description: occ.Description,
		Location:    occ.Location,
		AllDay:      occ.AllDay,
		Start:       occ.Start,
		End:         occ.End,
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
