package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"rollcall/internal/clock"
	"rollcall/internal/config"
	apperrors "rollcall/internal/errors"
	"rollcall/internal/ics"
	appLog "rollcall/internal/log"
	"rollcall/internal/model"
	"rollcall/internal/storage"
)

// Feed is the read-only data the server publishes.
type Feed interface {
	GetEvent(ctx context.Context, id string) (model.Event, error)
	ListEvents(ctx context.Context, kind model.EventKind) ([]model.Event, error)
	ListOccurrences(ctx context.Context, eventID string, from, to time.Time) ([]model.Occurrence, error)
}

// Server provides read-only HTTP access to events and their occurrences.
// Attendance is never exposed here.
type Server struct {
	cfg   *config.Config
	feed  Feed
	clock clock.Clock
	mux   *http.ServeMux

	// Short-lived cache of rendered calendars keyed by request URL, so a
	// burst of subscribers polling the same feed hits the store once.
	cacheMu sync.RWMutex
	cache   map[string]cachedCalendar
}

type cachedCalendar struct {
	body      string
	updatedAt time.Time
}

const calendarCacheTTL = 30 * time.Second

// NewServer constructs a new Server. A nil clock means the system clock.
func NewServer(cfg *config.Config, feed Feed, clk clock.Clock) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if clk == nil {
		clk = clock.System{}
	}
	s := &Server{
		cfg:   cfg,
		feed:  feed,
		clock: clk,
		mux:   http.NewServeMux(),
		cache: make(map[string]cachedCalendar),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
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
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
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
		// /health 는 항상 무인증으로 노출한다.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="rollcall", charset="UTF-8"`)
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

// ListenAndServe serves on cfg.Listen until ctx is canceled, then shuts down
// gracefully within the given grace period.
func (s *Server) ListenAndServe(ctx context.Context, grace time.Duration) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
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
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/events/{id}/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("GET /api/events/{id}/calendar.ics", s.handleCalendar)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventDTO is a JSON-friendly view of an event definition.
type eventDTO struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Kind        string     `json:"kind"`
	Timezone    string     `json:"timezone"`
	Capacity    int        `json:"capacity"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	ID      string    `json:"id"`
	EventID string    `json:"event_id"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Status  string    `json:"status"`
}

type occurrencesResponse struct {
	Event       eventDTO        `json:"event"`
	Occurrences []occurrenceDTO `json:"occurrences"`
}

// handleEvents lists event definitions.
//
// GET /api/events?kind=recurring
//   - kind: single | recurring (기본: 전체)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	kind := model.EventKind(r.URL.Query().Get("kind"))
	if kind != "" && kind != model.EventSingle && kind != model.EventRecurring {
		writeError(w, http.StatusBadRequest, "unknown event kind")
		return
	}
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	events, err := s.feed.ListEvents(ctx, kind)
	if err != nil {
		s.writeFailure(w, storage.Failure(ctx, "list events", err))
		return
	}
	dtos := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, toEventDTO(ev))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// handleOccurrences returns an event's occurrences as JSON.
//
// GET /api/events/{id}/occurrences?from=2024-01-01&to=2024-01-31
//   - from, to: inclusive dates in the event's timezone; either may be omitted.
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	ev, occs, err := s.load(ctx, r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	resp := occurrencesResponse{Event: toEventDTO(ev), Occurrences: make([]occurrenceDTO, 0, len(occs))}
	for _, occ := range occs {
		resp.Occurrences = append(resp.Occurrences, occurrenceDTO{
			ID:      occ.ID,
			EventID: occ.EventID,
			Start:   occ.Start,
			End:     occ.End,
			Status:  string(occ.Status),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCalendar serves an event's occurrences as an iCalendar feed.
//
// GET /api/events/{id}/calendar.ics?from=2024-01-01&to=2024-01-31
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	key := r.URL.String()
	now := s.clock.Now()

	s.cacheMu.RLock()
	cc, ok := s.cache[key]
	s.cacheMu.RUnlock()
	if ok && now.Sub(cc.updatedAt) < calendarCacheTTL {
		writeCalendar(w, cc.body)
		return
	}

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	ev, occs, err := s.load(ctx, r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	body := ics.Encode(ev, occs, now)

	s.cacheMu.Lock()
	for k, v := range s.cache {
		if now.Sub(v.updatedAt) >= calendarCacheTTL {
			delete(s.cache, k)
		}
	}
	s.cache[key] = cachedCalendar{body: body, updatedAt: now}
	s.cacheMu.Unlock()

	writeCalendar(w, body)
}

// load resolves the {id} path value and the from/to query window.
func (s *Server) load(ctx context.Context, r *http.Request) (model.Event, []model.Occurrence, error) {
	id := r.PathValue("id")
	ev, err := s.feed.GetEvent(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Event{}, nil, apperrors.WithMetadata(apperrors.CodeNotFound, "event not found",
				map[string]string{"event_id": id})
		}
		return model.Event{}, nil, storage.Failure(ctx, "get event", err)
	}

	from, to, err := parseWindow(ev, r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		return model.Event{}, nil, err
	}
	occs, err := s.feed.ListOccurrences(ctx, ev.ID, from, to)
	if err != nil {
		return model.Event{}, nil, storage.Failure(ctx, "list occurrences", err)
	}
	return ev, occs, nil
}

// parseWindow turns inclusive calendar dates into [from, to) instants in the
// event's timezone. Empty values leave that side open.
func parseWindow(ev model.Event, fromStr, toStr string) (time.Time, time.Time, error) {
	loc, err := ev.Location()
	if err != nil {
		return time.Time{}, time.Time{}, apperrors.Wrap(apperrors.CodeValidation, "event timezone", err)
	}
	var from, to time.Time
	if fromStr != "" {
		d, err := model.ParseDate(fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, apperrors.Wrap(apperrors.CodeValidation, "invalid from date", err)
		}
		from = d.Midnight(loc)
	}
	if toStr != "" {
		d, err := model.ParseDate(toStr)
		if err != nil {
			return time.Time{}, time.Time{}, apperrors.Wrap(apperrors.CodeValidation, "invalid to date", err)
		}
		to = d.AddDays(1).Midnight(loc)
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return time.Time{}, time.Time{}, apperrors.New(apperrors.CodeValidation, "from must not be after to")
	}
	return from, to, nil
}

func (s *Server) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StorageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.StorageTimeout)
}

func toEventDTO(ev model.Event) eventDTO {
	dto := eventDTO{
		ID:          ev.ID,
		Title:       ev.Title,
		Description: ev.Description,
		Kind:        string(ev.Kind),
		Timezone:    ev.Timezone,
		Capacity:    ev.Capacity,
	}
	if ev.Kind == model.EventSingle {
		start, end := ev.Start, ev.End
		dto.Start, dto.End = &start, &end
	}
	return dto
}

// writeFailure maps a domain error to an HTTP status.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	switch code {
	case apperrors.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case apperrors.CodeValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case apperrors.CodeTransientStorage:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		appLog.Error("feed request failed", err, "code", code)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeCalendar(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
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
