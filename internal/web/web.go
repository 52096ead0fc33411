package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"daysync/internal/config"
	"daysync/internal/gcal"
	"daysync/internal/ics"
	appLog "daysync/internal/log"
	"daysync/internal/model"
	"daysync/internal/reconcile"
	"daysync/internal/schedule"
	"daysync/internal/store"
)

// maxBodyBytes bounds request bodies, including uploaded calendar files.
const maxBodyBytes = 10 << 20

// Syncer starts and stops remote poll sessions.
type Syncer interface {
	Start(userID, accessToken string) (string, error)
	Stop(userID string) bool
	Running(userID string) (string, bool)
}

// TokenStore forgets a user's remote access token on disconnect. Storing
// the token is the Syncer's job on Start.
type TokenStore interface {
	ClearToken(ctx context.Context, userID string) error
}

// Server provides the JSON API over the schedule service.
type Server struct {
	cfg    *config.Config
	svc    *schedule.Service
	tokens TokenStore
	sync   Syncer
	router *mux.Router
}

// NewServer constructs a new Server. sync may be nil when remote polling is
// disabled.
func NewServer(cfg *config.Config, svc *schedule.Service, tokens TokenStore, sync Syncer) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		tokens: tokens,
		sync:   sync,
		router: mux.NewRouter(),
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
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
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
			w.Header().Set("WWW-Authenticate", `Basic realm="daysync", charset="UTF-8"`)
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

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          appLog.StdError("http"),
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/users/{user}").Subrouter()
	api.Use(maxBody)
	api.HandleFunc("/timeline", s.handleTimeline).Methods(http.MethodGet)
	api.HandleFunc("/import/preview", s.handlePreview).Methods(http.MethodPost)
	api.HandleFunc("/import", s.handleImport).Methods(http.MethodPost)
	api.HandleFunc("/items", s.handleAddItem).Methods(http.MethodPost)
	api.HandleFunc("/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/complete", s.handleUncomplete).Methods(http.MethodDelete)
	api.HandleFunc("/sync", s.handleSyncStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync", s.handleSyncStart).Methods(http.MethodPost)
	api.HandleFunc("/sync", s.handleSyncStop).Methods(http.MethodDelete)
}

func maxBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// GET /api/users/{user}/timeline?date=YYYY-MM-DD
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	day, err := s.svc.Timeline(r.Context(), user, r.URL.Query().Get("date"))
	if err != nil {
		s.fail(w, "timeline", user, err)
		return
	}
	writeJSON(w, http.StatusOK, day)
}

// previewRequest picks one import source: an ICS body, an ICS URL, or the
// remote calendar (with an optional token, else the stored one).
type previewRequest struct {
	Date   string `json:"date"`
	Source string `json:"source"`
	ICS    string `json:"ics,omitempty"`
	URL    string `json:"url,omitempty"`
	Token  string `json:"token,omitempty"`
}

type previewResponse struct {
	schedule.Preview
	Empty bool `json:"empty"`
}

// POST /api/users/{user}/import/preview
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	var req previewRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var (
		p   schedule.Preview
		err error
	)
	switch req.Source {
	case "file", "":
		p, err = s.svc.PreviewFile(r.Context(), user, req.Date, []byte(req.ICS))
	case "url":
		p, err = s.svc.PreviewURL(r.Context(), user, req.Date, req.URL)
	case "remote":
		p, err = s.svc.PreviewRemote(r.Context(), user, req.Date, req.Token)
	default:
		writeError(w, http.StatusBadRequest, "source must be file, url or remote")
		return
	}
	if err != nil {
		s.fail(w, "preview", user, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{Preview: p, Empty: p.Empty()})
}

type importRequest struct {
	Date       string               `json:"date"`
	Candidates []model.TimelineItem `json:"candidates"`
	Selected   []int                `json:"selected"`
}

type importResponse struct {
	Added    int                  `json:"added"`
	Skipped  int                  `json:"skipped"`
	Timeline []model.TimelineItem `json:"timeline"`
}

// POST /api/users/{user}/import
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	var req importRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.svc.ImportItems(r.Context(), user, req.Date, req.Candidates, req.Selected)
	if err != nil {
		s.fail(w, "import", user, err)
		return
	}
	timeline := res.Timeline
	if timeline == nil {
		timeline = []model.TimelineItem{}
	}
	writeJSON(w, http.StatusOK, importResponse{Added: res.Added, Skipped: res.Skipped, Timeline: timeline})
}

type addItemRequest struct {
	Date string `json:"date"`
	schedule.ManualItem
}

// POST /api/users/{user}/items
func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	var req addItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	item, err := s.svc.AddManual(r.Context(), user, req.Date, req.ManualItem)
	if err != nil {
		s.fail(w, "add item", user, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// completeRequest completes either a timeline item by key or a task.
type completeRequest struct {
	Date string      `json:"date"`
	Key  string      `json:"key,omitempty"`
	Task *model.Task `json:"task,omitempty"`
}

// POST /api/users/{user}/complete
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	var req completeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var (
		ev  any
		err error
	)
	switch {
	case req.Task != nil:
		ev, err = s.svc.CompleteTask(r.Context(), user, req.Date, *req.Task)
	case req.Key != "":
		ev, err = s.svc.Complete(r.Context(), user, req.Date, req.Key)
	default:
		writeError(w, http.StatusBadRequest, "key or task is required")
		return
	}
	if err != nil {
		s.fail(w, "complete", user, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// DELETE /api/users/{user}/complete?date=&key=
func (s *Server) handleUncomplete(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	q := r.URL.Query()
	if q.Get("key") == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	removed, err := s.svc.Uncomplete(r.Context(), user, q.Get("date"), q.Get("key"))
	if err != nil {
		s.fail(w, "uncomplete", user, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

type syncStatus struct {
	Running bool   `json:"running"`
	Session string `json:"session,omitempty"`
}

// GET /api/users/{user}/sync
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusNotImplemented, "remote sync is disabled")
		return
	}
	id, ok := s.sync.Running(mux.Vars(r)["user"])
	writeJSON(w, http.StatusOK, syncStatus{Running: ok, Session: id})
}

type syncStartRequest struct {
	Token string `json:"token"`
}

// POST /api/users/{user}/sync
func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusNotImplemented, "remote sync is disabled")
		return
	}
	user := mux.Vars(r)["user"]
	var req syncStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	id, err := s.sync.Start(user, req.Token)
	if err != nil {
		s.fail(w, "sync start", user, err)
		return
	}
	writeJSON(w, http.StatusAccepted, syncStatus{Running: true, Session: id})
}

// DELETE /api/users/{user}/sync
func (s *Server) handleSyncStop(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusNotImplemented, "remote sync is disabled")
		return
	}
	user := mux.Vars(r)["user"]
	s.sync.Stop(user)
	if err := s.tokens.ClearToken(r.Context(), user); err != nil {
		s.fail(w, "sync stop", user, err)
		return
	}
	writeJSON(w, http.StatusOK, syncStatus{Running: false})
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, op, user string, err error) {
	var integrity *reconcile.IntegrityError
	switch {
	case ics.IsParseError(err):
		writeError(w, http.StatusUnprocessableEntity, "could not read this file")
	case errors.As(err, &integrity):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, schedule.ErrBadDate), errors.Is(err, store.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, schedule.ErrItemNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, schedule.ErrAlreadyCompleted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, schedule.ErrNoToken), gcal.IsAuth(err):
		writeError(w, http.StatusUnauthorized, "remote calendar authorization failed; reconnect")
	case errors.Is(err, schedule.ErrNoRemote):
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		var transient *gcal.TransientError
		if errors.As(err, &transient) {
			writeError(w, http.StatusBadGateway, "remote calendar unavailable")
			return
		}
		appLog.Error("api: "+op+" failed", err, "user", user)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// decodeBody decodes a JSON request body and writes a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
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
