package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/loadsync/credentials"
	"github.com/briangreenhill/loadsync/engine"
	"github.com/briangreenhill/loadsync/failure"
	appmw "github.com/briangreenhill/loadsync/internal/http/middleware"
	"github.com/briangreenhill/loadsync/internal/jobs"
	"github.com/briangreenhill/loadsync/queue"
	"github.com/briangreenhill/loadsync/repository"
	"github.com/briangreenhill/loadsync/syncer"
)

const maxBody = 1 << 20

// Engine is what the control API drives
type Engine interface {
	Status(ctx context.Context) (engine.Status, error)
	Sync(ctx context.Context) (syncer.Report, bool)
	Read(ctx context.Context, resource, id string) (repository.ReadResult, error)
	List(ctx context.Context, resource string, query url.Values) (repository.ReadResult, error)
	Write(ctx context.Context, resource string, ch repository.Change) (repository.WriteResult, error)
	Login(ctx context.Context, c credentials.Credential) error
	Logout(ctx context.Context) error
	Session(ctx context.Context) (credentials.Credential, bool)
	Registry() *repository.Registry
}

type Server struct {
	Router *chi.Mux
	Engine Engine
	Tasks  *asynq.Client // optional; enables POST /sync?async=true
	Log    zerolog.Logger
	Now    func() time.Time
}

type ServerOptions struct {
	Engine Engine
	Tasks  *asynq.Client
	Logger zerolog.Logger
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().Str("method", r.Method).Stringer("url", r.URL).
			Int("status", status).Int("size", size).Dur("duration", d).Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, Engine: opts.Engine, Tasks: opts.Tasks, Log: opts.Logger, Now: time.Now}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})
	r.Get("/status", s.handleStatus)
	r.Post("/session", s.handleLogin)
	r.Delete("/session", s.handleLogout)

	r.Group(func(pr chi.Router) {
		pr.Use(appmw.RequireSession(s.subject))
		pr.Post("/sync", s.handleSync)
		pr.Route("/resources/{type}", func(rr chi.Router) {
			rr.Get("/", s.handleCollection)
			rr.Post("/", s.handleWrite)
			rr.Patch("/", s.handleWrite)
			rr.Put("/", s.handleWrite)
			rr.Delete("/", s.handleWrite)
			rr.Get("/{id}", s.handleGet)
			rr.Patch("/{id}", s.handleWrite)
			rr.Put("/{id}", s.handleWrite)
			rr.Delete("/{id}", s.handleWrite)
		})
	})

	return s
}

func (s *Server) subject(ctx context.Context) (string, bool) {
	c, ok := s.Engine.Session(ctx)
	return c.SubjectID, ok
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Engine.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

type loginRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	SubjectID    string `json:"subject_id"`
	Role         string `json:"role"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, r, failure.ValidationError("session.login", "bad json: "+err.Error()))
		return
	}
	c := credentials.Credential{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		SubjectID:    req.SubjectID,
		Role:         req.Role,
	}
	if req.ExpiresIn > 0 {
		c.ExpiresAt = s.Now().Add(time.Duration(req.ExpiresIn) * time.Second)
	}
	if err := s.Engine.Login(r.Context(), c); err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("subject", c.SubjectID).Msg("session stored")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Logout(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("async") == "true" {
		if s.Tasks == nil {
			writeError(w, r, failure.ValidationError("sync", "async sync needs a task queue"))
			return
		}
		queued, err := jobs.RequestSync(r.Context(), s.Tasks, "api")
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("enqueue sync task")
			http.Error(w, "could not enqueue sync", http.StatusInternalServerError)
			return
		}
		writeJSON(w, r, http.StatusAccepted, map[string]bool{"queued": queued})
		return
	}

	rep, ok := s.Engine.Sync(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusConflict, map[string]string{"error": "sync already running"})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"drained":     rep.Drained,
		"replayed":    rep.Replayed,
		"requeued":    rep.Requeued,
		"dropped":     rep.Dropped,
		"duration_ms": rep.Duration.Milliseconds(),
	})
}

type readResponse struct {
	Source   string          `json:"source"`
	CachedAt *time.Time      `json:"cached_at,omitempty"`
	Data     json.RawMessage `json:"data"`
}

func (s *Server) writeRead(w http.ResponseWriter, r *http.Request, res repository.ReadResult) {
	out := readResponse{Source: res.Source.String(), Data: res.Value}
	if res.Source == repository.FromCache {
		out.CachedAt = &res.CachedAt
	}
	if out.Data == nil {
		out.Data = json.RawMessage("null")
	}
	w.Header().Set("X-Loadsync-Source", out.Source)
	writeJSON(w, r, http.StatusOK, out)
}

// handleCollection lists a collection or reads a singleton
func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	typ := chi.URLParam(r, "type")
	if res, ok := s.Engine.Registry().Lookup(typ); ok && res.Singleton {
		out, err := s.Engine.Read(r.Context(), typ, "")
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.writeRead(w, r, out)
		return
	}
	out, err := s.Engine.List(r.Context(), typ, r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeRead(w, r, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	out, err := s.Engine.Read(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeRead(w, r, out)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	method, err := queue.ParseMethod(r.Method)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, r, failure.ValidationError("write", "read body: "+err.Error()))
		return
	}
	res, err := s.Engine.Write(r.Context(), chi.URLParam(r, "type"), repository.Change{
		Method: method,
		ID:     chi.URLParam(r, "id"),
		Body:   body,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Pending {
		writeJSON(w, r, http.StatusAccepted, map[string]any{"pending": true, "mutation_id": res.MutationID})
		return
	}
	data := res.Value
	if data == nil {
		data = json.RawMessage("null")
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"pending": false, "status": res.Status, "data": data})
}

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Status int    `json:"status,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	var fe *failure.Error
	kind := failure.Unknown
	if errors.As(err, &fe) {
		kind = fe.Kind
	}
	switch kind {
	case failure.Validation:
		code = http.StatusBadRequest
	case failure.Auth:
		code = http.StatusUnauthorized
	case failure.Network:
		code = http.StatusServiceUnavailable
	case failure.Server:
		code = http.StatusBadGateway
		if st := fe.Status; st >= 400 && st < 500 && st != http.StatusUnauthorized {
			code = st
		}
	}
	if code >= 500 {
		hlog.FromRequest(r).Error().Err(err).Str("kind", kind.String()).Msg("request failed")
	}
	writeJSON(w, r, code, errorResponse{Error: err.Error(), Kind: kind.String(), Status: failure.StatusOf(err)})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}
