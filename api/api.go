// Package api exposes stallkeep over HTTP: the connect flows, scrape runs,
// and session status, all JSON. Transport concerns only; every decision
// lives in the services.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kervalen/stallkeep/connect"
	"github.com/kervalen/stallkeep/idgen"
	"github.com/kervalen/stallkeep/kit"
	"github.com/kervalen/stallkeep/platform"
	"github.com/kervalen/stallkeep/scrape"
	"github.com/kervalen/stallkeep/session"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// rateLimit / rateWindow bound requests per client IP. The limiter exists to
// stop runaway client loops; real scrape throughput is browser-bound long
// before it is HTTP-bound.
const (
	rateLimit  = 120
	rateWindow = time.Minute
)

// Server wires the HTTP surface.
type Server struct {
	connect  *connect.Service
	scrape   *scrape.Service
	sessions *session.Store
	logger   *slog.Logger

	limiter      *rateLimiter
	newRequestID idgen.Generator
}

// NewServer creates the HTTP server facade.
func NewServer(connectSvc *connect.Service, scrapeSvc *scrape.Service, sessions *session.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		connect:      connectSvc,
		scrape:       scrapeSvc,
		sessions:     sessions,
		logger:       logger,
		limiter:      newRateLimiter(rateLimit, rateWindow),
		newRequestID: idgen.UUIDv7(),
	}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(securityHeaders)
	r.Use(s.limiter.middleware)
	r.Use(maxBody(maxBodyBytes))

	r.Route("/api", func(r chi.Router) {
		r.Post("/connect/start", s.handleConnectStart)
		r.Post("/connect/{id}/complete", s.handleConnectComplete)
		r.Get("/connect/{id}/status", s.handleConnectStatus)
		r.Post("/connect/token", s.handleConnectToken)
		r.Post("/connect/upload", s.handleConnectUpload)
		r.Post("/scrape", s.handleScrape)
		r.Get("/sessions/{accountId}/{platform}/status", s.handleSessionStatus)
	})
	return r
}

// requestID assigns a per-request ID and stamps the transport.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.newRequestID()
		ctx := kit.WithRequestID(r.Context(), id)
		ctx = kit.WithTransport(ctx, "http")
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// maxBody limits request body size so a hostile client cannot buffer the
// process into the ground.
func maxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type connectStartBody struct {
	AccountID string `json:"accountId"`
	Platform  string `json:"platform"`
}

func (s *Server) handleConnectStart(w http.ResponseWriter, r *http.Request) {
	var body connectStartBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.AccountID == "" || body.Platform == "" {
		s.writeError(w, http.StatusBadRequest, "accountId and platform are required")
		return
	}
	res, err := s.connect.Start(kit.WithAccountID(r.Context(), body.AccountID), body.AccountID, body.Platform)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConnectComplete(w http.ResponseWriter, r *http.Request) {
	res, err := s.connect.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConnectStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.connect.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConnectToken(w http.ResponseWriter, r *http.Request) {
	var body connectStartBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.AccountID == "" || body.Platform == "" {
		s.writeError(w, http.StatusBadRequest, "accountId and platform are required")
		return
	}
	res, err := s.connect.GenerateToken(r.Context(), body.AccountID, body.Platform)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type connectUploadBody struct {
	Token        string          `json:"token"`
	StorageState json.RawMessage `json:"storageState"`
	Fingerprint  string          `json:"fingerprint"`
}

func (s *Server) handleConnectUpload(w http.ResponseWriter, r *http.Request) {
	var body connectUploadBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.Token == "" || len(body.StorageState) == 0 {
		s.writeError(w, http.StatusBadRequest, "token and storageState are required")
		return
	}
	res, err := s.connect.UploadStorageState(r.Context(), body.Token, body.StorageState, body.Fingerprint)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req scrape.Request
	if !s.decode(w, r, &req) {
		return
	}
	if req.AccountID == "" || req.Platform == "" {
		s.writeError(w, http.StatusBadRequest, "accountId and platform are required")
		return
	}
	res, err := s.scrape.Run(kit.WithAccountID(r.Context(), req.AccountID), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.GetStatus(r.Context(),
		chi.URLParam(r, "accountId"), chi.URLParam(r, "platform"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.As(err, new(*http.MaxBytesError)) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	io.Copy(io.Discard, r.Body)
	return true
}

// fail maps service errors onto HTTP statuses. Unmapped errors are 500s
// and logged with the request ID; their details stay out of the response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, platform.ErrUnknown):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, connect.ErrBadState):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, connect.ErrAttemptNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrTokenNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrTokenExpired):
		s.writeError(w, http.StatusGone, err.Error())
	default:
		s.logger.Error("api: request failed",
			"path", r.URL.Path, "requestId", kit.GetRequestID(r.Context()), "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("api: encode response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
