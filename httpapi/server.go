package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dispatchflow/auth"
	"dispatchflow/dispatch"
)

// Accounts is the account surface used by sign up, log in and bearer auth.
type Accounts interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Identity, error)
}

// Dispatches is the read surface of the dispatch gateway.
type Dispatches interface {
	GetDispatch(ctx context.Context, actor auth.Identity, id string) (dispatch.View, error)
	ListDispatches(ctx context.Context, actor auth.Identity, page, pageSize int) ([]dispatch.View, int, error)
}

// Server serves the REST API, the websocket endpoint and operational routes.
type Server struct {
	accounts   Accounts
	dispatches Dispatches
	socket     http.Handler
	gatherer   prometheus.Gatherer
	ready      func(context.Context) error
	log        zerolog.Logger
}

type Deps struct {
	Accounts   Accounts
	Dispatches Dispatches
	// Socket serves the dispatch websocket. Optional.
	Socket http.Handler
	// Gatherer backs /metrics. Optional.
	Gatherer prometheus.Gatherer
	// Ready backs /healthz. Optional.
	Ready  func(context.Context) error
	Logger zerolog.Logger
}

// NewServer creates a server; call Routes for its handler.
func NewServer(deps Deps) *Server {
	return &Server{
		accounts:   deps.Accounts,
		dispatches: deps.Dispatches,
		socket:     deps.Socket,
		gatherer:   deps.Gatherer,
		ready:      deps.Ready,
		log:        deps.Logger,
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.socket != nil {
		r.Handle("/dispatch/", s.socket)
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/sign_up/", s.handleSignUp)
		api.Post("/log_in/", s.handleLogIn)
		api.Group(func(authed chi.Router) {
			authed.Use(s.bearer)
			authed.Get("/dispatch/", s.handleListDispatches)
			authed.Get("/dispatch/{dispatchID}/", s.handleGetDispatch)
		})
	})
	return r
}

type userResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Group     string `json:"group"`
}

type loginResponse struct {
	Access string       `json:"access"`
	User   userResponse `json:"user"`
}

type listResponse struct {
	Count    int             `json:"count"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Results  []dispatch.View `json:"results"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, FirstName: u.FirstName, LastName: u.LastName, Group: string(u.Role)}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json", Detail: err.Error()})
		return
	}

	user, err := s.accounts.Register(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, toUserResponse(*user))
	case errors.Is(err, auth.ErrDuplicateUsername):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "duplicate_username", Detail: err.Error()})
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation_error", Detail: err.Error()})
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) handleLogIn(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json", Detail: err.Error()})
		return
	}

	res, err := s.accounts.Login(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, loginResponse{Access: res.Token, User: toUserResponse(res.User)})
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid_credentials"})
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	actor := identityFrom(r.Context())
	page := queryInt(r, "page", 1)
	if page <= 0 {
		page = 1
	}
	pageSize := queryInt(r, "page_size", 20)
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	views, total, err := s.dispatches.ListDispatches(r.Context(), actor, page, pageSize)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Count: total, Page: page, PageSize: pageSize, Results: views})
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	actor := identityFrom(r.Context())
	view, err := s.dispatches.GetDispatch(r.Context(), actor, chi.URLParam(r, "dispatchID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, view)
	case errors.Is(err, dispatch.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found"})
	case errors.Is(err, dispatch.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error"})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
