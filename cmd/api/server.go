package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jayantna/Contractly/agreement"
	"github.com/jayantna/Contractly/auth"
	"github.com/jayantna/Contractly/httpx"
	"github.com/jayantna/Contractly/settlement"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

type agreementEngine interface {
	CreateAgreement(ctx context.Context, caller string, p agreement.CreateParams) (uint64, error)
	AddParty(ctx context.Context, caller string, id uint64, p agreement.AddPartyParams) error
	Sign(ctx context.Context, caller string, id uint64, party string) (agreement.Status, error)
	Stake(ctx context.Context, caller string, id uint64, party string, amount uint64) (agreement.Status, error)
	Lock(ctx context.Context, caller string, id uint64) error
	Fulfill(ctx context.Context, caller string, id uint64) (settlement.Plan, error)
	Breach(ctx context.Context, caller string, id uint64, breaching string) (settlement.Plan, error)
	Agreement(ctx context.Context, id uint64) (agreement.Agreement, error)
	List(ctx context.Context, filters agreement.ListFilters) ([]agreement.Agreement, int, error)
	AllConditionsMet(ctx context.Context, id uint64) (bool, error)
	PartyCount(ctx context.Context, id uint64) (int, error)
	PartyAddressAt(ctx context.Context, id uint64, i int) (string, error)
	Party(ctx context.Context, id uint64, party string) (agreement.PartyView, error)
	IsAuthorized(ctx context.Context, identity string) (bool, error)
}

type callerRegistry interface {
	Owner() string
	Authorize(ctx context.Context, caller, identity string) error
	Revoke(ctx context.Context, caller, identity string) error
}

type tokenService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Credential, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type walletBook interface {
	Credit(ctx context.Context, identity string, amount uint64) error
	Balance(ctx context.Context, identity string) (uint64, error)
}

// Server exposes the engine, the caller registry and the wallet book over
// JSON. Every engine call runs as the identity in the bearer token.
type Server struct {
	engine   agreementEngine
	registry callerRegistry
	tokens   tokenService
	wallets  walletBook
	gatherer prometheus.Gatherer
	validate *validator.Validate
	log      zerolog.Logger
}

func NewServer(engine agreementEngine, registry callerRegistry, tokens tokenService, wallets walletBook, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	return &Server{
		engine:   engine,
		registry: registry,
		tokens:   tokens,
		wallets:  wallets,
		gatherer: gatherer,
		validate: validator.New(),
		log:      log,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/login", s.handleLogin)

		api.Group(func(authed chi.Router) {
			authed.Use(s.authenticate)

			authed.Get("/callers/{identity}", s.handleCallerStatus)
			authed.Get("/wallets/{identity}", s.handleWalletBalance)

			authed.Group(func(owner chi.Router) {
				owner.Use(s.requireOwner)
				owner.Post("/auth/credentials", s.handleRegisterCredential)
				owner.Post("/callers", s.handleAuthorizeCaller)
				owner.Delete("/callers/{identity}", s.handleRevokeCaller)
				owner.Post("/wallets/{identity}/credit", s.handleCreditWallet)
			})

			authed.Route("/agreements", func(ag chi.Router) {
				ag.Post("/", s.handleCreateAgreement)
				ag.Get("/", s.handleListAgreements)
				ag.Get("/{id}", s.handleAgreement)
				ag.Get("/{id}/conditions", s.handleConditions)
				ag.Get("/{id}/parties", s.handleParties)
				ag.Post("/{id}/parties", s.handleAddParty)
				ag.Get("/{id}/parties/{party}", s.handleParty)
				ag.Post("/{id}/sign", s.handleSign)
				ag.Post("/{id}/stake", s.handleStake)
				ag.Post("/{id}/lock", s.handleLock)
				ag.Post("/{id}/fulfill", s.handleFulfill)
				ag.Post("/{id}/breach", s.handleBreach)
			})
		})
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", httpx.RequestIDFrom(r.Context())).
			Msg("http request")
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		identity, role, err := s.tokens.VerifyToken(token)
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, identity)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role, _ := r.Context().Value(ctxKeyRole).(auth.Role); role != auth.RoleOwner {
			httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "owner only", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

// decode reads and validates a request body, writing the error response
// itself when it returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.ReadJSON(r, dst); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION", "request validation failed", fields)
			return false
		}
		httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
		return false
	}
	return true
}

func agreementID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_ID", "agreement id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

var kindStatus = map[agreement.Kind]struct {
	status int
	code   string
}{
	agreement.KindNotFound:         {http.StatusNotFound, "NOT_FOUND"},
	agreement.KindUnauthorized:     {http.StatusForbidden, "FORBIDDEN"},
	agreement.KindInvalidState:     {http.StatusConflict, "INVALID_STATE"},
	agreement.KindValidation:       {http.StatusBadRequest, "VALIDATION"},
	agreement.KindAlreadyDone:      {http.StatusConflict, "ALREADY_DONE"},
	agreement.KindConditionsNotMet: {http.StatusConflict, "CONDITIONS_NOT_MET"},
	agreement.KindTimingNotElapsed: {http.StatusConflict, "TOO_EARLY"},
	agreement.KindTransferFailed:   {http.StatusBadGateway, "TRANSFER_FAILED"},
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrEmptyIdentity) {
		httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
		return
	}
	kind := agreement.KindOf(err)
	if m, ok := kindStatus[kind]; ok {
		httpx.WriteError(w, r, m.status, m.code, err.Error(), map[string]any{"kind": kind})
		return
	}
	s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
