package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pardot/ssoidc/core"
	"github.com/pardot/ssoidc/idtoken"
	"github.com/pardot/ssoidc/registry"
	"github.com/pardot/ssoidc/signer"
	"github.com/pardot/ssoidc/storage"
	"github.com/pardot/ssoidc/users"
)

// Config holds the server's configuration options.
//
// Multiple servers using the same storage are expected to be configured identically.
type Config struct {
	Issuer string

	// The backing persistence layer, holding clients, users and codes.
	Storage storage.Storage

	// Signs identity tokens. Its public keys are served at /keys.
	Signer signer.Signer

	// Bearer token for the client administration endpoints. If empty, those
	// endpoints reject every request.
	AdminToken string

	// List of allowed origins for CORS requests on discovery, token and keys endpoint.
	// If none are indicated, CORS requests are disabled. Passing in "*" will allow any
	// domain.
	AllowedOrigins []string

	CodeValidityTime time.Duration // Defaults to 5 minutes.
	IDTokensValidFor time.Duration // Defaults to 1 hour.

	// If specified, the server will use this function for determining time.
	Now func() time.Time

	Logger logrus.FieldLogger

	// Metrics are registered here. A private registry is used if nil.
	PrometheusRegistry *prometheus.Registry
}

func value(val, defaultValue time.Duration) time.Duration {
	if val == 0 {
		return defaultValue
	}
	return val
}

// Server is the top level object.
type Server struct {
	issuerURL url.URL

	storage storage.Storage
	signer  signer.Signer

	oidc     *core.OIDC
	clients  *registry.Registry
	users    *users.Store
	verifier *idtoken.Verifier

	adminToken string

	mux *mux.Router

	exchanges *prometheus.CounterVec

	now func() time.Time

	logger logrus.FieldLogger
}

// New constructs a server from the provided config.
func New(c Config) (*Server, error) {
	issuerURL, err := url.Parse(c.Issuer)
	if err != nil || issuerURL.Scheme == "" || issuerURL.Host == "" {
		return nil, fmt.Errorf("server: can't parse issuer URL %q", c.Issuer)
	}

	if c.Storage == nil {
		return nil, errors.New("server: storage cannot be nil")
	}
	if c.Signer == nil {
		return nil, errors.New("server: signer cannot be nil")
	}

	now := c.Now
	if now == nil {
		now = time.Now
	}
	logger := c.Logger
	if logger == nil {
		logger = logrus.New()
	}
	reg := c.PrometheusRegistry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	issuer := issuerURL.String()
	clients := registry.New(c.Storage)
	userStore := users.New(c.Storage)
	minter := idtoken.NewMinter(issuer, c.Signer, value(c.IDTokensValidFor, time.Hour))

	s := &Server{
		issuerURL: *issuerURL,
		storage:   c.Storage,
		signer:    c.Signer,
		oidc: core.NewOIDC(
			&core.Config{CodeValidityTime: value(c.CodeValidityTime, core.DefaultCodeTTL)},
			clients, userStore, core.NewCodeStore(c.Storage), minter,
		),
		clients:    clients,
		users:      userStore,
		verifier:   idtoken.NewVerifier(issuer, c.Signer),
		adminToken: c.AdminToken,
		now:        now,
		logger:     logger,
	}

	requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Count of all HTTP requests.",
	}, []string{"handler", "code", "method"})

	s.exchanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ssoidc_code_exchanges_total",
		Help: "Count of authorization code exchanges by outcome.",
	}, []string{"outcome"})

	for _, col := range []prometheus.Collector{requestCounter, s.exchanges} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("server: Failed to register Prometheus metrics: %v", err)
		}
	}

	instrumentHandlerCounter := func(handlerName string, handler http.Handler) http.HandlerFunc {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, r)
			requestCounter.With(prometheus.Labels{"handler": handlerName, "code": strconv.Itoa(m.Code), "method": r.Method}).Inc()
		})
	}

	r := mux.NewRouter()
	handle := func(p string, h http.Handler, methods ...string) {
		r.Handle(s.absPath(p), instrumentHandlerCounter(p, h)).Methods(methods...)
	}
	handleWithCORS := func(p string, h http.Handler, methods ...string) {
		if len(c.AllowedOrigins) > 0 {
			corsOption := handlers.AllowedOrigins(c.AllowedOrigins)
			h = handlers.CORS(corsOption)(h)
			methods = append(methods, http.MethodOptions)
		}
		handle(p, h, methods...)
	}
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleNotFound)

	discoveryHandler, err := s.discoveryHandler()
	if err != nil {
		return nil, err
	}
	handleWithCORS("/.well-known/openid-configuration", discoveryHandler, http.MethodGet)
	handleWithCORS("/keys", newKeysHandler(c.Signer, time.Minute, now), http.MethodGet)

	handle("/authorize", http.HandlerFunc(s.handleAuthorize), http.MethodGet, http.MethodPost)
	handleWithCORS("/token", http.HandlerFunc(s.handleToken), http.MethodGet, http.MethodPost)
	handle("/user", s.requireBearer(bearerIdentity, s.handleUser), http.MethodGet)
	handle("/register", http.HandlerFunc(s.handleRegister), http.MethodPost)

	handle("/clients", s.requireBearer(bearerAdmin, s.handleListClients), http.MethodGet)
	handle("/clients", s.requireBearer(bearerAdmin, s.handleCreateClient), http.MethodPost)
	handle("/clients/{name}", s.requireBearer(bearerAdmin, s.handleGetClient), http.MethodGet)
	handle("/clients/{name}", s.requireBearer(bearerAdmin, s.handleUpdateClient), http.MethodPatch, http.MethodPut)
	handle("/clients/{name}", s.requireBearer(bearerAdmin, s.handleDeleteClient), http.MethodDelete)

	handle("/healthz", http.HandlerFunc(s.handleHealth), http.MethodGet)
	r.Handle(s.absPath("/metrics"), promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.mux = r

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) absPath(pathItems ...string) string {
	paths := make([]string, len(pathItems)+1)
	paths[0] = s.issuerURL.Path
	copy(paths[1:], pathItems)
	return path.Join(paths...)
}

func (s *Server) absURL(pathItems ...string) string {
	u := s.issuerURL
	u.Path = s.absPath(pathItems...)
	return u.String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.signer.SignerAlg(r.Context()); err != nil {
		s.logger.WithError(err).Error("health check: signer unavailable")
		s.writeJSON(w, http.StatusInternalServerError, envelope{Message: "Signer unavailable."})
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Message: "ok"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, envelope{Message: "Route not found."})
}

// StartGarbageCollection periodically removes expired records from storage
// until ctx is cancelled. Backends that expire records themselves are left
// alone.
func (s *Server) StartGarbageCollection(ctx context.Context, frequency time.Duration) {
	c, ok := s.storage.(storage.Collector)
	if !ok {
		s.logger.Debug("storage expires records natively, not running garbage collection")
		return
	}
	frequency = value(frequency, 5*time.Minute)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(frequency):
				if n, err := c.GarbageCollect(ctx, s.now()); err != nil {
					s.logger.WithError(err).Error("garbage collection failed")
				} else if n > 0 {
					s.logger.WithField("removed", n).Info("garbage collection run")
				}
			}
		}
	}()
}
