package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/vcapd/internal/api/models"
	"github.com/smazurov/vcapd/internal/events"
	"github.com/smazurov/vcapd/internal/host"
	"github.com/smazurov/vcapd/internal/logging"
	"github.com/smazurov/vcapd/internal/vdev"
	"github.com/smazurov/vcapd/internal/version"
)

const authRealm = `Basic realm="vcapd API"`

// Server is the HTTP session transport for the capture driver.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	options    *Options
	module     *vdev.Module
	host       *host.Host
	eventBus   *events.Bus
	sessions   *sessionTable
	logger     *slog.Logger
}

// Options configures the API server.
type Options struct {
	AuthUsername      string
	AuthPassword      string
	Module            *vdev.Module
	Host              *host.Host
	EventBus          *events.Bus
	PrometheusHandler http.Handler // optional
}

// basicAuth rejects requests to operations that declare a security
// requirement unless they carry the configured credentials. EventSource
// clients cannot set headers, so ?auth=<base64 user:pass> is accepted too.
func (s *Server) basicAuth(username, password string) func(huma.Context, func(huma.Context)) {
	want := []byte(username + ":" + password)
	return func(ctx huma.Context, next func(huma.Context)) {
		if op := ctx.Operation(); op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		got, err := credentials(ctx)
		switch {
		case err != nil:
			s.unauthorized(ctx, err.Error())
		case got == nil:
			s.unauthorized(ctx, "Authentication required")
		case subtle.ConstantTimeCompare(got, want) != 1:
			s.unauthorized(ctx, "Invalid credentials")
		default:
			next(ctx)
		}
	}
}

// credentials returns the decoded "user:pass" of the request, nil when
// none was sent.
func credentials(ctx huma.Context) ([]byte, error) {
	encoded := ctx.Query("auth")
	if header := ctx.Header("Authorization"); header != "" {
		scheme, value, _ := strings.Cut(header, " ")
		if !strings.EqualFold(scheme, "Basic") {
			return nil, errors.New("invalid authentication type")
		}
		encoded = value
	}
	if encoded == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || !bytes.Contains(decoded, []byte(":")) {
		return nil, errors.New("invalid credentials format")
	}
	return decoded, nil
}

func (s *Server) unauthorized(ctx huma.Context, msg string) {
	ctx.SetHeader("WWW-Authenticate", authRealm)
	huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg)
}

// NewServer creates the API server and registers its routes.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("vcapd API", version.Version)
	config.Info.Description = "Session transport and introspection for the msm-ba capture bridge driver"
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	bus := opts.EventBus
	if bus == nil {
		bus = events.New()
	}
	server := &Server{
		api:      api,
		mux:      mux,
		options:  opts,
		module:   opts.Module,
		host:     opts.Host,
		eventBus: bus,
		sessions: newSessionTable(),
		logger:   logging.GetLogger("api"),
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(server.basicAuth(opts.AuthUsername, opts.AuthPassword))
	}

	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	server.registerRoutes()
	return server
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the API on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s.httpServer.ListenAndServe()
}

// Stop closes the HTTP server. Sessions opened through the API are closed.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	s.closeSessions()
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Report whether the driver is registered and a device is attached",
		Tags:        []string{"health"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{Body: s.health()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Name:      info.Name,
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				BuildID:   info.BuildID,
				GoVersion: info.GoVersion,
				Compiler:  info.Compiler,
				Platform:  info.Platform,
			},
		}, nil
	})

	s.registerDriverRoutes()
	s.registerSessionRoutes()
	s.registerHostRoutes()
	s.registerLogRoutes()
	s.registerSSERoutes()
}

func (s *Server) health() models.HealthData {
	if s.module == nil || s.module.Driver() == nil {
		return models.HealthData{Status: "degraded", Message: "driver not registered"}
	}
	dev := s.module.Driver().Device()
	if dev == nil {
		return models.HealthData{Status: "degraded", Message: "no device attached"}
	}
	return models.HealthData{Status: "ok", Message: "device attached", Device: dev.Handle().Name, Node: dev.NodeName()}
}

// withAuth returns the basic auth security requirement.
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
