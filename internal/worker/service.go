// Package worker provides the HTTP and WebSocket service for cohive.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/cohive/internal/assistant"
	"github.com/thebtf/cohive/internal/auth"
	"github.com/thebtf/cohive/internal/config"
	"github.com/thebtf/cohive/internal/hub"
	"github.com/thebtf/cohive/internal/process"
	"github.com/thebtf/cohive/internal/sandbox"
	"github.com/thebtf/cohive/pkg/models"
)

// UserStore is the account storage used by the service.
type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, string, error)
	FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	ListUsersExcept(ctx context.Context, id uuid.UUID) ([]models.User, error)
}

// ProjectStore is the project storage used by the service.
type ProjectStore interface {
	CreateProject(ctx context.Context, name string, ownerID uuid.UUID) (*models.Project, error)
	FindProjectByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListProjectsByUser(ctx context.Context, userID uuid.UUID) ([]*models.Project, error)
	AddMembers(ctx context.Context, projectID, requesterID uuid.UUID, userIDs []uuid.UUID) (*models.Project, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping() error
}

// Options wires the service dependencies.
type Options struct {
	Version     string
	Config      *config.Config
	Users       UserStore
	Projects    ProjectStore
	Tokens      *auth.TokenService
	Revocations auth.RevocationList
	Generator   assistant.Generator
	Budget      *assistant.Budget
	Runtime     sandbox.Runtime
	Store       Pinger
	Meter       metric.Meter
}

// Service is the cohive server. It owns the hub, the process supervisor
// and the AI protocol and stops them when it shuts down.
type Service struct {
	version    string
	config     *config.Config
	users      UserStore
	projects   ProjectStore
	auth       *auth.Authenticator
	hub        *hub.Hub
	assistant  *assistant.Protocol
	supervisor *process.Supervisor
	runtime    sandbox.Runtime
	store      Pinger

	router   chi.Router
	server   *http.Server
	upgrader websocket.Upgrader
	events   map[string]eventHandler

	ctx       context.Context
	cancel    context.CancelFunc
	conns     sync.WaitGroup
	startTime time.Time
	ready     atomic.Bool
}

// NewService creates the service and its routes.
func NewService(opts Options) *Service {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	gen := opts.Generator
	if gen == nil {
		gen = assistant.Unconfigured()
	}

	h := hub.New(hub.Options{QueueSize: cfg.QueueSize, Meter: opts.Meter})
	ctx, cancel := context.WithCancel(context.Background())

	svc := &Service{
		version:    opts.Version,
		config:     cfg,
		users:      opts.Users,
		projects:   opts.Projects,
		auth:       auth.NewAuthenticator(opts.Tokens, opts.Revocations, opts.Projects),
		hub:        h,
		assistant:  assistant.NewProtocol(gen, h, assistant.Options{Timeout: cfg.AITimeout(), Budget: opts.Budget}),
		supervisor: process.NewSupervisor(opts.Runtime, h, process.Options{Meter: opts.Meter}),
		runtime:    opts.Runtime,
		store:      opts.Store,
		router:     chi.NewRouter(),
		ctx:        ctx,
		cancel:     cancel,
		startTime:  time.Now(),
	}
	svc.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     svc.checkOrigin,
	}
	svc.events = svc.eventHandlers()
	svc.setupRoutes()
	return svc
}

// Handler returns the root HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Hub returns the room registry.
func (s *Service) Hub() *hub.Hub {
	return s.hub
}

func (s *Service) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/version", s.handleVersion)

	r.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.Get("/ws", s.handleSocket)

		r.Route("/users", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Get("/profile", s.handleProfile)
				r.Get("/logout", s.handleLogout)
				r.Get("/all", s.handleAllUsers)
			})
		})

		r.Route("/projects", func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/create", s.handleCreateProject)
			r.Get("/all", s.handleAllProjects)
			r.Put("/add-user", s.handleAddUsers)
			r.Get("/get-project/{projectId}", s.handleGetProject)
			r.Get("/download/{projectId}", s.handleDownloadProject)
			r.Post("/download-zip", s.handleDownloadTree)
			r.Get("/{projectId}/logs", s.handleLogStream)
		})

		r.With(s.requireAuth).Post("/ai/get-result", s.handleAIResult)
	})
}

// Run serves HTTP on addr and reaps idle rooms until ctx is cancelled.
func (s *Service) Run(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.hub.Run(s.ctx); err != nil {
			log.Error().Err(err).Msg("Hub stopped with error")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("version", s.version).Msg("Starting HTTP server")
		s.ready.Store(true)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			s.ready.Store(false)
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting requests, closes every connection and kills
// every supervised process.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	s.cancel()
	s.hub.Stop()
	if err := s.supervisor.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		s.assistant.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}

	log.Info().Dur("uptime", time.Since(s.startTime)).Msg("Service stopped")
	return errors.Join(errs...)
}

func (s *Service) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
