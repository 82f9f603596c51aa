// Package xrpc mounts every blue.catbird.mls.* (core) and
// blue.catbird.mls.ds.* (federation) endpoint as an NSID-shaped chi route,
// wiring requests into the domain packages underneath.
package xrpc

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mlsds/mlsds/internal/apiutil"
	"github.com/mlsds/mlsds/internal/config"
	"github.com/mlsds/mlsds/internal/database"
	"github.com/mlsds/mlsds/internal/dispatch"
	"github.com/mlsds/mlsds/internal/events"
	"github.com/mlsds/mlsds/internal/fanout"
	"github.com/mlsds/mlsds/internal/identity"
	"github.com/mlsds/mlsds/internal/keypackage"
	mlsmw "github.com/mlsds/mlsds/internal/middleware"
	"github.com/mlsds/mlsds/internal/policy"
	"github.com/mlsds/mlsds/internal/sequencer"
	"github.com/mlsds/mlsds/internal/serviceauth"
	"github.com/mlsds/mlsds/internal/transfer"
)

// Server is this instance's xrpc HTTP surface: one Router over every
// core/federation endpoint, plus the collaborators the handlers close over.
type Server struct {
	Router *chi.Mux

	Config      *config.Config
	Store       *database.Store
	DB          *database.DB
	Bus         *events.Bus
	Identity    *identity.Resolver
	Auth        *serviceauth.Service
	Dispatcher  *dispatch.Dispatcher
	KeyPackages *keypackage.Pool
	Policy      *policy.Gate
	Sequencer   *sequencer.Sequencer
	Transfer    *transfer.Transfer
	Fanout      *fanout.Engine
	Logger      *slog.Logger

	Version string

	server  *http.Server
	limiter *mlsmw.SlidingWindowLimiter
}

// NewServer builds a Server with every route registered and ready to Start.
func NewServer(cfg *config.Config, store *database.Store, db *database.DB, bus *events.Bus,
	idResolver *identity.Resolver, auth *serviceauth.Service, dispatcher *dispatch.Dispatcher,
	kp *keypackage.Pool, gate *policy.Gate, seq *sequencer.Sequencer, xfer *transfer.Transfer,
	fan *fanout.Engine, logger *slog.Logger, version string) *Server {

	s := &Server{
		Router:      chi.NewRouter(),
		Config:      cfg,
		Store:       store,
		DB:          db,
		Bus:         bus,
		Identity:    idResolver,
		Auth:        auth,
		Dispatcher:  dispatcher,
		KeyPackages: kp,
		Policy:      gate,
		Sequencer:   seq,
		Transfer:    xfer,
		Fanout:      fan,
		Logger:      logger,
		Version:     version,
		limiter: mlsmw.NewSlidingWindowLimiter(mlsmw.DefaultSlidingWindowConfig(),
			mlsmw.DefaultEndpointRates(), logger),
	}

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) registerMiddleware() {
	r := s.Router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mlsmw.CorrelationID)
	r.Use(mlsmw.TracingLogger(s.Logger))
	r.Use(chimw.Recoverer)
	r.Use(corsMiddleware(s.Config.HTTP.CORSOrigins))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(maxBodySize(1 << 20))
	r.Use(mlsmw.SecurityHeaders)
	r.Use(mlsmw.RateLimitMiddleware(s.limiter))
}

func (s *Server) registerRoutes() {
	r := s.Router

	r.Get("/health", s.handleHealthCheck)

	r.Route("/xrpc", func(r chi.Router) {
		// Identity & key packages.
		r.With(s.requireAuth("blue.catbird.mls.registerDevice")).Post("/blue.catbird.mls.registerDevice", s.registerDevice)
		r.With(s.requireAuth("blue.catbird.mls.deleteDevice")).Post("/blue.catbird.mls.deleteDevice", s.deleteDevice)
		r.With(s.requireAuth("blue.catbird.mls.listDevices")).Get("/blue.catbird.mls.listDevices", s.listDevices)
		r.With(s.requireAuth("blue.catbird.mls.publishKeyPackages")).Post("/blue.catbird.mls.publishKeyPackages", s.publishKeyPackages)
		r.With(s.requireAuth("blue.catbird.mls.getKeyPackages")).Get("/blue.catbird.mls.getKeyPackages", s.getKeyPackages)
		r.With(s.requireAuth("blue.catbird.mls.getKeyPackageStatus")).Get("/blue.catbird.mls.getKeyPackageStatus", s.getKeyPackageStatus)

		// Conversations.
		r.With(s.requireAuth("blue.catbird.mls.createConvo")).Post("/blue.catbird.mls.createConvo", s.createConvo)
		r.With(s.requireAuth("blue.catbird.mls.getConvos")).Get("/blue.catbird.mls.getConvos", s.getConvos)
		r.With(s.requireAuth("blue.catbird.mls.updateConvo")).Post("/blue.catbird.mls.updateConvo", s.updateConvo)
		r.With(s.requireAuth("blue.catbird.mls.leaveConvo")).Post("/blue.catbird.mls.leaveConvo", s.leaveConvo)
		r.With(s.requireAuth("blue.catbird.mls.getConvoSettings")).Get("/blue.catbird.mls.getConvoSettings", s.getConvoSettings)

		// Messaging.
		r.With(s.requireAuth("blue.catbird.mls.sendMessage")).Post("/blue.catbird.mls.sendMessage", s.sendMessage)
		r.With(s.requireAuth("blue.catbird.mls.getMessages")).Get("/blue.catbird.mls.getMessages", s.getMessages)
		r.With(s.requireAuth("blue.catbird.mls.updateCursor")).Post("/blue.catbird.mls.updateCursor", s.updateCursor)
		r.With(s.requireAuth("blue.catbird.mls.sendEphemeral")).Post("/blue.catbird.mls.sendEphemeral", s.sendEphemeral)

		// Group state.
		r.With(s.requireAuth("blue.catbird.mls.commitGroupChange")).Post("/blue.catbird.mls.commitGroupChange", s.commitGroupChange)
		r.With(s.requireAuth("blue.catbird.mls.getGroupState")).Get("/blue.catbird.mls.getGroupState", s.getGroupState)

		// Moderation.
		r.With(s.requireAuth("blue.catbird.mls.optIn")).Post("/blue.catbird.mls.optIn", s.optIn)
		r.With(s.requireAuth("blue.catbird.mls.optOut")).Post("/blue.catbird.mls.optOut", s.optOut)
		r.With(s.requireAuth("blue.catbird.mls.getOptInStatus")).Get("/blue.catbird.mls.getOptInStatus", s.getOptInStatus)
		r.With(s.requireAuth("blue.catbird.mls.checkBlocks")).Post("/blue.catbird.mls.checkBlocks", s.checkBlocks)
		r.With(s.requireAuth("blue.catbird.mls.getBlockStatus")).Get("/blue.catbird.mls.getBlockStatus", s.getBlockStatus)
		r.With(s.requireAuth("blue.catbird.mls.report")).Post("/blue.catbird.mls.report", s.report)
		r.With(s.requireAuth("blue.catbird.mls.getReports")).Get("/blue.catbird.mls.getReports", s.getReports)

		// Subscriptions: ticket issuance plus the real-time transports
		// themselves, mounted as ordinary routes rather than a second
		// listener. subscribeSSE/subscribeWS authenticate via the ticket
		// query parameter instead of requireAuth (a browser EventSource/
		// WebSocket client cannot set a bearer header), then each checks
		// the ticket holder's membership in the requested convoId itself.
		r.With(s.requireAuth("blue.catbird.mls.getSubscriptionTicket")).Post("/blue.catbird.mls.getSubscriptionTicket", s.getSubscriptionTicket)
		r.Get("/blue.catbird.mls.subscribeSSE", s.subscribeSSE)
		r.Get("/blue.catbird.mls.subscribeWS", s.subscribeWS)

		// Federation (DS <-> DS). healthCheck and resolveDeliveryService are
		// unauthenticated discovery surfaces; every other federation
		// endpoint requires a peer-issued service-auth token.
		r.With(s.requireAuth("blue.catbird.mls.ds.deliverMessage")).Post("/blue.catbird.mls.ds.deliverMessage", s.dsDeliverMessage)
		r.With(s.requireAuth("blue.catbird.mls.ds.deliverWelcome")).Post("/blue.catbird.mls.ds.deliverWelcome", s.dsDeliverWelcome)
		r.With(s.requireAuth("blue.catbird.mls.ds.submitCommit")).Post("/blue.catbird.mls.ds.submitCommit", s.dsSubmitCommit)
		r.With(s.requireAuth("blue.catbird.mls.ds.fetchKeyPackage")).Post("/blue.catbird.mls.ds.fetchKeyPackage", s.dsFetchKeyPackage)
		r.With(s.requireAuth("blue.catbird.mls.ds.transferSequencer")).Post("/blue.catbird.mls.ds.transferSequencer", s.dsTransferSequencer)
		r.Get("/blue.catbird.mls.ds.healthCheck", s.dsHealthCheck)
		r.Get("/blue.catbird.mls.resolveDeliveryService", s.resolveDeliveryService)
	})
}

// handleHealthCheck reports this instance's own health plus its durable
// dependencies, matching the teacher's handleHealthCheck degraded/503 shape.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	deps := map[string]string{"database": "ok", "bus": "ok"}

	if err := s.DB.HealthCheck(r.Context()); err != nil {
		deps["database"] = "unavailable"
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if err := s.Bus.HealthCheck(); err != nil {
		deps["bus"] = "unavailable"
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	apiutil.WriteJSONRaw(w, code, map[string]any{
		"status":       status,
		"version":      s.Version,
		"serviceDid":   s.Config.Instance.ServiceDID,
		"dependencies": deps,
	})
}

// Start runs the HTTP server until it errors or is shut down. Mirrors the
// teacher's timeouts, which are sized for a long-lived SSE/WebSocket
// connection rather than a typical short-poll REST API.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.Config.HTTP.Listen,
		Handler:      s.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE/WebSocket responses are long-lived; no write deadline.
		IdleTimeout:  60 * time.Second,
	}
	s.Logger.Info("xrpc server listening", slog.String("addr", s.Config.HTTP.Listen))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests, then stops the rate
// limiter's background cleanup goroutine.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.limiter.Stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// corsMiddleware sets CORS headers for the configured allowed origins,
// adapted unchanged from the teacher's internal/api/server.go.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed := false
			for _, o := range origins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
				isWildcard := len(origins) == 1 && origins[0] == "*"
				if !isWildcard {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// maxBodySize caps request bodies, exempting multipart uploads (mlsds has
// none today, but the teacher's handlers share this helper unconditionally).
func maxBodySize(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ct := r.Header.Get("Content-Type")
			if r.Body != nil && !strings.HasPrefix(ct, "multipart/form-data") {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
