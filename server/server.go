// Package server exposes RFM results over a JSON HTTP API.
package server

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TFMV/rfm/auth"
	"github.com/TFMV/rfm/db"
	"github.com/TFMV/rfm/index"
	"github.com/TFMV/rfm/report"
	"github.com/TFMV/rfm/rfm"
	"github.com/TFMV/rfm/storage"
)

// UserHeader names the caller for role checks.
const UserHeader = "X-User"

var requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "rfm_http_request_duration_seconds",
	Help:    "Latency of HTTP API requests",
	Buckets: prometheus.DefBuckets,
}, []string{"route", "status"})

func init() {
	prometheus.MustRegister(requestLatency)
}

// Options configures a Server. Zero values fall back to the defaults of
// each field's package.
type Options struct {
	Config           rfm.Config
	Index            index.Settings
	ActiveWindowDays int
	TopN             int
	PageSize         int
	// Roles, when set, requires POST /api/transactions callers to hold
	// auth.RoleIngester and every other /api caller auth.RoleAnalyst.
	Roles  auth.RoleManager
	Logger *zap.Logger
}

// Server wraps the Fiber app and the transaction table it reports on.
type Server struct {
	App *fiber.App

	db     *db.DB
	opts   Options
	logger *zap.Logger
}

// New creates a new server with routes and middleware configured.
func New(database *db.DB, opts Options) (*Server, error) {
	if opts.Config.Quantiles == 0 {
		opts.Config = rfm.DefaultConfig()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Index == (index.Settings{}) {
		opts.Index = index.DefaultSettings()
	}
	if opts.ActiveWindowDays <= 0 {
		opts.ActiveWindowDays = report.DefaultActiveWindowDays
	}
	if opts.TopN <= 0 {
		opts.TopN = 10
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 10
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{db: database, opts: opts, logger: opts.Logger}
	s.App = fiber.New(fiber.Config{
		AppName:      "rfm",
		UnescapePath: true,
		ErrorHandler: s.handleError,
	})

	s.App.Use(recover.New())
	s.App.Use(s.requestLogger)

	s.App.Get("/healthz", s.health)
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	analyst := s.requireRole(auth.RoleAnalyst)
	api := s.App.Group("/api")
	api.Get("/rfm", analyst, s.listCustomers)
	api.Get("/segments", analyst, s.segments)
	api.Get("/segments/:name/customers", analyst, s.segmentCustomers)
	api.Get("/customers/:id", analyst, s.customer)
	api.Get("/top", analyst, s.top)
	api.Get("/summary", analyst, s.summary)
	api.Get("/revenue/monthly", analyst, s.monthly)
	api.Get("/revenue/daily", analyst, s.daily)
	api.Get("/features", analyst, s.features)
	api.Get("/export", analyst, s.export)
	api.Post("/transactions", s.requireRole(auth.RoleIngester), s.ingest)

	return s, nil
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("http api listening", zap.String("addr", addr))
	return s.App.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.App.Shutdown()
}

// requireRole rejects callers named by UserHeader that lack role. It lets
// everyone through when no RoleManager is configured.
func (s *Server) requireRole(role string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if s.opts.Roles == nil {
			return c.Next()
		}
		user := c.Get(UserHeader)
		if !s.opts.Roles.HasRole(user, role) {
			return fiber.NewError(fiber.StatusForbidden, fmt.Sprintf("user %q lacks role %q", user, role))
		}
		return c.Next()
	}
}

func (s *Server) requestLogger(c fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	if err != nil {
		status = statusOf(err)
	}
	elapsed := time.Since(start)
	requestLatency.WithLabelValues(c.Route().Path, strconv.Itoa(status)).Observe(elapsed.Seconds())
	s.logger.Debug("request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Duration("elapsed", elapsed))
	return err
}

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, db.ErrSchema),
		errors.Is(err, rfm.ErrInvalidConfig),
		errors.Is(err, storage.ErrUnsupportedFormat):
		return fiber.StatusBadRequest
	case errors.Is(err, rfm.ErrInsufficientDistinctValues):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, report.ErrUnknownSegment):
		return fiber.StatusNotFound
	}
	return fiber.StatusInternalServerError
}

func (s *Server) handleError(c fiber.Ctx, err error) error {
	code := statusOf(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{
		"status": "error",
		"error":  err.Error(),
	})
}

func ok(c fiber.Ctx, data any) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"data":   data,
	})
}
