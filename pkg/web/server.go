// Package web serves the voice and dashboard websockets plus the health and
// status endpoints.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/voicebridge/pkg/registry"
	"github.com/teslashibe/voicebridge/pkg/session"
	"github.com/teslashibe/voicebridge/pkg/strategy"
)

// Config holds server settings.
type Config struct {
	Version string

	// RequestLog enables per-request access logging.
	RequestLog bool

	AllowOrigins string
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Server is the HTTP front of the bridge.
type Server struct {
	app      *fiber.App
	cfg      Config
	registry *registry.Registry
	sessions *session.Handler
	logger   *slog.Logger
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the fiber app and registers every route.
func New(cfg Config, reg *registry.Registry, sessions *session.Handler) *Server {
	if cfg.AllowOrigins == "" {
		cfg.AllowOrigins = "*"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		registry: reg,
		sessions: sessions,
		logger:   log.With("component", "web"),
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}

	app := fiber.New(fiber.Config{
		AppName:               "voicebridge",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if cfg.RequestLog {
		app.Use(logger.New())
	}

	upgradeOnly := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
	app.Use("/realtime", upgradeOnly)
	app.Use("/admin", upgradeOnly)

	app.Get("/realtime/chat", websocket.New(s.handleVoice))
	app.Get("/admin/dashboard", websocket.New(s.handleObserver))

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)

	api := app.Group("/api")
	api.Get("/sessions", s.handleSessions)
	api.Get("/strategies", s.handleStrategies)

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("listening", "addr", addr)
	return s.app.Listen(addr)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Shutdown ends live sessions and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleVoice(c *websocket.Conn) {
	conn := NewConn(c, s.cfg.WriteTimeout)
	defer conn.Close()

	params := session.Params{
		UserID:   strings.TrimSpace(c.Query("userId", c.Query("user_uuid"))),
		Strategy: c.Query("toolStrategy", c.Query("tool_strategy")),
	}
	s.logger.Info("voice client connected", "user", params.UserID, "strategy", params.Strategy, "ip", c.IP())

	if err := s.sessions.Serve(s.ctx, conn, params); err != nil {
		s.logger.Info("voice session ended", "user", params.UserID, "reason", err)
	}
}

func (s *Server) handleObserver(c *websocket.Conn) {
	conn := NewConn(c, s.cfg.WriteTimeout)
	defer conn.Close()

	o := registry.NewObserver(conn)
	if err := s.registry.AddObserver(o); err != nil {
		s.logger.Warn("observer rejected", "error", err)
		return
	}
	defer s.registry.RemoveObserver(o.ID)

	for {
		data, err := conn.Receive()
		if err != nil {
			s.logger.Debug("observer disconnected", "observer", o.ID, "error", err)
			return
		}
		if err := s.registry.HandleObserverMessage(o, data); err != nil {
			s.logger.Debug("observer reply failed", "observer", o.ID, "error", err)
			return
		}
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	stats := s.registry.Stats()
	return c.JSON(fiber.Map{
		"status":    "ok",
		"version":   s.cfg.Version,
		"sessions":  stats.VoiceSessions,
		"observers": stats.Observers,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleSessions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":          s.registry.Status(),
		"active_sessions": s.registry.Snapshot(),
	})
}

type strategyInfo struct {
	Name       string `json:"name"`
	ToolChoice string `json:"tool_choice"`
	Guidance   string `json:"guidance"`
	Default    bool   `json:"default"`
}

func (s *Server) handleStrategies(c *fiber.Ctx) error {
	all := strategy.All()
	out := make([]strategyInfo, len(all))
	for i, st := range all {
		out[i] = strategyInfo{
			Name:       string(st),
			ToolChoice: strategy.ToolChoice(st),
			Guidance:   strategy.Guidance(st),
			Default:    st == s.sessions.DefaultStrategy(),
		}
	}
	return c.JSON(fiber.Map{"strategies": out})
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	reg := s.registry.Stats()
	ses := s.sessions.Stats().Snapshot()

	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(fmt.Sprintf(`# HELP voicebridge_voice_sessions Active voice sessions
# TYPE voicebridge_voice_sessions gauge
voicebridge_voice_sessions %d

# HELP voicebridge_observers Connected dashboard observers
# TYPE voicebridge_observers gauge
voicebridge_observers %d

# HELP voicebridge_broadcasts_total Strategy broadcasts
# TYPE voicebridge_broadcasts_total counter
voicebridge_broadcasts_total %d

# HELP voicebridge_sessions_total Voice sessions started
# TYPE voicebridge_sessions_total counter
voicebridge_sessions_total %d

# HELP voicebridge_connect_failures_total Sessions that failed to open upstream
# TYPE voicebridge_connect_failures_total counter
voicebridge_connect_failures_total %d

# HELP voicebridge_frames_to_upstream_total Frames relayed to the realtime API
# TYPE voicebridge_frames_to_upstream_total counter
voicebridge_frames_to_upstream_total %d

# HELP voicebridge_frames_to_browser_total Frames relayed to browsers
# TYPE voicebridge_frames_to_browser_total counter
voicebridge_frames_to_browser_total %d

# HELP voicebridge_injections_total Knowledge excerpts injected
# TYPE voicebridge_injections_total counter
voicebridge_injections_total %d

# HELP voicebridge_voice_commands_total Summary requests intercepted
# TYPE voicebridge_voice_commands_total counter
voicebridge_voice_commands_total %d

# HELP voicebridge_strategy_changes_total Accepted strategy changes
# TYPE voicebridge_strategy_changes_total counter
voicebridge_strategy_changes_total %d
`, reg.VoiceSessions, reg.Observers, reg.Broadcasts,
		ses.SessionsTotal, ses.ConnectFailures, ses.FramesToUpstream, ses.FramesToBrowser,
		ses.Injections, ses.VoiceCommands, ses.StrategyChanges))
}
