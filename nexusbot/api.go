package nexusbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	pprofPrefix        = "/debug"
	apiPrefix          = "/api"
	apiPathRoot        = "/"
	apiHealthCheck     = "/healthz"
	apiPathPlayback    = "/guilds/:guild_id/playback"
	apiPathMetrics     = "/metrics"
	apiParamGuildID    = "guild_id"
	xRequestIDHeader   = "X-Request-ID"
	apiRunningResponse = "NexusBot Worker is running!\n"
	apiBaseLoggerKey   = "api_logger"
)

// API is the status HTTP server. It reports gateway and worker health,
// and exposes each guild's stored queue alongside its live playback
// state, for the dashboard.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

func newAPI(b *Bot, config *APIConfig, development bool) (*API, error) {
	if config == nil {
		return nil, errors.New("missing API config")
	}
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         newComponentLogger(config.LogLevel, "api"),
	}
	api.handlers = &APIHandlers{b: b, api: api}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if !development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	if development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET(apiPathRoot, api.handlers.root)
	r.HEAD(apiPathRoot, api.handlers.root)
	r.GET(apiHealthCheck, api.handlers.healthCheck)

	g := r.Group(apiPrefix)
	g.GET(apiPathPlayback, api.handlers.getPlayback)
	g.GET(apiPathMetrics, api.handlers.getMetrics)

	return api, nil
}

// Serve listens on the configured address (unless a listener was already
// set) and serves until the server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers holds the API's request handlers
type APIHandlers struct {
	b   *Bot
	api *API
}

// root answers uptime checks from hosting platforms
func (h *APIHandlers) root(c *gin.Context) {
	c.String(http.StatusOK, apiRunningResponse)
}

// healthCheckResponse is returned by GET /healthz
type healthCheckResponse struct {
	DiscordGatewayConnected bool    `json:"discord_gateway_connected"`
	GuildWorkers            int     `json:"guild_workers"`
	VoiceSessions           int     `json:"voice_sessions"`
	UptimeSeconds           float64 `json:"uptime_seconds"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{}
	if h.b.discord != nil {
		resp.DiscordGatewayConnected = h.b.discord.connected.Load()
	}
	if h.b.reconciler != nil {
		resp.GuildWorkers = h.b.reconciler.Workers()
		resp.VoiceSessions = h.b.reconciler.Sessions().Len()
	}
	if !h.b.startedAt.IsZero() {
		resp.UptimeSeconds = time.Since(h.b.startedAt).Seconds()
	}
	c.JSON(http.StatusOK, resp)
}

// playbackResponse is a guild's stored queue along with what its worker
// and voice session are actually doing
type playbackResponse struct {
	Record  *QueueRecord  `json:"record"`
	State   PlaybackState `json:"state"`
	Session *SessionState `json:"session"`
}

func (h *APIHandlers) getPlayback(c *gin.Context) {
	logger := ginContextLogger(c)
	guildID := c.Param(apiParamGuildID)

	rec := h.b.reconciler
	if rec == nil {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: "not ready"},
		)
		return
	}

	q, err := rec.Queue(c.Request.Context(), guildID)
	switch {
	case errors.Is(err, ErrQueueNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "queue not found"})
		return
	case err != nil:
		logger.Error("error reading queue", tint.Err(err), columnQueueGuildID, guildID)
		ginReplyError(c, "error reading queue")
		return
	}

	resp := playbackResponse{Record: q, State: rec.State(guildID)}
	if st, ok := rec.Sessions().Get(guildID); ok {
		resp.Session = &st
	}
	c.JSON(http.StatusOK, resp)
}

// metricsResponse is returned by GET /api/metrics
type metricsResponse struct {
	Requests           map[string]int `json:"requests"`
	DiscordConnects    int64          `json:"discord_connects"`
	DiscordDisconnects int64          `json:"discord_disconnects"`
}

func (h *APIHandlers) getMetrics(c *gin.Context) {
	h.api.requestMetricsMu.Lock()
	requests := make(map[string]int, len(h.api.requestMetrics))
	for k, v := range h.api.requestMetrics {
		requests[k] = v
	}
	h.api.requestMetricsMu.Unlock()

	resp := metricsResponse{Requests: requests}
	if h.b.discord != nil {
		resp.DiscordConnects = h.b.discord.metricConnects.Load()
		resp.DiscordDisconnects = h.b.discord.metricDisconnects.Load()
	}
	c.JSON(http.StatusOK, resp)
}

type httpError struct {
	Error string `json:"error"`
}

// ginReplyError sends a JSON error with HTTP status code 500
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// requestIDMiddleware assigns a random request ID to each request, and
// returns it in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger from the gin context, or
// creates one with request details and stores it for later calls.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default()
	if base, ok := c.Get(apiBaseLoggerKey); ok {
		if baseLogger, isLogger := base.(*slog.Logger); isLogger {
			requestLogger = baseLogger
		}
	}
	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, along with
// its duration and any errors added to the gin context
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		if base != nil {
			c.Set(apiBaseLoggerKey, base)
		}
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		errs := c.Errors.ByType(gin.ErrorTypePrivate)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		key := fmt.Sprintf("%s %s", c.Request.Method, route)

		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()

		c.Next()
	}
}
