package rankbot

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	apiPrefix              = "/api"
	apiHealthCheck         = "/healthz"
	apiMetrics             = "/metrics"
	apiPathQuit            = "/quit"
	apiPathGuildRanks      = "/guilds/:guild_id/ranks"
	apiPathGuildRefresh    = "/guilds/:guild_id/rank_list/refresh"
	apiPathGuildEnforce    = "/guilds/:guild_id/enforce"
	apiDiscordInteractions = "/discord/interactions"

	apiQuitTimeout = 30 * time.Second
)

const xRequestIDHeader = "X-Request-ID"

var structValidator = validator.New()

type httpError struct {
	Error string `json:"error"`
}

type httpReply struct {
	Message string `json:"message"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool     `json:"discord_gateway_connected"`
	Guilds                  []string `json:"guilds"`
	MemberWorkers           int      `json:"member_workers"`
	Version                 string   `json:"version"`
}

type guildRanksResponse struct {
	GuildID     string           `json:"guild_id"`
	Ranks       []RankEntry      `json:"ranks"`
	Rendered    string           `json:"rendered"`
	ListMessage *RankListMessage `json:"list_message,omitempty"`
}

type guildURI struct {
	GuildID string `uri:"guild_id" binding:"required,numeric"`
}

// API is the optional HTTP server for health checks, metrics and
// rank administration.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: slog.New(b.logWriter.handler(config.LogLevel)).With(loggerNameKey, "api"),
	}
	handlers := &APIHandlers{b: b}
	api.handlers = handlers

	tlsCfg, err := tlsConfig(config.SSL)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if b.config.Development {
			corsConfig.AllowOrigins = []string{"*"}
		} else {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen}
		}
	}

	if b.config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, handlers.healthCheck)
	r.GET(
		apiMetrics,
		gin.WrapH(promhttp.HandlerFor(b.metrics.registry, promhttp.HandlerOpts{})),
	)

	if strings.TrimSpace(config.Secret) == "" {
		api.logger.Warn("api secret not set, admin routes disabled")
		return api, nil
	}

	protected := r.Group(apiPrefix)
	protected.Use(bearerAuthMiddleware(config.Secret))
	protected.GET(apiPathGuildRanks, handlers.getGuildRanks)
	protected.POST(apiPathGuildRefresh, handlers.refreshRankList)
	protected.POST(apiPathGuildEnforce, handlers.enforceGuild)
	protected.POST(apiPathQuit, handlers.botQuit)

	return api, nil
}

// Serve listens on the configured address, and serves until the server
// is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		} else {
			a.logger.WarnContext(ctx, "starting api server without TLS")
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	b *Bot
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	var connected bool
	if h.b.discord != nil {
		connected = h.b.discord.connected.Load()
	}
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: connected,
			Guilds:                  h.b.Guilds(),
			MemberWorkers:           h.b.workers.Len(),
			Version:                 Version,
		},
	)
}

// getGuildRanks returns the guild's stored ranks, and the rank list as
// it would be rendered.
func (h *APIHandlers) getGuildRanks(c *gin.Context) {
	var uri guildURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	var (
		ranks   []RankEntry
		listMsg *RankListMessage
	)
	g, ctx := errgroup.WithContext(c)
	g.Go(
		func() error {
			var e error
			ranks, e = h.b.writeDB.ListRanks(ctx, uri.GuildID)
			return e
		},
	)
	g.Go(
		func() error {
			var e error
			listMsg, e = h.b.writeDB.GetRankListMessage(ctx, uri.GuildID)
			return e
		},
	)
	if err := g.Wait(); err != nil {
		ginContextLogger(c).ErrorContext(c, "error listing ranks", tint.Err(err))
		ginReplyError(c, "error listing ranks")
		return
	}
	if ranks == nil {
		ranks = []RankEntry{}
	}
	c.JSON(
		http.StatusOK, guildRanksResponse{
			GuildID:     uri.GuildID,
			Ranks:       ranks,
			Rendered:    RenderRankList(ranks),
			ListMessage: listMsg,
		},
	)
}

// refreshRankList re-renders the guild's rank list, on this bot and any
// others sharing the database.
func (h *APIHandlers) refreshRankList(c *gin.Context) {
	var uri guildURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if !h.b.dbNotifier.RanksUpdated(c, uri.GuildID) {
		ginReplyError(c, "error queueing rank list refresh")
		return
	}
	c.JSON(http.StatusAccepted, httpReply{Message: "rank list refresh queued"})
}

// enforceGuild runs an enforcement pass over the guild and returns the
// report.
func (h *APIHandlers) enforceGuild(c *gin.Context) {
	var uri guildURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	ctx := WithLogger(c, ginContextLogger(c))
	report, err := h.b.manager.EnforceGuild(ctx, uri.GuildID)
	if err != nil {
		ginContextLogger(c).ErrorContext(ctx, "error enforcing ranks", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			gin.H{"error": err.Error(), "report": report},
		)
		return
	}
	if report.NamesUpdated > 0 {
		h.b.triggerRankListRefresh(ctx, uri.GuildID)
	}
	c.JSON(http.StatusOK, report)
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c), apiQuitTimeout)
	defer cancel()

	if !h.b.dbNotifier.Stop(ctx) {
		c.AbortWithStatusJSON(
			http.StatusGatewayTimeout,
			httpError{Error: "timeout sending stop signal"},
		)
		return
	}
	ginReplyMessage(c, "quitting")
}

// bearerAuthMiddleware rejects requests that don't carry the secret as
// a bearer token.
func bearerAuthMiddleware(secret string) gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(secret))
	return func(c *gin.Context) {
		provided := bearerToken(c.GetHeader("Authorization"))
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			ginContextLogger(c).Warn("unauthorized api request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// requestIDMiddleware assigns a random request ID to each request, and
// sets it on the response header.
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

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and response
// status, and any errors attached to the context.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
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

// ginReplyMessage sends a JSON response with a message, with HTTP
// status code 200.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON error response with HTTP status code 500.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateWorkerConfig, WorkerConfig{})
}
