package rankbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

const (
	rankListRefreshQueueSize = 100
	shutdownAnnounceInterval = 10 * time.Second
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot is the rank bot: a discord gateway session, the rank store and
// manager, per-member command workers, and the optional API and
// webhook servers.
type Bot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler
	logWriter  logWriter

	db         *gorm.DB
	writeDB    DBI
	dbNotifier DBNotifier

	discord              *Discord
	manager              *RankManager
	metrics              *botMetrics
	workers              *memberWorkerPool
	api                  *API
	discordWebhookServer *DiscordWebhookServer

	// signalStop enables an explicit stop signal to be sent to the bot,
	// from the API or a database notification
	signalStop chan struct{}

	// signalReady has a value sent on it when Run has finished starting up
	signalReady chan struct{}

	// eventShutdown has a value sent on it when shutdown is complete
	eventShutdown chan struct{}

	// runMu prevents concurrent runs
	runMu     sync.Mutex
	startedAt time.Time

	// guilds are the guilds the bot is a member of, as seen on the gateway
	guilds   map[string]struct{}
	guildsMu sync.RWMutex

	rankListRefreshCh chan string

	// getInteractionHandlerFunc builds the handler for interactions
	// received on the gateway
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// webhookInteractionHandler handles interactions received by the
	// webhook server
	webhookInteractionHandler gin.HandlerFunc
}

// New creates a Bot from the given config. The database and discord
// session aren't opened until Run is called.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	w, err := newLogWriter(config.LogFile)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}

	b := &Bot{
		config:            config,
		logWriter:         w,
		signalReady:       make(chan struct{}, 1),
		eventShutdown:     make(chan struct{}, 1),
		guilds:            map[string]struct{}{},
		rankListRefreshCh: make(chan string, rankListRefreshQueueSize),
		metrics:           newBotMetrics(),
	}

	b.logHandler = w.handler(config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.workers = newMemberWorkerPool(config.Worker, b.logger, b.metrics.memberWorkers)

	if config.Discord == nil {
		return b, errors.Join(append(errs, missingConfigError(EnvDiscordBotToken))...)
	}
	config.Discord.httpClient = config.HTTPClient

	disc, err := newDiscord(config.Discord)
	if err != nil {
		return b, errors.Join(append(errs, err)...)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		w.handler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)
	disc.logger = slog.New(w.handler(config.Discord.LogLevel)).With(loggerNameKey, "discord")
	b.discord = disc

	if config.API != nil && config.API.Enabled {
		api, e := newAPI(b, config.API)
		errs = append(errs, e)
		b.api = api
	}

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(b, config.Discord.WebhookServer)
		errs = append(errs, e)
		b.discordWebhookServer = webhookServer
	}

	return b, errors.Join(errs...)
}

// ValidateConfig reports missing required settings as ErrConfigMissing,
// along with any other invalid settings.
func (b *Bot) ValidateConfig() error {
	return b.config.Validate()
}

// Ready returns a channel that receives a value once Run has started
// the bot.
func (b *Bot) Ready() <-chan struct{} {
	return b.signalReady
}

// Run opens the database and the discord session, and starts the
// bot's background work. It blocks until ctx is canceled or a stop
// signal is received, then shuts down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(b)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	b.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.String("version", Version),
		slog.String("commit", CommitSHA),
		slog.Any("config", b.config),
	)

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			b.logger.Warn("context canceled")
		}
	}()

	startupTimeout := b.config.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = DefaultStartupTimeout
	}
	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case e := <-initErr:
		if e != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(e))
			return e
		}
		logger.InfoContext(ctx, "init complete")
	}

	if b.api != nil {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if b.discordWebhookServer != nil {
		b.webhookInteractionHandler = webhookReceiveHandler(ctx, b)
		b.startWebhookServer(ctx, runtimeWG)
	}

	if discErr := b.initDiscordSession(ctx, runtimeWG); discErr != nil {
		b.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	b.logger.InfoContext(ctx, "connecting to discord")
	if openErr := b.discord.session.Open(); openErr != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(openErr))
		return fmt.Errorf("error connecting to discord: %w", openErr)
	}

	b.startRankListRefresher(ctx, runtimeWG)
	b.startEnforcementLoop(ctx, runtimeWG)

	for _, channel := range []string{
		b.dbNotifier.RanksUpdatedChannelName(),
		b.dbNotifier.StopChannelName(),
	} {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := b.dbNotifier.Listen(ctx, channel); e != nil {
				b.logger.ErrorContext(
					ctx,
					"error listening for notifications",
					tint.Err(e),
					"channel", channel,
				)
			}
		}()
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	b.logger.InfoContext(ctx, "ready")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initRun opens the database and creates the rank manager.
func (b *Bot) initRun(ctx context.Context) error {
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	b.manager = NewRankManager(
		b.writeDB,
		b.discord.session,
		b.config,
		b.logger,
		b.metrics,
	)
	b.manager.workers = b.workers
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	if b.db == nil {
		db, err := CreateDB(
			ctx,
			b.config.DatabaseType,
			b.config.Database,
			b.logWriter.handler(b.config.DatabaseLogLevel),
			b.config.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		b.db = db
	}
	if b.writeDB == nil {
		b.writeDB = NewDatabase(b.db, b.logger, b.config.DatabaseType == dbTypePostgres)
	}
	return nil
}

func (b *Bot) startWebhookServer(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := b.discordWebhookServer.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			b.logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
		}
	}()
}

// initDiscordSession registers the gateway event handlers.
func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")
	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	session := b.discord.session
	session.SetIdentify(
		discordgo.Identify{
			Intents: b.config.Discord.GatewayIntents,
		},
	)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.Ready) {
				b.handleReady(ctx, runtimeWG, r)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildCreate) {
				if g.Guild == nil || g.Unavailable {
					return
				}
				b.trackGuild(g.ID)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.syncGuild(ctx, g.ID)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildDelete) {
				if g.Guild == nil || g.Unavailable {
					return
				}
				b.untrackGuild(g.ID)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				b.dispatchMemberEvent(ctx, "member_add", m.Member)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
				b.dispatchMemberEvent(ctx, "member_update", m.Member)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return newGatewayHandler(b.discord.session, i, b.logger)
		}
	}
	return nil
}

// handleReady records the bot's identity, registers commands and sets
// the bot's status.
func (b *Bot) handleReady(ctx context.Context, runtimeWG *sync.WaitGroup, r *discordgo.Ready) {
	logger := contextLoggerOr(ctx, b.logger)
	if r.User != nil {
		b.manager.SetBotUserID(r.User.ID)
	}
	if b.config.Discord.ApplicationID == "" && r.Application != nil {
		b.config.Discord.ApplicationID = r.Application.ID
	}
	for _, g := range r.Guilds {
		b.trackGuild(g.ID)
	}
	logger.InfoContext(
		ctx,
		"discord ready",
		"session_id", r.SessionID,
		"guilds", len(r.Guilds),
	)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if _, err := b.discord.registerCommands(discordgo.WithContext(ctx)); err != nil {
			logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		}
		if status := b.config.Discord.CustomStatus; status != "" {
			if err := b.discord.session.UpdateCustomStatus(status); err != nil {
				logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
			}
		}
	}()
}

func (b *Bot) trackGuild(guildID string) {
	b.guildsMu.Lock()
	defer b.guildsMu.Unlock()
	b.guilds[guildID] = struct{}{}
}

func (b *Bot) untrackGuild(guildID string) {
	b.guildsMu.Lock()
	defer b.guildsMu.Unlock()
	delete(b.guilds, guildID)
}

// Guilds returns the IDs of the guilds the bot is in, sorted.
func (b *Bot) Guilds() []string {
	b.guildsMu.RLock()
	defer b.guildsMu.RUnlock()
	ids := make([]string, 0, len(b.guilds))
	for id := range b.guilds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Bot) syncGuild(ctx context.Context, guildID string) {
	logger := contextLoggerOr(ctx, b.logger)
	if _, err := b.manager.SyncGuild(ctx, guildID); err != nil {
		logger.ErrorContext(ctx, "error syncing guild", tint.Err(err), "guild_id", guildID)
	}
}

// dispatchMemberEvent queues enforcement of a joined or updated member on
// that member's worker, so it's ordered with any rank commands targeting
// them.
func (b *Bot) dispatchMemberEvent(ctx context.Context, name string, member *discordgo.Member) {
	if member == nil || member.User == nil || member.User.Bot || member.GuildID == "" {
		return
	}
	logger := contextLoggerOr(ctx, b.logger).With(slog.Group("member", memberLogAttrs(member)...))
	err := b.workers.Dispatch(
		ctx,
		member.GuildID,
		member.User.ID,
		memberJob{
			name: name,
			run: func(jobCtx context.Context) {
				if e := b.manager.EnforceMember(jobCtx, member.GuildID, member); e != nil {
					logger.ErrorContext(jobCtx, "error enforcing member rank", tint.Err(e))
				}
			},
		},
	)
	if err != nil {
		logger.WarnContext(ctx, "dropped member event", "event", name, tint.Err(err))
	}
}

// triggerRankListRefresh queues a rank list refresh for the guild. It
// returns false if ctx was done before the refresh could be queued.
func (b *Bot) triggerRankListRefresh(ctx context.Context, guildID string) bool {
	select {
	case b.rankListRefreshCh <- guildID:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Bot) startRankListRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case guildID := <-b.rankListRefreshCh:
				if err := b.manager.RefreshRankList(ctx, guildID); err != nil {
					b.logger.ErrorContext(
						ctx,
						"error refreshing rank list",
						tint.Err(err),
						"guild_id", guildID,
					)
				}
			}
		}
	}()
}

// startEnforcementLoop periodically re-applies stored ranks in every
// known guild.
func (b *Bot) startEnforcementLoop(ctx context.Context, runtimeWG *sync.WaitGroup) {
	interval := b.config.EnforceInterval
	if interval <= 0 {
		b.logger.InfoContext(ctx, "periodic enforcement disabled")
		return
	}
	logger := b.logger.With(loggerNameKey, "enforcement")

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.enforceAll(WithLogger(ctx, logger))
			}
		}
	}()
}

func (b *Bot) enforceAll(ctx context.Context) {
	logger := contextLoggerOr(ctx, b.logger)
	for _, guildID := range b.Guilds() {
		if ctx.Err() != nil {
			return
		}
		report, err := b.manager.EnforceGuild(ctx, guildID)
		if err != nil {
			logger.ErrorContext(ctx, "error enforcing ranks", tint.Err(err), "report", report)
		} else {
			logger.DebugContext(ctx, "enforced ranks", "report", report)
		}
		if report.NamesUpdated > 0 {
			b.triggerRankListRefresh(ctx, guildID)
		}
	}
}

// handleInteraction logs the interaction and handles it by type.
func (b *Bot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	// webhook endpoint verification pings carry no user
	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", discordUser.ID)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i, discordUser, handler.InteractionReceiveMethod())
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := b.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		if i.ApplicationCommandData().Name != DiscordSlashCommandRank {
			logger.WarnContext(ctx, "unknown command", "command", i.ApplicationCommandData().Name)
			return
		}
		b.handleRankCommand(ctx, handler)
	default:
		logger.InfoContext(ctx, "ignoring interaction", "type", i.Type.String())
	}
}

func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// handleRankCommand checks authorization and the label before
// acknowledging the command, so rejections can be sent as ephemeral
// replies. Accepted commands are deferred and queued on the target
// member's worker.
func (b *Bot) handleRankCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := contextLoggerOr(ctx, handler.Logger())

	if i.GuildID == "" || i.Member == nil {
		_ = handler.Respond(ctx, ephemeralResponse(replyGuildOnly))
		return
	}

	cmd, err := newRankCommand(i, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error reading rank command", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse(replyCommandError))
		return
	}
	logger = cmd.logger
	ctx = WithLogger(ctx, logger)

	reject := func(content string, state RankCommandState) {
		_ = handler.Respond(ctx, ephemeralResponse(content))
		finished := time.Now()
		cmd.State = state
		cmd.Response = &content
		cmd.FinishedAt = &finished
		cmd.Acknowledged = true
		b.metrics.commands.WithLabelValues(cmd.Action.String(), state.String()).Inc()
		if _, e := b.writeDB.Create(ctx, cmd); e != nil {
			logger.ErrorContext(ctx, "error saving rank command", tint.Err(e))
		}
	}

	if authErr := b.manager.Authorize(ctx, i.GuildID, cmd.actor); authErr != nil {
		logger.WarnContext(ctx, "permission denied", tint.Err(authErr))
		reject(replyPermissionDenied, RankCommandStateDenied)
		return
	}
	cmd.actor.authorized = true
	if cmd.Action == RankActionSet {
		if _, labelErr := ValidateLabel(cmd.Label); labelErr != nil {
			logger.InfoContext(ctx, "invalid rank", tint.Err(labelErr))
			reject(invalidRankReply(labelErr), RankCommandStateFailed)
			return
		}
	}

	ackErr := handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	)
	if ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		cmd.State = RankCommandStateFailed
		if _, e := b.writeDB.Create(ctx, cmd); e != nil {
			logger.ErrorContext(ctx, "error saving rank command", tint.Err(e))
		}
		return
	}
	cmd.Acknowledged = true

	// the audit record is best effort, the rank change goes ahead without it
	if _, e := b.writeDB.Create(ctx, cmd); e != nil {
		logger.ErrorContext(ctx, "error saving rank command", tint.Err(e))
	}

	dispatchErr := b.workers.Dispatch(
		ctx,
		i.GuildID,
		cmd.MemberID,
		memberJob{
			name: "rank_" + cmd.Action.String(),
			run: func(jobCtx context.Context) {
				cmd.execute(WithLogger(jobCtx, logger), b)
			},
		},
	)
	if dispatchErr != nil {
		logger.WarnContext(ctx, "member queue full", tint.Err(dispatchErr))
		content := fmt.Sprintf(replyMemberBusy, mention(cmd.MemberID))
		finished := time.Now()
		cmd.State = RankCommandStateFailed
		cmd.Response = &content
		cmd.FinishedAt = &finished
		b.metrics.commands.WithLabelValues(cmd.Action.String(), cmd.State.String()).Inc()
		if cmd.ID != 0 {
			if _, e := b.writeDB.Updates(ctx, cmd, cmd.finalUpdates()); e != nil {
				logger.ErrorContext(ctx, "error updating rank command", tint.Err(e))
			}
		}
		_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	}
}

// handleRecover logs a recovered panic with its stack trace.
func (b *Bot) handleRecover(ctx context.Context, rc any) {
	logger := contextLoggerOr(ctx, b.logger)
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(nerr), "stack_trace", stackTrace)
		return
	}
	logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
}

// shutdown stops the member workers, closes the HTTP servers and the
// discord session, and waits for in-flight work, up to
// Config.ShutdownTimeout.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case b.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		defer close(gracefulShutdownCh)
		stopWG := &sync.WaitGroup{}

		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			if err := b.workers.Stop(closeCtx); err != nil {
				b.logger.ErrorContext(ctx, "error stopping member workers", tint.Err(err))
			}
		}()

		if b.api != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = b.api.httpServer.Shutdown(closeCtx)
				b.logger.InfoContext(ctx, "api server stopped")
			}()
		}

		if b.discordWebhookServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = b.discordWebhookServer.httpServer.Shutdown(closeCtx)
				b.logger.InfoContext(ctx, "webhook server stopped")
			}()
		}

		if b.discord != nil && b.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				if err := b.discord.session.Close(); err != nil {
					b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
				}
			}()
		}

		stopWG.Wait()
		runtimeWG.Wait()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"shutdown_duration", time.Since(shutdownStart),
		)
	}()

	announcementTicker := time.NewTicker(shutdownAnnounceInterval)
	defer announcementTicker.Stop()

	for {
		select {
		case <-gracefulShutdownCh:
			b.logger.InfoContext(ctx, "shutdown complete", "uptime", time.Since(b.startedAt))
			return nil
		case <-announcementTicker.C:
			b.logger.WarnContext(
				ctx,
				"waiting on shutdown",
				"remaining", time.Until(shutdownDeadline).Round(time.Second),
			)
		case <-closeCtx.Done():
			b.logger.ErrorContext(ctx, "graceful shutdown timed out")
			if b.api != nil {
				_ = b.api.httpServer.Close()
			}
			if b.discordWebhookServer != nil {
				_ = b.discordWebhookServer.httpServer.Close()
			}
			return fmt.Errorf("shutdown timed out after %s", b.config.ShutdownTimeout)
		}
	}
}
