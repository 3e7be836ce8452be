package nexusbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/thedudeyeets/nexusbot-worker/nexusbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	ErrQueueNotFound     = errors.New("queue not found")
	ErrStaleQueueRecord  = errors.New("queue record changed since it was read")
	ErrNothingPlaying    = errors.New("nothing is playing")
	ErrNotInVoiceChannel = errors.New("user is not in a voice channel")
	ErrNoSearchResults   = errors.New("no search results")
	ErrInvalidVolume     = errors.New("volume must be between 0 and 100")
	ErrInvalidLoopMode   = errors.New("loop mode must be one of: none, track, queue")
	ErrNoVoiceChannel    = errors.New("no voice channel available")
	ErrNoSession         = errors.New("no voice session")
	ErrJoinTimeout       = errors.New("timed out joining voice channel")
	ErrJoinCanceled      = errors.New("voice join canceled")
	ErrReconcilerStopped = errors.New("playback reconciler stopped")
	ErrAINotConfigured   = errors.New("AI replies are not configured")
	ErrAICooldown        = errors.New("AI request cooldown")
)

// Bot ties the discord gateway, the playback reconciler, AI replies,
// moderation and the status API together.
type Bot struct {
	config *Config
	logger *slog.Logger

	// read-only connection. Writes go through writeDB, which serializes
	// them for sqlite.
	db      *gorm.DB
	writeDB DBI

	store      QueueStore
	notifier   QueueNotifier
	reconciler *Reconciler
	resolver   TrackResolver
	discord    *Discord
	openai     *OpenAI
	moderator  *Moderator
	api        *API

	// signalStop cancels the runtime context, triggering shutdown
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has connected to
	// discord and registered commands
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time
}

// New creates a Bot from config. Nothing is connected or opened until
// Run is called.
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

	b := &Bot{
		config:      config,
		signalReady: make(chan struct{}, 1),
		signalStop:  make(chan struct{}, 1),
	}

	b.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(
		config.Discord,
		newComponentLogger(config.Discord.LogLevel, "discord"),
	)
	if err != nil {
		errs = append(errs, err)
	}
	b.discord = disc

	if config.OpenAI != nil {
		b.openai = newOpenAI(config.OpenAI, config.HTTPClient)
	}

	b.resolver = newYtdlpResolver(
		config.Music,
		newComponentLogger(config.Music.LogLevel, "music"),
	)

	api, err := newAPI(b, config.API, config.Development)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

func (b *Bot) Reconciler() *Reconciler {
	return b.reconciler
}

// Stop signals a running bot to shut down
func (b *Bot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Ready returns a channel that receives a value once Run has finished
// starting up
func (b *Bot) Ready() <-chan struct{} {
	return b.signalReady
}

// Run connects everything and blocks until ctx is canceled or Stop is
// called, then shuts down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// the 'runtime' context, which triggers a graceful shutdown when
	// canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	runtimeWG := &sync.WaitGroup{}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initDB(startCtx); err != nil {
		logger.ErrorContext(ctx, "error initializing database", tint.Err(err))
		return fmt.Errorf("error initializing database: %w", err)
	}

	dg, err := b.discord.newSession()
	if err != nil {
		return err
	}

	b.reconciler = NewReconciler(
		b.store,
		newDiscordVoiceTransport(
			dg,
			b.config.Music.OpusBitrate,
			newComponentLogger(b.config.Music.LogLevel, "voice"),
		),
		b.resolver,
		b.discord,
		b.discord,
		b.config.Music,
		newComponentLogger(b.config.Music.LogLevel, "music"),
	)
	b.reconciler.Start(ctx)
	b.moderator = newModerator(
		b.discord.session,
		b.writeDB,
		newComponentLogger(b.config.Discord.LogLevel, "moderation"),
	)
	if b.openai != nil {
		b.openai.db = b.writeDB
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := b.notifier.Listen(ctx, b.reconciler.OnNotification); e != nil &&
			!errors.Is(e, context.Canceled) {
			logger.ErrorContext(ctx, "error listening for queue changes", tint.Err(e))
		}
	}()

	if err = b.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		cancel()
		_ = b.shutdown(ctx, runtimeWG)
		return err
	}
	if startCtx.Err() != nil {
		cancel()
		_ = b.shutdown(ctx, runtimeWG)
		return errors.New("startup cancelled or timed out")
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "ready", "startup_duration", time.Since(b.startedAt))

	<-ctx.Done()
	return b.shutdown(ctx, runtimeWG)
}

// initDB opens and migrates the database, then builds the queue store
// and the change notifier on top of it
func (b *Bot) initDB(ctx context.Context) error {
	handler := newLogHandler(b.config.DatabaseLogLevel)
	db, err := CreateDB(
		ctx,
		b.config.DatabaseType,
		b.config.Database,
		handler,
		b.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return err
	}
	b.db = db
	dbLogger := slog.New(handler).With(loggerNameKey, "database")
	b.writeDB = NewDatabase(db, dbLogger, b.config.DatabaseType == dbTypePostgres)

	notifierLogger := newComponentLogger(b.config.Music.LogLevel, "notifier")

	// the postgres notifier reads records back through the store, and
	// the sqlite store publishes through the notifier
	var publish func(context.Context, QueueChange)
	var sqliteNotify *sqliteNotifier
	if b.config.DatabaseType == dbTypeSQLite {
		sqliteNotify = newSQLiteNotifier(notifierLogger)
		publish = sqliteNotify.Publish
	}
	store := newQueueStore(b.writeDB, dbLogger, publish)
	b.store = store

	if sqliteNotify != nil {
		b.notifier = sqliteNotify
		return nil
	}
	b.notifier, err = newQueueNotifier(
		b.config.DatabaseType,
		b.config.Database,
		store,
		notifierLogger,
	)
	return err
}

// initDiscordSession adds gateway handlers, opens the websocket and
// registers slash commands
func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	d := b.discord
	logger := d.logger.With(loggerNameKey, "discord_session")
	ctx = WithLogger(ctx, logger)

	for _, h := range d.removeHandlerFuncs {
		h()
	}

	d.session.SetIdentify(
		discordgo.Identify{
			Intents:  b.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{Status: string(discordgo.StatusOnline)},
		},
	)

	d.removeHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, i)
				}()
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if _, err := d.registerCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	if d.config.CustomStatus != "" {
		go func() {
			if statusErr := d.session.UpdateCustomStatus(d.config.CustomStatus); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

// shutdown stops guild workers, disconnects voice, closes the discord
// session and stops the HTTP server, giving up after ShutdownTimeout.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		stopWG := &sync.WaitGroup{}

		if b.reconciler != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				if err := b.reconciler.Shutdown(closeCtx); err != nil {
					b.logger.WarnContext(ctx, "error disconnecting voice sessions", tint.Err(err))
				}
				b.logger.InfoContext(ctx, "voice sessions released")
			}()
		}

		if b.api != nil && b.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = b.api.httpServer.Shutdown(closeCtx)
				b.logger.InfoContext(ctx, "http server stopped")
			}()
		}
		stopWG.Wait()

		if b.discord != nil && b.discord.session != nil {
			b.logger.InfoContext(ctx, "closing discord session")
			_ = b.discord.session.Close()
			for _, h := range b.discord.removeHandlerFuncs {
				h()
			}
		}
		runtimeWG.Wait()
	}()

	select {
	case <-done:
		b.logger.InfoContext(
			ctx,
			"shutdown complete",
			"shutdown_duration", time.Since(shutdownStart),
		)
		return nil
	case <-closeCtx.Done():
		b.logger.Warn("shutdown did not finish in time, forcing close")
		if b.api != nil && b.api.httpServer != nil {
			go func() {
				_ = b.api.httpServer.Close()
			}()
		}
		return errors.New("shutdown did not finish in time")
	}
}
